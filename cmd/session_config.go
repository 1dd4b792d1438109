package cmd

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inferflow/inferflow/serve"
	"github.com/inferflow/inferflow/serve/model"
)

// FileConfig is the YAML session-config file layout.
type FileConfig struct {
	ModelDir string          `yaml:"model_dir"`
	Sessions []SessionConfig `yaml:"sessions"`
}

// SessionConfig describes one session to create at startup.
type SessionConfig struct {
	Name           string `yaml:"name"`
	ModelPath      string `yaml:"model_path"`
	FunctionName   string `yaml:"function_name"`
	BatchSize      int    `yaml:"batch_size"`
	Strategy       string `yaml:"strategy"`
	BatchTimeoutMs int    `yaml:"batch_timeout_ms"`
	Priority       int    `yaml:"priority"`
	EngineNum      int    `yaml:"engine_num"`
	CacheCapacity  int    `yaml:"cache_capacity"`
	ShowPerf       bool   `yaml:"show_perf"`
}

// LoadSessionConfigs reads and parses a session-config YAML file.
func LoadSessionConfigs(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse session config %s: %w", path, err)
	}
	return &cfg, nil
}

// ToDesc converts a parsed session config into a SessionDesc. The model is
// loaded through mgr.
func (c SessionConfig) ToDesc(mgr *model.Manager) (serve.SessionDesc, error) {
	strategy, err := serve.ParseBatchStrategy(c.Strategy)
	if err != nil {
		return serve.SessionDesc{}, err
	}
	m, err := mgr.Load(c.ModelPath, c.FunctionName)
	if err != nil {
		return serve.SessionDesc{}, err
	}
	if c.BatchSize > 0 {
		m.BatchSize = c.BatchSize
	}
	return serve.SessionDesc{
		Name:          c.Name,
		Model:         m,
		Strategy:      strategy,
		Preproc:       serve.NewPassthroughProcessor("Preprocessor"),
		BatchTimeout:  time.Duration(c.BatchTimeoutMs) * time.Millisecond,
		Priority:      int16(c.Priority),
		EngineNum:     c.EngineNum,
		CacheCapacity: c.CacheCapacity,
		ShowPerf:      c.ShowPerf,
	}, nil
}

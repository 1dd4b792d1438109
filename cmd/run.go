package cmd

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferflow/inferflow/serve"
	"github.com/inferflow/inferflow/serve/model"
)

var (
	// CLI flags for the demo workload
	deviceID        int    // Target device id
	engineNum       int    // Number of parallel engine replicas
	batchSize       int    // Units per hardware batch
	batchTimeoutMs  int    // Dynamic batching timeout in milliseconds
	numRequests     int    // Number of requests to submit
	unitsPerRequest int    // Units per request
	strategyName    string // Batch strategy: dynamic or static
	basePriority    int    // Session base priority (smaller = more urgent)
	stageDelayMs    int    // Synthetic inference latency per batch
	configPath      string // Optional YAML session config
	showPerf        bool   // Print per-stage latency statistics
)

// delayProcessor emulates an inference stage with fixed latency. Each fork
// is an independent instance, so engine replicas run it in parallel.
type delayProcessor struct {
	name  string
	delay time.Duration
}

func (p *delayProcessor) Process(_ *serve.Package) serve.Status {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return serve.Success
}

func (p *delayProcessor) TypeName() string      { return p.name }
func (p *delayProcessor) Fork() serve.Processor { return &delayProcessor{name: p.name, delay: p.delay} }

// countObserver tallies delivered units for the benchmark.
type countObserver struct {
	units    atomic.Int64
	failures atomic.Int64
}

func (o *countObserver) Notify(s serve.Status, _ *serve.InferData, _ any) {
	o.units.Add(1)
	if s != serve.Success {
		o.failures.Add(1)
	}
}

// runCmd pumps a synthetic workload through one session and reports
// throughput.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the serving pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		serve.SetPredictorFactory(func(_ *model.Model, _ int) serve.Processor {
			return &delayProcessor{name: "Predictor", delay: time.Duration(stageDelayMs) * time.Millisecond}
		})

		desc, err := buildDesc()
		if err != nil {
			logrus.Fatalf("invalid configuration: %v", err)
		}

		server, err := serve.NewInferServer(deviceID)
		if err != nil {
			logrus.Fatalf("initialize server: %v", err)
		}
		observer := &countObserver{}
		sess, err := server.CreateSession(desc, observer)
		if err != nil {
			logrus.Fatalf("create session: %v", err)
		}

		logrus.Infof("Starting workload: %d requests x %d units, strategy=%s, engines=%d, batch=%d",
			numRequests, unitsPerRequest, desc.Strategy, desc.EngineNum, desc.Model.BatchSize)
		start := time.Now()
		submitted := 0
		for i := 0; i < numRequests; i++ {
			pkg := &serve.Package{Tag: "bench"}
			for u := 0; u < unitsPerRequest; u++ {
				pkg.Append(i*unitsPerRequest + u)
			}
			if !server.Request(sess, pkg, i, 5*time.Second) {
				logrus.Warnf("request %d rejected", i)
				continue
			}
			submitted++
		}
		server.WaitTaskDone(sess, "bench")
		elapsed := time.Since(start)

		logrus.Infof("Completed %d/%d requests (%d units, %d failures) in %v: %.1f units/s",
			submitted, numRequests, observer.units.Load(), observer.failures.Load(), elapsed,
			float64(observer.units.Load())/elapsed.Seconds())

		if showPerf {
			for name, st := range server.GetPerformance(sess) {
				logrus.Infof("stage %-24s count=%d mean=%.3fms p95=%.3fms total=%.1fms",
					name, st.Count, st.Mean, st.P95, st.Total)
			}
		}
		server.DestroySession(sess)
	},
}

func buildDesc() (serve.SessionDesc, error) {
	if configPath != "" {
		cfg, err := LoadSessionConfigs(configPath)
		if err != nil {
			return serve.SessionDesc{}, err
		}
		if cfg.ModelDir != "" {
			if err := model.Default().SetModelDir(cfg.ModelDir); err != nil {
				return serve.SessionDesc{}, err
			}
		}
		if len(cfg.Sessions) == 0 {
			logrus.Fatal("session config has no sessions")
		}
		desc, err := cfg.Sessions[0].ToDesc(model.Default())
		if err != nil {
			return serve.SessionDesc{}, err
		}
		desc.ShowPerf = desc.ShowPerf || showPerf
		return desc, nil
	}

	strategy, err := serve.ParseBatchStrategy(strategyName)
	if err != nil {
		return serve.SessionDesc{}, err
	}
	return serve.SessionDesc{
		Name:         "bench",
		Model:        model.New("bench.model", "subnet0", batchSize),
		Strategy:     strategy,
		Preproc:      serve.NewPassthroughProcessor("Preprocessor"),
		Postproc:     serve.NewPassthroughProcessor("Postprocessor"),
		BatchTimeout: time.Duration(batchTimeoutMs) * time.Millisecond,
		Priority:     int16(basePriority),
		EngineNum:    engineNum,
		ShowPerf:     showPerf,
	}, nil
}

func init() {
	runCmd.Flags().IntVar(&deviceID, "device", 0, "Target device id")
	runCmd.Flags().IntVar(&engineNum, "engine-num", 2, "Number of parallel engine replicas")
	runCmd.Flags().IntVar(&batchSize, "batch-size", 4, "Units per hardware batch")
	runCmd.Flags().IntVar(&batchTimeoutMs, "batch-timeout", 20, "Dynamic batching timeout (ms)")
	runCmd.Flags().IntVar(&numRequests, "requests", 100, "Number of requests to submit")
	runCmd.Flags().IntVar(&unitsPerRequest, "units", 1, "Units per request")
	runCmd.Flags().StringVar(&strategyName, "strategy", "dynamic", "Batch strategy: dynamic or static")
	runCmd.Flags().IntVar(&basePriority, "priority", 0, "Session base priority (smaller = more urgent)")
	runCmd.Flags().IntVar(&stageDelayMs, "stage-delay", 2, "Synthetic inference latency per batch (ms)")
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML session config file")
	runCmd.Flags().BoolVar(&showPerf, "show-perf", false, "Print per-stage latency statistics")
	rootCmd.AddCommand(runCmd)
}

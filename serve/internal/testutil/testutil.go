// Package testutil provides shared test infrastructure for the serving
// runtime. It consolidates the polling helpers used by the serve/ tests.
package testutil

import (
	"testing"
	"time"
)

// WaitUntil polls cond every millisecond until it returns true or timeout
// expires. It fails the test on timeout.
func WaitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", timeout, what)
}

// Eventually reports whether cond becomes true within timeout, polling
// every millisecond, without failing the test.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

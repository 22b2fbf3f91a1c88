package testutil

import (
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// EnsureNoErrors calls the t.Error for every ErrorLevel entry in logs,
// consuming observed entries.
func EnsureNoErrors(t *testing.T, logs *observer.ObservedLogs) {
	t.Helper()
	for _, e := range logs.TakeAll() {
		if e.Level >= zapcore.ErrorLevel {
			t.Errorf("%s: %v", e.Message, e.ContextMap())
		}
	}
}

// WaitMessage polls logs until entry with msg appears and returns it,
// failing the test after timeout.
func WaitMessage(t *testing.T, logs *observer.ObservedLogs, msg string, timeout time.Duration) observer.LoggedEntry {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if found := logs.FilterMessage(msg).All(); len(found) > 0 {
			return found[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %q message in logs", msg)
		}
		time.Sleep(time.Millisecond * 10)
	}
}

package logging

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records entries at every level so tests can check what a
// component logged and which correlation fields it carried.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core)},
		observed: observed,
	}
}

func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Entries returns the entries whose message is exactly msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessage(msg).All()
}

// AssertLogged fails tb unless some entry at level contains msgContains.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msgContains) {
			return
		}
	}
	tb.Errorf("no %v entry containing %q; got %s", level, msgContains, t.summary())
}

// AssertFields fails tb unless one entry with message msg carries every
// key in want. Values compare by their printed form, so a string field
// and a Stringer with the same text are equal.
func (t *TestLogger) AssertFields(tb testing.TB, msg string, want map[string]any) {
	tb.Helper()
	entries := t.Entries(msg)
	for _, e := range entries {
		if hasFields(e.ContextMap(), want) {
			return
		}
	}
	if len(entries) == 0 {
		tb.Errorf("no entry %q; got %s", msg, t.summary())
		return
	}
	tb.Errorf("no entry %q carries %v; candidates: %v", msg, want, contextMaps(entries))
}

func hasFields(got, want map[string]any) bool {
	for k, v := range want {
		g, ok := got[k]
		if !ok || fmt.Sprint(g) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func contextMaps(entries []observer.LoggedEntry) []map[string]any {
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = e.ContextMap()
	}
	return out
}

func (t *TestLogger) summary() string {
	msgs := make([]string, 0, t.observed.Len())
	for _, e := range t.observed.All() {
		msgs = append(msgs, e.Level.String()+":"+e.Message)
	}
	return "[" + strings.Join(msgs, ", ") + "]"
}

package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose entries are kept in memory.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger records every entry at debug and above.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(zapcore.DebugLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) matching(level zapcore.Level, substr string) *observer.ObservedLogs {
	return t.observed.FilterLevelExact(level).FilterMessageSnippet(substr)
}

// AssertLogged fails tb unless an entry at level contains substr.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if t.matching(level, substr).Len() == 0 {
		tb.Errorf("no %s entry containing %q; recorded: %s", level, substr, t.summary())
	}
}

// AssertNotLogged fails tb if an entry at level contains substr.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, substr string) {
	tb.Helper()
	if n := t.matching(level, substr).Len(); n > 0 {
		tb.Errorf("found %d unexpected %s entries containing %q", n, level, substr)
	}
}

// AssertField fails tb unless an entry with message msg carries key=want.
// Context fields added by the Logger wrapper count.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessage(msg).All() {
		if got, ok := entry.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v; recorded: %s", msg, key, want, t.summary())
}

func (t *TestLogger) summary() string {
	var b strings.Builder
	for i, e := range t.observed.All() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Level.String() + ":" + e.Message)
	}
	return "[" + b.String() + "]"
}

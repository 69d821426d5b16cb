package environment

import "log/slog"

// Sink receives every line compose prints while the environment starts.
type Sink interface {
	Message(line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string)

// Message calls f(line).
func (f SinkFunc) Message(line string) {
	f(line)
}

// LogSink writes each line to logger at info level.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(line string) {
		logger.Info(line, "source", "compose")
	})
}

// TB is the part of testing.TB a TestSink needs.
type TB interface {
	Helper()
	Log(args ...any)
}

// TestSink writes each line to the test log.
func TestSink(tb TB) Sink {
	return SinkFunc(func(line string) {
		tb.Helper()
		tb.Log(line)
	})
}

type discardSink struct{}

func (discardSink) Message(string) {}

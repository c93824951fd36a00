package training

import "github.com/edaniels/golog"

// MetricsSink receives named scalar series tagged with a step index.
type MetricsSink interface {
	Scalar(name string, step int, value float64)
}

// LogSink emits scalars to a logger.
type LogSink struct {
	logger golog.Logger
}

// NewLogSink builds a logger-backed sink.
func NewLogSink(logger golog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Scalar logs one value.
func (s *LogSink) Scalar(name string, step int, value float64) {
	s.logger.Infow("metric", "name", name, "step", step, "value", value)
}

// Package backend implements the upstream collaborators of the relay:
// chat completion, speech synthesis and transcription.
package backend

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type instruments struct {
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
}

// resolve fills unset instruments with defaults and creates the upstream
// request duration histogram.
func (i instruments) resolve() (*slog.Logger, trace.Tracer, metric.Float64Histogram) {
	logger := i.logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := i.tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("backend")
	}
	meter := i.meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("backend")
	}

	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
		histogram, _ = metricnoop.NewMeterProvider().Meter("backend").Float64Histogram("http.client.request.duration")
	}
	return logger, tracer, histogram
}

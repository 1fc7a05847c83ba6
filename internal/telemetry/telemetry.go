// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// used by scans.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of scan spans.
const TracerName = "annoscan.scanner"

var (
	// scanClassesTotal counts classes merged into the index by policy.
	// Labels: policy (seed, partial, excluded, external)
	scanClassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annoscan",
		Subsystem: "scan",
		Name:      "classes_total",
		Help:      "Classes merged into the index by policy",
	}, []string{"policy"})

	// scanFailuresTotal counts classes that could not be recorded.
	// Labels: reason (duplicate, mismatch, corrupt, unreadable)
	scanFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annoscan",
		Subsystem: "scan",
		Name:      "failures_total",
		Help:      "Classes skipped during a scan by reason",
	}, []string{"reason"})

	// cacheOutcomesTotal counts validity checks.
	// Labels: artifact (containers, targets, resolved, unresolved, classes),
	// outcome (miss, valid, invalid, forced)
	cacheOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annoscan",
		Subsystem: "cache",
		Name:      "outcomes_total",
		Help:      "Cache validity outcomes by artifact kind",
	}, []string{"artifact", "outcome"})

	// scanDurationSeconds measures scan phases.
	// Labels: phase (direct, referenced, cache_read, cache_write)
	scanDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "annoscan",
		Subsystem: "scan",
		Name:      "duration_seconds",
		Help:      "Duration of scan phases",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"phase"})
)

// RecordClasses adds n merged classes under policy.
func RecordClasses(policy string, n int) {
	if n > 0 {
		scanClassesTotal.WithLabelValues(policy).Add(float64(n))
	}
}

// RecordFailures adds n skipped classes under reason.
func RecordFailures(reason string, n int) {
	if n > 0 {
		scanFailuresTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// RecordCacheOutcome counts one validity check.
func RecordCacheOutcome(artifact, outcome string) {
	cacheOutcomesTotal.WithLabelValues(artifact, outcome).Inc()
}

// ObservePhase records the duration of a scan phase started at start.
func ObservePhase(phase string, start time.Time) {
	scanDurationSeconds.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Tracer returns the scan tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// InstallStdoutTracer installs a global tracer provider that writes spans
// to w. The returned function flushes and uninstalls it.
func InstallStdoutTracer(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		otel.SetTracerProvider(prev)
		return tp.Shutdown(ctx)
	}, nil
}

// LoggerWithTrace adds the trace and span ids of ctx to logger, when ctx
// carries a recording span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

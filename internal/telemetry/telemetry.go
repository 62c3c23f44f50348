// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the engine, the same obs.Tracer.StartSpan/span.RecordError/span.SetStatus
// shape the teacher's task_execution_service.go uses around its own task
// executions (internal/domain/agent/react/tracing.go shows the concrete
// otel.Tracer(...).Start/RecordError/SetStatus pattern this package
// generalizes beyond the react package). The teacher's go.mod carries the
// full OTLP-HTTP/Jaeger/Zipkin exporter set plus prometheus/client_golang;
// this package gives all of them a concrete home instead of leaving them
// declared-but-unwired.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	otlpprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "alex.worker"

// Exporter selects which trace backend New wires up. The teacher
// depends on exporters for all three so a deployment can pick whichever its
// ops team already runs.
type Exporter string

const (
	ExporterNone   Exporter = ""
	ExporterOTLP   Exporter = "otlp"
	ExporterJaeger Exporter = "jaeger"
	ExporterZipkin Exporter = "zipkin"
)

// Config controls exporter selection and service identification.
type Config struct {
	ServiceName     string
	Exporter        Exporter
	OTLPEndpoint    string // host:port, e.g. "localhost:4318"
	JaegerEndpoint  string // collector HTTP endpoint
	ZipkinEndpoint  string // full URL, e.g. "http://localhost:9411/api/v2/spans"
}

// Telemetry bundles the tracer and metric instruments every worker
// invocation records against, plus the Prometheus HTTP handler and a
// Shutdown hook the caller flushes on process exit.
type Telemetry struct {
	tracer trace.Tracer

	taskExecutions  metric.Int64Counter
	taskDuration    metric.Float64Histogram
	activeWorkers   metric.Int64UpDownCounter
	hubPublishes    metric.Int64Counter

	Shutdown func(context.Context) error
}

// New builds a Telemetry from cfg. With cfg.Exporter == ExporterNone, spans
// are recorded against otel's no-op global provider and metrics are
// instrumented but never exported — the engine still runs, just without a
// backend to ship to, matching the teacher's own "exporters are all
// optional, instrumentation is not" posture.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceNameOrDefault(cfg.ServiceName))),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	shutdowns := make([]func(context.Context) error, 0, 2)

	tp, tpShutdown, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	if tpShutdown != nil {
		shutdowns = append(shutdowns, tpShutdown)
	}
	otel.SetTracerProvider(tp)

	mp, mpShutdown, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	if mpShutdown != nil {
		shutdowns = append(shutdowns, mpShutdown)
	}
	otel.SetMeterProvider(mp)

	meter := mp.Meter(scopeName)
	taskExecutions, err := meter.Int64Counter("worker.task.executions",
		metric.WithDescription("Count of task executions by kind and outcome"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build task executions counter: %w", err)
	}
	taskDuration, err := meter.Float64Histogram("worker.task.duration_ms",
		metric.WithDescription("Task execution duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build task duration histogram: %w", err)
	}
	activeWorkers, err := meter.Int64UpDownCounter("worker.invocations.active",
		metric.WithDescription("Count of invocations currently Running or Waiting"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build active invocations gauge: %w", err)
	}
	hubPublishes, err := meter.Int64Counter("hub.publishes",
		metric.WithDescription("Count of log events published to the Hub"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build hub publishes counter: %w", err)
	}

	return &Telemetry{
		tracer:         tp.Tracer(scopeName),
		taskExecutions: taskExecutions,
		taskDuration:   taskDuration,
		activeWorkers:  activeWorkers,
		hubPublishes:   hubPublishes,
		Shutdown: func(ctx context.Context) error {
			for _, fn := range shutdowns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "alex-worker-engine"
	}
	return name
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		return tp, tp.Shutdown, nil
	case ExporterJaeger:
		endpoint := cfg.JaegerEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: build jaeger exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		return tp, tp.Shutdown, nil
	case ExporterZipkin:
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exp, err := zipkin.New(endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: build zipkin exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		return tp, tp.Shutdown, nil
	default:
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		return tp, tp.Shutdown, nil
	}
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	reader, err := otlpprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: build prometheus reader: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	return mp, mp.Shutdown, nil
}

// MetricsHandler exposes the process's default Prometheus registry (which
// the otel prometheus exporter registers against) for scraping at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// TaskSpan starts a span around a single task execution, attributed with
// its reactId/kind/tenant, mirroring the teacher's
// startReactSpan/markSpanResult pair.
func (t *Telemetry) TaskSpan(ctx context.Context, tenantID, executionID, reactID, kind string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "worker.task.execute", trace.WithAttributes(
		attribute.String("alex.tenant_id", tenantID),
		attribute.String("alex.execution_id", executionID),
		attribute.String("alex.react_id", reactID),
		attribute.String("alex.task_kind", kind),
	))
}

// EndTaskSpan records the task's outcome on span, then ends it.
func EndTaskSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordTaskExecution records a completed task's outcome and latency.
func (t *Telemetry) RecordTaskExecution(ctx context.Context, kind string, success bool, durationMS float64) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("alex.task_kind", kind),
		attribute.Bool("alex.success", success),
	)
	t.taskExecutions.Add(ctx, 1, attrs)
	t.taskDuration.Record(ctx, durationMS, attrs)
}

// InvocationStarted/InvocationEnded bracket an Invocation's lifetime in the
// active-invocations gauge.
func (t *Telemetry) InvocationStarted(ctx context.Context) {
	if t == nil {
		return
	}
	t.activeWorkers.Add(ctx, 1)
}

func (t *Telemetry) InvocationEnded(ctx context.Context) {
	if t == nil {
		return
	}
	t.activeWorkers.Add(ctx, -1)
}

// RecordHubPublish counts one log event published to the Hub.
func (t *Telemetry) RecordHubPublish(ctx context.Context) {
	if t == nil {
		return
	}
	t.hubPublishes.Add(ctx, 1)
}

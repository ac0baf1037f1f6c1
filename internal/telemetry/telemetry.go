package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "tcflow"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// BatchTimeout configures batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize configures batch span processor max export batch size.
	BatchSize = 512
)

var (
	// ServiceVersion is set at build time via ldflags when available.
	ServiceVersion = "dev"

	exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE"))
		if certPath != "" {
			tlsConfig, err := tlsConfigFromCertificate(certPath)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	fallbackWriter io.Writer = os.Stderr
)

// Options controls tracer provider setup.
type Options struct {
	// Endpoint is the OTLP HTTP collector URL. OTEL_EXPORTER_OTLP_ENDPOINT
	// takes precedence. When both are empty no provider is installed and
	// spans stay no-ops.
	Endpoint string
	// RunID is attached to every span resource so traces join the run log.
	RunID string
}

// Init installs an OTLP HTTP tracer provider with batch processing. An
// exporter that cannot be created falls back to a console exporter on stderr.
func Init(ctx context.Context, opts Options) (func(), error) {
	endpoint := resolveEndpoint(opts.Endpoint)
	if endpoint == "" {
		return func() {}, nil
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(
			fallbackWriter,
			"warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n",
			endpoint,
			err,
		)
		exporter = &stderrSpanExporter{out: fallbackWriter}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", resolveServiceVersion()),
		attribute.String("environment", resolveEnvironment()),
	}
	if runID := strings.TrimSpace(opts.RunID); runID != "" {
		attrs = append(attrs, attribute.String("tcflow.run_id", runID))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}

	return shutdown, nil
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return strings.TrimSpace(configured)
}

func resolveEnvironment() string {
	for _, key := range []string{"TCFLOW_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func resolveServiceVersion() string {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		return "dev"
	}
	return version
}

func tlsConfigFromCertificate(path string) (*tls.Config, error) {
	// #nosec G304 -- certificate path is explicitly provided by OTEL_EXPORTER_OTLP_CERTIFICATE configuration.
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTEL certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(certPEM); !ok {
		return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

// consoleKeys are the span attributes worth a glance on a terminal.
var consoleKeys = []attribute.Key{"workflow", "step", "op", "outcome", "retries"}

type stderrSpanExporter struct {
	out io.Writer
}

func (e *stderrSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		line := fmt.Sprintf("[span] %s %s %v", span.Name(), duration, span.Status().Code)
		if fields := consoleFields(span.Attributes()); fields != "" {
			line += " " + fields
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			if _, err := fmt.Fprintf(e.out, "  [event] %s\n", event.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *stderrSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func consoleFields(attrs []attribute.KeyValue) string {
	values := make(map[attribute.Key]string, len(attrs))
	for _, attr := range attrs {
		values[attr.Key] = attr.Value.Emit()
	}
	parts := make([]string, 0, len(consoleKeys))
	for _, key := range consoleKeys {
		if value, ok := values[key]; ok && value != "" {
			parts = append(parts, string(key)+"="+value)
		}
	}
	return strings.Join(parts, " ")
}

// StartCommand opens the root span for one CLI invocation. Workflow and
// host call spans nest under it.
func StartCommand(ctx context.Context, command, runID string) (context.Context, trace.Span) {
	command = strings.TrimSpace(command)
	if command == "" {
		command = "root"
	}
	return otel.Tracer("tcflow/cmd").Start(ctx, "tcflow.command",
		trace.WithAttributes(
			attribute.String("command", command),
			attribute.String("run_id", strings.TrimSpace(runID)),
		),
	)
}

// EndCommand records err on span and ends it.
func EndCommand(span trace.Span, err error) {
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

// TraceFields returns the hex trace and span ids active in ctx, or empty
// strings when ctx carries no sampled span.
func TraceFields(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}

func setFallbackWriterForTest(w io.Writer) func() {
	previous := fallbackWriter
	fallbackWriter = w
	return func() {
		fallbackWriter = previous
	}
}

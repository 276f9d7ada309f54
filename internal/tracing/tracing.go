package tracing

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/osvaldoandrade/validq/pkg/domain"
)

// Span attribute keys shared by the HTTP layer and the services.
const (
	AttrRequestHash = attribute.Key("validq.request_hash")
	AttrModel       = attribute.Key("validq.model")
	AttrPrincipal   = attribute.Key("validq.principal")
	AttrErrorCode   = attribute.Key("validq.error_code")
	AttrErrorKind   = attribute.Key("validq.error_kind")
)

type Config struct {
	Enabled     bool
	ServiceName string
	Environment string

	OTLPEndpoint string
	OTLPInsecure bool

	SampleRatio float64
}

func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(context.Context) error { return nil }

	// The propagator is installed even when export is off so request trace
	// context still reaches callbacks.
	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !cfg.Enabled {
		return noop, nil
	}

	serviceName := firstSet(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), "validq")
	endpoint := sanitizeEndpoint(firstSet(cfg.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "localhost:4317"))

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		expOpts = append(expOpts, otlptracegrpc.WithInsecure())
	} else {
		expOpts = append(expOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := otlptracegrpc.New(ctx, expOpts...)
	if err != nil {
		// Tracing is never a hard dependency.
		logger.Warn("otel exporter init failed; tracing disabled", "endpoint", endpoint, "err", err)
		return noop, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if env := strings.TrimSpace(cfg.Environment); env != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(env))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		logger.Warn("otel resource init failed; using default", "err", err)
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", endpoint, "service", serviceName, "sample_ratio", sampleRatio)
	return tp.Shutdown, nil
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// sanitizeEndpoint turns URL-style OTLP endpoints into the host:port the gRPC exporter expects.
func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u.Host
		}
	}
	return strings.TrimSuffix(raw, "/")
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartOperation opens a span for one protocol operation on a request.
func StartOperation(ctx context.Context, tracer trace.Tracer, op string, hash domain.Hash) (context.Context, trace.Span) {
	return tracer.Start(ctx, "validation."+op, trace.WithAttributes(AttrRequestHash.String(hash.String())))
}

// RecordOutcome marks span failed with err's protocol classification and returns
// the error code ("" on success).
func RecordOutcome(span trace.Span, err error) string {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return ""
	}
	code := domain.CodeOf(err)
	span.RecordError(err)
	span.SetAttributes(AttrErrorCode.String(code), AttrErrorKind.String(string(domain.KindOf(err))))
	span.SetStatus(codes.Error, code)
	return code
}

// TraceContextStrings returns the W3C trace context strings for the current span in ctx.
func TraceContextStrings(ctx context.Context) (traceParent string, traceState string) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// ContextWithRemoteParent rebuilds the parent span context stored on a request record.
func ContextWithRemoteParent(ctx context.Context, traceParent string, traceState string) context.Context {
	traceParent = strings.TrimSpace(traceParent)
	traceState = strings.TrimSpace(traceState)
	if traceParent == "" && traceState == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if traceParent != "" {
		carrier.Set("traceparent", traceParent)
	}
	if traceState != "" {
		carrier.Set("tracestate", traceState)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectHeaders writes traceparent/tracestate into outbound callback headers.
// Baggage is never forwarded to third-party endpoints.
func InjectHeaders(ctx context.Context, h http.Header) {
	if h == nil {
		return
	}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(h))
}

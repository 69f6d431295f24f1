package tracing

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ManuelReschke/Patronage/internal/pkg/env"
)

const defaultServiceName = "patronage"

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider that exports over OTLP/HTTP.
// Without OTEL_EXPORTER_OTLP_ENDPOINT tracing stays on the no-op provider.
func Setup(ctx context.Context) (ShutdownFunc, error) {
	endpoint := strings.TrimSpace(env.GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	if endpoint == "" {
		log.Info("[Tracing] OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return noopShutdown, nil
	}

	// The exporter reads endpoint, headers and TLS settings from OTEL_* vars.
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noopShutdown, err
	}

	serviceName := env.GetEnv("OTEL_SERVICE_NAME", defaultServiceName)
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", env.GetEnv("APP_ENV", "dev")),
		),
	)
	if err != nil {
		return noopShutdown, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log.Infof("[Tracing] Exporting spans for %s to %s", serviceName, endpoint)
	return tp.Shutdown, nil
}

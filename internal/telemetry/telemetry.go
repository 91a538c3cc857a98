// Package telemetry wires an OpenTelemetry tracer that the responder
// uses to open one span per MTP transaction, exported over OTLP/gRPC.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config locates the OTLP collector and names this service in the
// exported resource attributes.
type Config struct {
	CollectorEndpoint string
	ServiceName       string
}

// Provider owns the tracer provider for the process lifetime.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New dials the configured OTLP collector and installs the resulting
// tracer provider as the global one, mirroring how the responder
// treats storage.Factory and deviceinfo.Provider as process-wide
// singletons constructed once at startup.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/go-mtp/mtpd/internal/responder")}, nil
}

// StartTransaction opens one span per MTP transaction, labeled with its
// opcode name and transaction ID.
func (p *Provider) StartTransaction(ctx context.Context, opcodeName string, transactionID uint32) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "mtp."+opcodeName,
		trace.WithAttributes(
			attribute.String("mtp.opcode", opcodeName),
			attribute.Int64("mtp.transaction_id", int64(transactionID)),
		),
	)
}

// Shutdown flushes pending spans, bounded by a short deadline so it
// never blocks process exit indefinitely.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/EmreUYGUNX/lumi-identity/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type identityMetrics struct {
	loginCounter    metric.Int64Counter
	refreshCounter  metric.Int64Counter
	lockoutCounter  metric.Int64Counter
	revokedCounter  metric.Int64Counter
	resetCounter    metric.Int64Counter
	repoOpCounter   metric.Int64Counter
	eventLagCounter metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	appMtx    *identityMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("lumi-identity")
	m := &identityMetrics{}
	if m.loginCounter, err = meter.Int64Counter("auth.login.attempts"); err != nil {
		return nil, err
	}
	if m.refreshCounter, err = meter.Int64Counter("auth.refresh.attempts"); err != nil {
		return nil, err
	}
	if m.lockoutCounter, err = meter.Int64Counter("auth.account.lockouts"); err != nil {
		return nil, err
	}
	if m.revokedCounter, err = meter.Int64Counter("auth.sessions.revoked"); err != nil {
		return nil, err
	}
	if m.resetCounter, err = meter.Int64Counter("auth.password.resets"); err != nil {
		return nil, err
	}
	if m.repoOpCounter, err = meter.Int64Counter("repository.operations"); err != nil {
		return nil, err
	}
	if m.eventLagCounter, err = meter.Int64Counter("audit.dispatch.failures"); err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMtx = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *identityMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMtx
}

func RecordLoginAttempt(status string) {
	m := current()
	if m == nil {
		return
	}
	m.loginCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordRefreshAttempt(status string) {
	m := current()
	if m == nil {
		return
	}
	m.refreshCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAccountLockout() {
	m := current()
	if m == nil {
		return
	}
	m.lockoutCounter.Add(context.Background(), 1)
}

func RecordSessionsRevoked(reason string, count int64) {
	m := current()
	if m == nil || count <= 0 {
		return
	}
	m.revokedCounter.Add(context.Background(), count, metric.WithAttributes(attribute.String("reason", reason)))
}

func RecordPasswordReset(stage string) {
	m := current()
	if m == nil {
		return
	}
	m.resetCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func RecordRepositoryOperation(ctx context.Context, entity, op, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.repoOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordAuditDispatchFailure(eventType string) {
	m := current()
	if m == nil {
		return
	}
	m.eventLagCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", eventType)))
}

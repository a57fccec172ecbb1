package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes marketplace instruments.
type Metrics struct {
	servicesRegistered metric.Int64Counter
	leaseEvents        metric.Int64Counter
	refunds            metric.Int64Counter
	refundAmount       metric.Int64Counter
	ledgerEntries      metric.Int64Counter
	rateLimitAllowed   metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New registers the marketplace instruments on the provider's meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "minutely"
	}
	b := counterBuilder{meter: provider.Meter(name)}

	m := &Metrics{
		servicesRegistered: b.counter("minutely_services_registered_total", "Services registered by providers."),
		leaseEvents:        b.counter("minutely_lease_events_total", "Lease transitions by event type."),
		refunds:            b.counter("minutely_refunds_total", "Refund outcomes by status."),
		refundAmount:       b.counter("minutely_refund_amount_total", "Mantissa refunded to consumers.", metric.WithUnit("{mantissa}")),
		ledgerEntries:      b.counter("minutely_ledger_entries_total", "Ledger entries posted by source."),
		rateLimitAllowed:   b.counter("minutely_rate_limit_allowed_total", "Write calls admitted by the limiter."),
		rateLimitDenied:    b.counter("minutely_rate_limit_denied_total", "Write calls rejected by the limiter."),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// counterBuilder keeps the first instrument error so New can report it once.
type counterBuilder struct {
	meter metric.Meter
	err   error
}

func (b *counterBuilder) counter(name, description string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	opts = append(opts, metric.WithDescription(description))
	c, err := b.meter.Int64Counter(name, opts...)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("counter %s: %w", name, err)
	}
	return c
}

// add is the single write path for every counter; label keys outside
// allowedLabelKeys are dropped here.
func (m *Metrics) add(ctx context.Context, pick func(*Metrics) metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || n <= 0 {
		return
	}
	pick(m).Add(ctx, n, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func (m *Metrics) RecordServiceRegistered(ctx context.Context) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.servicesRegistered }, 1)
}

// RecordLeaseEvent counts opened, closed, emergency_stopped and settled leases.
func (m *Metrics) RecordLeaseEvent(ctx context.Context, eventType string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.leaseEvents }, 1, label("event_type", eventType))
}

// RecordRefund counts every outcome but only sums the amount of succeeded ones.
func (m *Metrics) RecordRefund(ctx context.Context, status string, amount int64) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.refunds }, 1, label("status", status))
	if status == "succeeded" {
		m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.refundAmount }, amount)
	}
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.ledgerEntries }, 1, label("source_type", sourceType))
}

func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.rateLimitAllowed }, 1, label("endpoint", endpoint))
}

func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	m.add(ctx, func(m *Metrics) metric.Int64Counter { return m.rateLimitDenied }, 1,
		label("endpoint", endpoint),
		label("reason", reason),
	)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Account addresses and service ids are never labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":    {},
	"status_code": {},
	"status":      {},
	"event_type":  {},
	"source_type": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

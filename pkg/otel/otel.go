package otel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	ServiceFeed      = "feed-handler"
	ServiceExecution = "execution-client"
)

var (
	providersMu        sync.RWMutex
	feedTracer         trace.Tracer
	executionTracer    trace.Tracer
	feedTracerProvider *sdktrace.TracerProvider
	execTracerProvider *sdktrace.TracerProvider
	meterProvider      *sdkmetric.MeterProvider
)

// Config holds the OpenTelemetry configuration
type Config struct {
	ServiceVersion   string
	Endpoint         string
	ConnectTimeout   time.Duration
	CollectorEnabled bool
}

// Init wires tracer and meter providers to an OTLP collector. When the
// collector is disabled the global no-op providers stay in place and the
// returned cleanup does nothing.
func Init(cfg Config) (func(), error) {
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.1.0"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	var cleanup []func()
	if !cfg.CollectorEnabled {
		return func() {}, nil
	}

	shutdown := func(name string, fn func(context.Context) error) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
			defer cancel()
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("provider", name).Msg("Error shutting down telemetry provider")
			}
		}
	}

	feedResource := initResource(ServiceFeed, cfg.ServiceVersion)
	execResource := initResource(ServiceExecution, cfg.ServiceVersion)

	providersMu.Lock()
	defer providersMu.Unlock()

	if tp, err := initTracerProvider(cfg, feedResource); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize feed tracer provider")
	} else {
		feedTracerProvider = tp
		feedTracer = tp.Tracer(ServiceFeed)
		cleanup = append(cleanup, shutdown(ServiceFeed, tp.Shutdown))
		// The feed handler owns the process-wide provider
		otel.SetTracerProvider(tp)
	}

	if tp, err := initTracerProvider(cfg, execResource); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize execution tracer provider")
	} else {
		execTracerProvider = tp
		executionTracer = tp.Tracer(ServiceExecution)
		cleanup = append(cleanup, shutdown(ServiceExecution, tp.Shutdown))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if mp, err := initMeterProvider(cfg, feedResource); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize meter provider, continuing without metrics")
	} else {
		meterProvider = mp
		otel.SetMeterProvider(mp)
		cleanup = append(cleanup, shutdown("meter", mp.Shutdown))
	}

	return func() {
		for _, fn := range cleanup {
			fn()
		}
	}, nil
}

func initResource(serviceName, serviceVersion string) *sdkresource.Resource {
	extraResources, err := sdkresource.New(
		context.Background(),
		sdkresource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		sdkresource.WithOS(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create resource")
		return sdkresource.Default()
	}

	resource, err := sdkresource.Merge(sdkresource.Default(), extraResources)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to merge resources")
		return sdkresource.Default()
	}
	return resource
}

func dialCollector(cfg Config) (*grpc.ClientConn, error) {
	return grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

func initTracerProvider(cfg Config, resource *sdkresource.Resource) (*sdktrace.TracerProvider, error) {
	conn, err := dialCollector(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(context.Background(), otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
	), nil
}

func initMeterProvider(cfg Config, resource *sdkresource.Resource) (*sdkmetric.MeterProvider, error) {
	conn, err := dialCollector(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(context.Background(), otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(5*time.Second))),
		sdkmetric.WithResource(resource),
	), nil
}

// FeedTracer returns the tracer for the market-data path, nil before Init
func FeedTracer() trace.Tracer {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return feedTracer
}

// ExecutionTracer returns the tracer for exchange calls, nil before Init
func ExecutionTracer() trace.Tracer {
	providersMu.RLock()
	defer providersMu.RUnlock()
	return executionTracer
}

// GetTracerProvider returns the provider for the named service, falling back
// to the global one
func GetTracerProvider(serviceName string) trace.TracerProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()

	switch serviceName {
	case ServiceFeed:
		if feedTracerProvider != nil {
			return feedTracerProvider
		}
	case ServiceExecution:
		if execTracerProvider != nil {
			return execTracerProvider
		}
	}
	return otel.GetTracerProvider()
}

// GetMeterProvider returns the configured meter provider or the global one
func GetMeterProvider() metric.MeterProvider {
	providersMu.RLock()
	defer providersMu.RUnlock()
	if meterProvider != nil {
		return meterProvider
	}
	return otel.GetMeterProvider()
}

// InitForTesting installs one tracer for both services
func InitForTesting(tracer trace.Tracer) {
	providersMu.Lock()
	defer providersMu.Unlock()
	feedTracer = tracer
	executionTracer = tracer
}

// ResetForTesting clears the tracers installed by Init or InitForTesting
func ResetForTesting() {
	providersMu.Lock()
	defer providersMu.Unlock()
	feedTracer = nil
	executionTracer = nil
	feedTracerProvider = nil
	execTracerProvider = nil
	meterProvider = nil
}

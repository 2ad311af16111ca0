package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/inspectbill/internal/observability/logger"
	"github.com/smallbiznis/inspectbill/internal/observability/metrics"
	"github.com/smallbiznis/inspectbill/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the process logger, the OTel providers, the ledger
// instruments and the Prometheus job metrics.
var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	fx.Provide(
		func(cfg Config) logger.Config {
			debug := cfg.Debug()
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				Debug:               debug,
				IncludeCaller:       true,
				IncludeStackOnError: debug,
			}
		},
		logger.New,
	),
	fx.Provide(
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		tracing.NewProvider,
	),
	fx.Provide(
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		func(cfg metrics.Config) (*metrics.SchedulerMetrics, error) {
			return metrics.NewSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
		},
	),
	// The tracer provider has no consumers by type; force it so the global
	// propagator and exporter are installed.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

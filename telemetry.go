package slotd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
	"pkt.systems/slotd/internal/version"
)

type telemetryConfig struct {
	OTLPEndpoint    string
	MetricsListen   string
	PprofListen     string
	RuntimeMetrics  bool
	InstanceID      string
	ShutdownTimeout time.Duration
}

func (c telemetryConfig) enabled() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" ||
		strings.TrimSpace(c.MetricsListen) != "" ||
		strings.TrimSpace(c.PprofListen) != ""
}

type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	servers        []*httpEndpoint
	logger         pslog.Logger
}

// httpEndpoint is an auxiliary HTTP listener (metrics, pprof, admin).
type httpEndpoint struct {
	name   string
	srv    *http.Server
	ln     net.Listener
	logger pslog.Logger
}

func startHTTPEndpoint(name, addr string, handler http.Handler, logger pslog.Logger) (*httpEndpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s listen %s: %w", name, addr, err)
	}
	ep := &httpEndpoint{
		name:   name,
		srv:    &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := ep.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn(name+".serve_error", "error", err)
		}
	}()
	logger.Info(name+".listening", "addr", ln.Addr().String())
	return ep, nil
}

func (e *httpEndpoint) Addr() net.Addr {
	if e == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *httpEndpoint) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	err := e.srv.Shutdown(ctx)
	_ = e.ln.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Warn(e.name+".shutdown_failure", "error", err)
		return fmt.Errorf("%s shutdown: %w", e.name, err)
	}
	return nil
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetryBundle, error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("slotd"),
			semconv.ServiceVersion(version.Current()),
			semconv.ServiceInstanceID(cfg.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = bundle.Shutdown(cleanupCtx)
		return nil, err
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		tp, err := setupTracing(ctx, target, res)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider = tp
		otel.SetTracerProvider(tp)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if addr := strings.TrimSpace(cfg.MetricsListen); addr != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.RuntimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		otel.SetMeterProvider(bundle.meterProvider)
		if cfg.RuntimeMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider))
			})
			if runtimeMetricsErr != nil {
				return fail(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		ep, err := startHTTPEndpoint("telemetry.metrics", addr, mux, logger)
		if err != nil {
			return fail(err)
		}
		bundle.servers = append(bundle.servers, ep)
	}

	if addr := strings.TrimSpace(cfg.PprofListen); addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		ep, err := startHTTPEndpoint("profiling.pprof", addr, mux, logger)
		if err != nil {
			return fail(err)
		}
		bundle.servers = append(bundle.servers, ep)
	}

	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, ep := range t.servers {
		if err := ep.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
			t.logger.Warn("telemetry.shutdown.metric_failure", "error", err)
		}
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
			t.logger.Warn("telemetry.shutdown.trace_failure", "error", err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

func (t *telemetryBundle) tracing() bool {
	return t != nil && t.tracerProvider != nil
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

func setupTracing(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
		sdktrace.WithBatcher(exporter),
	), nil
}

// resolveOTLPTarget accepts host[:port] (gRPC, insecure) or a URL with one of
// the schemes grpc, grpcs, http or https.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return otlpTarget{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	target := otlpTarget{endpoint: host, path: strings.TrimSuffix(u.Path, "/")}
	defaultPort := "4317"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
	case "grpcs":
		target.protocol = "grpc"
	case "http":
		target.protocol, target.insecure, defaultPort = "http", true, "4318"
	case "https":
		target.protocol, defaultPort = "http", "4318"
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	if !strings.Contains(target.endpoint, ":") {
		target.endpoint = net.JoinHostPort(target.endpoint, defaultPort)
	}
	return target, nil
}

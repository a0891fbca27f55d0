package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Server struct {
	srv *http.Server
}

type (
	HandlerFunc func(mux *http.ServeMux)
	Option      func(*options)
)

type options struct {
	handlers      []HandlerFunc
	meterProvider metric.MeterProvider
	ratePerMinute int
}

// WithHandlerFunc registers application routes on the server mux.
func WithHandlerFunc(fn HandlerFunc) Option {
	return func(o *options) {
		o.handlers = append(o.handlers, fn)
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithRateLimit caps requests per client IP per minute. Zero disables it.
func WithRateLimit(perMinute int) Option {
	return func(o *options) {
		o.ratePerMinute = perMinute
	}
}

// NewMeterProvider returns a MeterProvider whose instruments are exposed on
// /metrics through the default prometheus registry.
func NewMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

func New(
	ctx context.Context,
	address string,
	opts ...Option,
) (*Server, error) {
	o := options{meterProvider: noop.NewMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	for _, register := range o.handlers {
		register(mux)
	}

	// Liveliness and readiness probes
	mux.HandleFunc("GET /healthz", healthZHandleFunc())
	mux.HandleFunc("GET /readyz", readyZHandleFunc(ctx))

	metered, err := withMetrics(mux, o.meterProvider)
	if err != nil {
		return nil, err
	}
	var handler http.Handler = metered
	if o.ratePerMinute > 0 {
		handler = withRateLimit(ctx, handler, o.ratePerMinute)
	}
	handler = withLogging(handler)

	srv := &http.Server{
		Addr: address,
		// Use h2c, so we can serve HTTP/2 without TLS.
		Handler: h2c.NewHandler(
			handler,
			&http2.Server{},
		),
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       1 * time.Minute,
		WriteTimeout:      1 * time.Minute,
		MaxHeaderBytes:    16 * 1024, // 16KiB
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
	}

	return &Server{
		srv: srv,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var (
	statusHealthy    = []byte(`{"status":"HEALTHY"}`)
	statusNotServing = []byte(`{"status":"NOT_SERVING"}`)
	statusServing    = []byte(`{"status":"SERVING"}`)
)

func readyZHandleFunc(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		if ctx.Err() != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write(statusNotServing)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(statusServing)
	}
}

func healthZHandleFunc() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(statusHealthy)
	}
}

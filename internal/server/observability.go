// Observability middleware and HTTP server for metrics, health and profiling
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nainya/bitemporal/internal/logger"
	"github.com/nainya/bitemporal/internal/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "x-request-id"

// RequestID returns the id the interceptor attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type requestIDKey struct{}

// GrpcMetricsInterceptor records metrics and a log line per call. The
// request id is taken from incoming metadata or generated, and echoed back
// as a response header.
func GrpcMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		start := time.Now()
		m.GrpcRequestsInFlight.Inc()
		defer m.GrpcRequestsInFlight.Dec()

		requestID := incomingRequestID(ctx)
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), duration)
		log.LogGrpcRequest(info.FullMethod, requestID, duration, fromStatus(err))

		return resp, err
	}
}

// RecoveryInterceptor turns a handler panic into codes.Internal. Chain it
// inside GrpcMetricsInterceptor so the failure is counted.
func RecoveryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Recovered from handler panic").
					Str("method", info.FullMethod).
					Str("request_id", RequestID(ctx)).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Send()
				resp, err = nil, status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
			}
		}()
		return handler(ctx, req)
	}
}

// Interceptors returns the unary interceptor chain every server uses.
func Interceptors(m *metrics.Metrics, log *logger.Logger) grpc.ServerOption {
	return grpc.ChainUnaryInterceptor(GrpcMetricsInterceptor(m, log), RecoveryInterceptor(log))
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.NewString()
}

// ObservabilityServer provides HTTP endpoints for metrics, health and
// profiling.
type ObservabilityServer struct {
	server *http.Server
	log    *logger.Logger
	ping   func(context.Context) error
	ready  atomic.Bool
}

// NewObservabilityServer creates the HTTP server. ping backs /health;
// /ready reports false until SetReady(true).
func NewObservabilityServer(port int, gatherer prometheus.Gatherer, ping func(context.Context) error, log *logger.Logger) *ObservabilityServer {
	o := &ObservabilityServer{log: log, ping: ping}
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", o.health)
	mux.HandleFunc("/ready", o.readiness)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	o.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return o
}

// Handler exposes the mux.
func (o *ObservabilityServer) Handler() http.Handler {
	return o.server.Handler
}

// SetReady flips the /ready endpoint.
func (o *ObservabilityServer) SetReady(ready bool) {
	o.ready.Store(ready)
}

func (o *ObservabilityServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := o.ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "bitemporal"})
}

func (o *ObservabilityServer) readiness(w http.ResponseWriter, _ *http.Request) {
	if !o.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Serve serves on lis until Shutdown.
func (o *ObservabilityServer) Serve(lis net.Listener) error {
	o.log.Info("Observability endpoints available").
		Str("addr", lis.Addr().String()).
		Str("metrics", "/metrics").
		Str("health", "/health").
		Str("pprof", "/debug/pprof/").
		Send()

	if err := o.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observability server failed: %w", err)
	}
	return nil
}

// Start listens on the configured port and serves.
func (o *ObservabilityServer) Start() error {
	lis, err := net.Listen("tcp", o.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", o.server.Addr, err)
	}
	return o.Serve(lis)
}

// Shutdown gracefully shuts down the observability server.
func (o *ObservabilityServer) Shutdown(ctx context.Context) error {
	o.log.Info("Shutting down observability server").Send()
	o.SetReady(false)
	return o.server.Shutdown(ctx)
}

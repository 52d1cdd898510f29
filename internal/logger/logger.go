// Package logger provides structured logging for the bitemporal store
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Logger wraps zerolog with store-specific helpers
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "bitemporal").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// StoreLogger returns a logger for one master and its backend
func (l *Logger) StoreLogger(backend, scheme string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "store").
			Str("backend", backend).
			Str("scheme", scheme).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request with structured fields
func (l *Logger) LogGrpcRequest(method, requestID string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err).Str("error_kind", sentinel.Kind(err))
	}
	event.
		Str("component", "grpc").
		Str("method", method).
		Str("request_id", requestID).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogStoreOperation logs one master operation. Successful operations log at
// debug; expected failures (validation, not found, conflicts) at warn and
// everything else at error.
func (l *Logger) LogStoreOperation(operation string, target string, duration time.Duration, count int, err error) {
	var event *zerolog.Event
	switch sentinel.Kind(err) {
	case "ok":
		event = l.zlog.Debug().Int("record_count", count)
	case "validation", "not_found", "conflict":
		event = l.zlog.Warn().Err(err).Str("error_kind", sentinel.Kind(err))
	default:
		event = l.zlog.Error().Err(err).Str("error_kind", sentinel.Kind(err))
	}
	if target != "" {
		event = event.Str("target", target)
	}
	event.
		Str("operation", operation).
		Dur("duration_ms", duration).
		Msg("Store operation completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(grpcPort, metricsPort int, backend string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("grpc_port", grpcPort).
		Int("metrics_port", metricsPort).
		Str("backend", backend).
		Msg("Bitemporal server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("Bitemporal server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("Bitemporal server shutting down")
}

var globalLogger *Logger

// InitGlobalLogger initializes the global logger and points zerolog's
// package logger at it.
func InitGlobalLogger(cfg Config) *Logger {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
	return globalLogger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}

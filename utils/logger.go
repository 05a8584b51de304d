package utils

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const RequestIDKey ctxKey = "request_id"

var (
	Logger = zap.NewNop().Sugar()
)

// InitLogger sets up the global logger: errors go to a rotated error.log,
// everything below error to a rotated app.log, and every level at or above
// the configured one to stdout.
func InitLogger(level, dir string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	config := zap.NewProductionEncoderConfig()
	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	config.StacktraceKey = "stacktrace"
	config.CallerKey = "caller"

	jsonEncoder := zapcore.NewJSONEncoder(config)

	highPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel
	})
	lowPriority := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= lvl && l < zapcore.ErrorLevel
	})

	cores := []zapcore.Core{
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), lvl),
	}
	if dir != "" {
		cores = append(cores,
			zapcore.NewCore(jsonEncoder,
				zapcore.AddSync(&lumberjack.Logger{
					Filename:   filepath.Join(dir, "error.log"),
					MaxSize:    100, // megabytes
					MaxBackups: 3,
					MaxAge:     7, // days
					Compress:   true,
				}),
				highPriority,
			),
			zapcore.NewCore(jsonEncoder,
				zapcore.AddSync(&lumberjack.Logger{
					Filename:   filepath.Join(dir, "app.log"),
					MaxSize:    100,
					MaxAge:     7,
					MaxBackups: 5,
					Compress:   true,
					LocalTime:  true,
				}),
				lowPriority,
			),
		)
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	Logger = logger.Sugar()
	return nil
}

// Named returns a child of the global logger for one component.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// RequestLogger middleware for HTTP request logging
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		Logger.Infow("Request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// Error logs an error with its stack trace when one was recorded.
func Error(err error, msg string, fields ...interface{}) {
	Logger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar().Errorw(msg,
		append([]interface{}{
			"error", err,
			"stack", fmt.Sprintf("%+v", err),
		}, fields...)...,
	)
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the logger.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Package logging sets up the single structured logger each server is
// constructed with, plus the HTTP request-logging middleware shared by the
// Coordinator and the Fan-out Server.
package logging

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *logrus.Logger writing to logsDir/name.log with size-based
// rotation (lumberjack), additionally echoing to stdout so systemd's
// journal keeps a copy. format is "json" or "text".
func New(logsDir, name, format, level string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, name+".log"),
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))

	return log
}

// contextKey keeps requestIDKey distinct from other packages' context keys.
// Middleware does not store the request ID in the request context; the ID
// only appears in the log line and the X-Request-Id response header.
type contextKey string

const requestIDKey contextKey = "request_id"

// Middleware logs one line per request at info (or error, for 5xx) with a
// request_id that is also echoed back in the X-Request-Id response header.
func Middleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := uuid.NewString()
			w.Header().Set("X-Request-Id", reqID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			fields := logrus.Fields{
				"request_id": reqID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     sw.status,
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			}
			entry := log.WithFields(fields)
			if sw.status >= 500 {
				entry.Error("request failed")
			} else {
				entry.Info("request handled")
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Package middleware holds the HTTP middlewares shared by all routes.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"songzip/internal/infrastructure/delivery/http/response"
	"songzip/internal/observability"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDKey is the context key holding the request ID.
const RequestIDKey contextKey = "requestID"

// HeaderXRequestID carries the request ID in both directions.
const HeaderXRequestID = "X-Request-ID"

// patternUnmatched labels requests that matched no route.
const patternUnmatched = "unmatched"

// RequestLog is the logged view of an incoming request.
type RequestLog struct {
	Method        string `json:"method"`
	URI           string `json:"uri"`
	RemoteAddr    string `json:"remote_addr"`
	Proto         string `json:"proto"`
	ContentLength int64  `json:"content_length"`
}

// statusWriter remembers the status and size of a response.
// Unwrap lets http.ResponseController reach Flush on the underlying writer.
type statusWriter struct {
	http.ResponseWriter

	status int
	size   int
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}

	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}

	n, err := sw.ResponseWriter.Write(b)
	sw.size += n

	return n, err
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}

	return sw.status
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}

	return &statusWriter{ResponseWriter: w}
}

// Recoverer turns a handler panic into a logged 500. http.ErrAbortHandler is re-raised.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrap(w)

		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}

			if rvr == http.ErrAbortHandler { //nolint:errorlint
				panic(rvr)
			}

			slog.ErrorContext(r.Context(), "http handler panic",
				slog.Any("panic", rvr),
				slog.String("stack", string(debug.Stack())),
				slog.String("uri", r.RequestURI))

			if sw.status == 0 {
				response.InternalServerError(sw, http.StatusText(http.StatusInternalServerError), nil, nil)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}

// RequestID propagates X-Request-ID or generates one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderXRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), RequestIDKey, reqID)
		w.Header().Set(HeaderXRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs every request once it has been served.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrap(w)

		next.ServeHTTP(sw, r)

		reqID, _ := r.Context().Value(RequestIDKey).(string)

		slog.DebugContext(r.Context(), "http request",
			slog.String("request_id", reqID),
			slog.Any("request", RequestLog{
				Method:        r.Method,
				URI:           r.RequestURI,
				RemoteAddr:    r.RemoteAddr,
				Proto:         r.Proto,
				ContentLength: r.ContentLength,
			}),
			slog.Int("status", sw.code()),
			slog.Int("size", sw.size),
			slog.Duration("duration", time.Since(start)))
	})
}

// Metrics records request count, latency and response size per route pattern.
func Metrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)

			next.ServeHTTP(sw, r)

			pattern := r.Pattern
			if pattern == "" {
				pattern = patternUnmatched
			}

			metrics.RecordHTTPRequest(r.Method, pattern, sw.code(), time.Since(start), sw.size)
		})
	}
}

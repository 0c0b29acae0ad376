// Package httpapi exposes monitor status, recording history, and metrics
// over HTTP.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cb-recorder/internal/history"
	"cb-recorder/internal/platform/metrics"
	"cb-recorder/internal/stream"
)

const defaultHistoryLimit = 50

// StatusSource is the read-only view of the monitor the API serves.
type StatusSource interface {
	Statuses() map[string]stream.RoomStatus
	CookieDeathActive() bool
	ActiveRecordings() int
}

// HistorySource lists past recording sessions.
type HistorySource interface {
	Recent(limit int) ([]history.Session, error)
}

type statusResponse struct {
	Rooms            map[string]stream.RoomStatus `json:"rooms"`
	CookieDeath      bool                         `json:"cookie_death"`
	ActiveRecordings int                          `json:"active_recordings"`
}

// NewRouter wires the status API. hist may be nil when history is disabled,
// m may be nil to disable the metrics endpoint.
func NewRouter(src StatusSource, hist HistorySource, log *slog.Logger, m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestObserver(log, m))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Rooms:            src.Statuses(),
			CookieDeath:      src.CookieDeathActive(),
			ActiveRecordings: src.ActiveRecordings(),
		})
	})

	r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
		if hist == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
			return
		}
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}
		sessions, err := hist.Recent(limit)
		if err != nil {
			log.Error("history query failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	if m != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			m.Handler(func() {
				m.SetActiveRecordings(src.ActiveRecordings())
				m.SetCookieDeath(src.CookieDeathActive())
			}).ServeHTTP(w, r)
		})
	}

	return r
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// requestObserver logs each request with method, path, status, duration_ms,
// and response size, and counts it toward the API request total.
func requestObserver(log *slog.Logger, m *metrics.Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.IncAPIRequests()
			log.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrap.status),
				slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
				slog.Int("size", wrap.size),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

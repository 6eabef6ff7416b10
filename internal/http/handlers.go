package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wishwell/birthday-mailer/internal/core"
	"github.com/wishwell/birthday-mailer/internal/queue"
)

type Server struct {
	Pool  *pgxpool.Pool
	Store *core.Store
	Queue *queue.Service
}

func NewServer(pool *pgxpool.Pool, q *queue.Service) *Server {
	return &Server{Pool: pool, Store: &core.Store{DB: pool}, Queue: q}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)
	s.mountDocs(r)

	r.Post("/queue", s.enqueue)
	r.Get("/queue/items", s.listItems)
	r.Delete("/queue/items", s.cleanupOldItems)
	r.Get("/queue/stats", s.getStats)
	r.Get("/queue/status", s.getStatus)
	r.Patch("/queue/config", s.updateConfig)
	r.Post("/queue/processor/start", s.startProcessor)
	r.Post("/queue/processor/stop", s.stopProcessor)
	r.Post("/queue/process", s.processNow)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Contact  core.Contact `json:"contact"`
		Subject  string       `json:"subject"`
		Body     string       `json:"body"`
		Priority int          `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	if in.Contact.Email == "" || in.Subject == "" || in.Body == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "contact.email, subject and body are required"})
		return
	}
	id, err := s.Queue.Enqueue(r.Context(), in.Contact, in.Subject, in.Body, in.Priority)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	var status *core.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := core.Status(v)
		if st != core.StatusPending && st != core.StatusSent && st != core.StatusFailed {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_status"})
			return
		}
		status = &st
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	items, err := s.Store.ListMessages(r.Context(), status, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) cleanupOldItems(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_days"})
			return
		}
		days = n
	}
	deleted, err := s.Queue.CleanupOldItems(r.Context(), days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Queue.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": st.Running,
		"config":  renderConfig(st.Config),
		"stats":   st.Stats,
	})
}

// configPayload renders durations in milliseconds, matching what the
// settings UI stores.
type configPayload struct {
	MaxPerMinute      int   `json:"max_per_minute"`
	MaxPerHour        int   `json:"max_per_hour"`
	ProcessIntervalMS int64 `json:"process_interval_ms"`
	SendIntervalMS    int64 `json:"send_interval_ms"`
	BatchSize         int   `json:"batch_size"`
	CleanupIntervalMS int64 `json:"cleanup_interval_ms"`
}

func renderConfig(c queue.Config) configPayload {
	return configPayload{
		MaxPerMinute:      c.MaxPerMinute,
		MaxPerHour:        c.MaxPerHour,
		ProcessIntervalMS: c.ProcessInterval.Milliseconds(),
		SendIntervalMS:    c.SendInterval.Milliseconds(),
		BatchSize:         c.BatchSize,
		CleanupIntervalMS: c.CleanupInterval.Milliseconds(),
	}
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MaxPerMinute      *int   `json:"max_per_minute"`
		MaxPerHour        *int   `json:"max_per_hour"`
		ProcessIntervalMS *int64 `json:"process_interval_ms"`
		SendIntervalMS    *int64 `json:"send_interval_ms"`
		BatchSize         *int   `json:"batch_size"`
		CleanupIntervalMS *int64 `json:"cleanup_interval_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	u := queue.ConfigUpdate{
		MaxPerMinute: in.MaxPerMinute,
		MaxPerHour:   in.MaxPerHour,
		BatchSize:    in.BatchSize,
	}
	if in.ProcessIntervalMS != nil {
		d := time.Duration(*in.ProcessIntervalMS) * time.Millisecond
		u.ProcessInterval = &d
	}
	if in.SendIntervalMS != nil {
		d := time.Duration(*in.SendIntervalMS) * time.Millisecond
		u.SendInterval = &d
	}
	if in.CleanupIntervalMS != nil {
		d := time.Duration(*in.CleanupIntervalMS) * time.Millisecond
		u.CleanupInterval = &d
	}
	cfg := s.Queue.UpdateConfig(u)
	writeJSON(w, http.StatusOK, renderConfig(cfg))
}

func (s *Server) startProcessor(w http.ResponseWriter, _ *http.Request) {
	s.Queue.StartProcessing()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) stopProcessor(w http.ResponseWriter, _ *http.Request) {
	s.Queue.StopProcessing()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) processNow(w http.ResponseWriter, r *http.Request) {
	s.Queue.ProcessNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

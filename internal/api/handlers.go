package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/reviewpilot/reviewpilot/internal/metrics"
	"github.com/reviewpilot/reviewpilot/internal/queue"
	"github.com/reviewpilot/reviewpilot/internal/settings"
	"github.com/reviewpilot/reviewpilot/internal/store"
)

// Handler wires HTTP routes to the queue, store, and metrics backends.
type Handler struct {
	Store        store.Store
	Queue        queue.Backend
	Metrics      *metrics.Aggregator
	Hub          *EventHub
	AdminToken   string
	SettingsPath string
	// Defaults backs unset settings fields, so reads reflect the values
	// actually in effect rather than package defaults.
	Defaults settings.Settings
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/api/webhook", h.webhook)
	mux.HandleFunc("/api/stats", h.stats)
	mux.HandleFunc("/api/stats/health", h.statsHealth)
	mux.HandleFunc("/api/queue", h.queueList)
	mux.HandleFunc("/api/queue/clear", h.queueClear)
	mux.HandleFunc("/api/settings", h.settings)
	if h.Hub != nil {
		mux.HandleFunc("/api/events", h.Hub.serveWS)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookRequest is the pull-request event body accepted on /api/webhook.
type webhookRequest struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	PullNumber int    `json:"pull_number"`
	HeadSHA    string `json:"head_sha"`
	BaseSHA    string `json:"base_sha"`
	Priority   string `json:"priority"`
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
		return
	}
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	payload := queue.Payload{
		Owner:      req.Owner,
		Repo:       req.Repo,
		PullNumber: req.PullNumber,
		HeadSHA:    req.HeadSHA,
		BaseSHA:    req.BaseSHA,
	}
	id, err := h.Queue.Enqueue(r.Context(), payload, queue.Priority(req.Priority))
	if err != nil {
		if errors.Is(err, queue.ErrInvalidPayload) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "detail": "enqueued"})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	reviews, err := h.Store.ReviewStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	counts, err := h.Queue.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	successRate := 100.0
	if reviews.Total > 0 {
		successRate = float64(reviews.Completed) / float64(reviews.Total) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reviews": map[string]any{
			"total":        reviews.Total,
			"completed":    reviews.Completed,
			"failed":       reviews.Failed,
			"success_rate": successRate,
		},
		"queue":     counts,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) statsHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	snap, err := h.Metrics.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) queueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	jobs, err := h.Queue.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) queueClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
		return
	}
	if err := h.Queue.Clear(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "cleared"})
}

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, settings.Load(h.SettingsPath, h.Defaults))
	case http.MethodPut:
		if !h.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
			return
		}
		var s settings.Settings
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if err := settings.Save(h.SettingsPath, s); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, settings.Load(h.SettingsPath, h.Defaults))
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

// authorized accepts requests when no admin token is configured, otherwise
// requires a matching X-Admin-Token header.
func (h *Handler) authorized(r *http.Request) bool {
	if h.AdminToken == "" {
		return true
	}
	return r.Header.Get("X-Admin-Token") == h.AdminToken
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

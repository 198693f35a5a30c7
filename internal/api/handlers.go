package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/rescue-dispatch/internal/model"
	"github.com/LeventeLantos/rescue-dispatch/internal/queue"
	"github.com/LeventeLantos/rescue-dispatch/internal/repo"
	"github.com/LeventeLantos/rescue-dispatch/internal/worker"
)

const maxBodyBytes = 1 << 20

type Workers interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Stats() worker.Stats
}

type Archive interface {
	List(ctx context.Context, limit, offset int) ([]repo.ArchivedRecord, error)
}

type Handler struct {
	q           queue.Queue
	workers     Workers
	archive     Archive
	verifyToken string
	checks      map[string]func(context.Context) bool
	stats       map[string]func() any
	validate    *validator.Validate
	log         zerolog.Logger
}

func NewHandler(q queue.Queue, w Workers, log zerolog.Logger) *Handler {
	return &Handler{
		q:        q,
		workers:  w,
		checks:   make(map[string]func(context.Context) bool),
		stats:    make(map[string]func() any),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// WithArchive enables GET /v1/archive/dead-letters.
func (h *Handler) WithArchive(a Archive) *Handler {
	h.archive = a
	return h
}

func (h *Handler) WithVerifyToken(token string) *Handler {
	h.verifyToken = token
	return h
}

// WithHealthCheck adds a named dependency to the health report.
func (h *Handler) WithHealthCheck(name string, fn func(context.Context) bool) *Handler {
	h.checks[name] = fn
	return h
}

// WithStats adds a named counter snapshot to /v1/queue/stats.
func (h *Handler) WithStats(name string, fn func() any) *Handler {
	h.stats[name] = fn
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	deps := map[string]bool{"queue": h.q.Healthy(r.Context())}
	for name, fn := range h.checks {
		deps[name] = fn(r.Context())
	}
	ok := true
	for _, v := range deps {
		ok = ok && v
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":              ok,
		"dependencies":    deps,
		"workers_running": h.workers.IsRunning(),
	})
}

// ReceiveWebhook acknowledges the chat platform immediately and leaves the
// conversation work to the worker pool.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	h.enqueue(w, r, body)
}

// VerifyWebhook answers the chat platform's subscription handshake.
func (h *Handler) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *Handler) CompanyDeactivation(w http.ResponseWriter, r *http.Request) {
	var ev model.CompanyDeactivation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Type == "" {
		ev.Type = model.CompanyDeactivationType
	}
	if err := h.validate.Struct(ev); err != nil {
		http.Error(w, "invalid company deactivation: "+err.Error(), http.StatusBadRequest)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.enqueue(w, r, body)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, body []byte) {
	id, err := h.q.Enqueue(r.Context(), body)
	if err != nil {
		h.log.Error().Err(err).Msg("enqueue failed")
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.q.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	out := map[string]any{
		"queue":   st,
		"workers": h.workers.Stats(),
	}
	for name, fn := range h.stats {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	items, err := h.q.DeadLetters(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.q.Requeue(r.Context(), id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": id})
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	set, err := queue.ParseSet(r.PathValue("set"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.q.Clear(r.Context(), set)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	h.log.Warn().Str("set", string(set)).Int("cleared", n).Msg("queue cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n, "set": set})
}

func (h *Handler) ListArchivedDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "dead-letter archive not configured", http.StatusNotFound)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.archive.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) WorkersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.workers.Stats())
}

func (h *Handler) WorkersStart(w http.ResponseWriter, r *http.Request) {
	h.workers.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.workers.IsRunning()})
}

func (h *Handler) WorkersStop(w http.ResponseWriter, r *http.Request) {
	h.workers.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.workers.IsRunning()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

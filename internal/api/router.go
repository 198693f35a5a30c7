package api

import (
	"net/http"

	"github.com/rs/cors"
)

func Router(h *Handler, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("POST /v1/webhook", h.ReceiveWebhook)
	mux.HandleFunc("GET /v1/webhook", h.VerifyWebhook)
	mux.HandleFunc("POST /v1/company/deactivations", h.CompanyDeactivation)

	mux.HandleFunc("GET /v1/queue/stats", h.QueueStats)
	mux.HandleFunc("GET /v1/queue/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /v1/queue/dead-letters/{id}/requeue", h.RequeueDeadLetter)
	mux.HandleFunc("DELETE /v1/queue/{set}", h.ClearQueue)
	mux.HandleFunc("GET /v1/archive/dead-letters", h.ListArchivedDeadLetters)

	mux.HandleFunc("GET /v1/workers/status", h.WorkersStatus)
	mux.HandleFunc("POST /v1/workers/start", h.WorkersStart)
	mux.HandleFunc("POST /v1/workers/stop", h.WorkersStop)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("rescue-dispatch"))
	})

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

package processor

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// HTTPHandler exposes the push-delivery surface: storage subsystems that
// deliver change notifications over HTTP (e.g. a push subscription) post them
// here instead of going through Kafka.
type HTTPHandler struct {
	controller *Controller
	logger     *zap.Logger
	maxBody    int64
	router     chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes.
func NewHTTPHandler(controller *Controller, logger *zap.Logger, maxBody int64) *HTTPHandler {
	h := &HTTPHandler{
		controller: controller,
		logger:     logger,
		maxBody:    maxBody,
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Post("/api/v1/notifications", h.handleNotification)

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	results, outcome := h.controller.Handle(r.Context(), body)

	status := http.StatusOK
	switch {
	case outcome == OutcomeRetry:
		// The sender redelivers on 5xx.
		status = http.StatusServiceUnavailable
	case allRejected(results):
		status = http.StatusBadRequest
	}

	summaries := make([]map[string]any, 0, len(results))
	for _, res := range results {
		summary := map[string]any{
			"object_id": res.ObjectID,
			"state":     string(res.State),
			"outcome":   res.Outcome.String(),
		}
		if res.OutputID != "" {
			summary["output_id"] = res.OutputID
		}
		if res.Err != nil {
			summary["error"] = res.Err.Error()
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, status, map[string]any{
		"results": summaries,
	})
}

func allRejected(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, res := range results {
		if res.State != StateRejected {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness probes and reports queue connectivity.
type HealthHandler struct {
	queue Pinger
}

// NewHealthHandler creates the health endpoint.
func NewHealthHandler(queue Pinger) *HealthHandler {
	return &HealthHandler{queue: queue}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.queue.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["queue"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, status)
}

package api

import (
	"context"
	"net/http"
	"time"
)

const readinessTimeout = 3 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.checks)+1)
	components = append(components, recordComponent("sessions", h.sessions.Ping(ctx)))
	for _, check := range h.checks {
		if check.Ping == nil {
			continue
		}
		components = append(components, recordComponent(check.Component, check.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Healthz reports liveness only.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz pings every dependency and answers 503 when any is down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": components,
	})
}

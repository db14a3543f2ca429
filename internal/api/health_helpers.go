package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// componentHealth pings the Document Store and the Job Queue, the two
// external collaborators a dead connection to would make every request
// fail, per spec.md 6's GET /api/health route.
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

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	if h.Queue != nil {
		_, err := h.Queue.Stats(ctx)
		components = append(components, recordComponent("queue", err))
	}

	return components, overallStatus, statusCode
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// Health handles GET /api/health, the liveness/readiness probe of spec.md
// 6 that load balancers and the admin panel poll.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	WriteJSON(w, code, healthResponse{Status: status, Components: components})
}

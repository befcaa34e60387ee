package httpapi

import (
	"net/http"
	"time"
)

// Health is a point-in-time view of the forwarding loop.
type Health struct {
	Healthy    bool       `json:"-"`
	LastSample *time.Time `json:"last_sample"`
	Buffered   int        `json:"buffered"`
	Lost       uint64     `json:"lost"`
}

type HealthReporter interface {
	Health() Health
}

type healthResponse struct {
	Status string `json:"status"`
	Health
}

func handleHealthz(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := reporter.Health()
		if !h.Healthy {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Health: h})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Health: h})
	}
}

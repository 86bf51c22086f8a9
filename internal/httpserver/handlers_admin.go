package httpserver

import (
	"net/http"
	"time"

	"github.com/PixelProbe/server/pkg/responders"
)

var serverStartTime = time.Now()

// health reports liveness plus the fail-closed signals: sweeper freshness
// and storage reachability feed the probe without flipping overall liveness.
func (h handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	sweeperOK := h.Sweeper.Healthy(now)

	status := http.StatusOK
	overall := "ok"
	if !sweeperOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	body := map[string]any{
		"status":         overall,
		"sweeper_ok":     sweeperOK,
		"uptime_seconds": int64(now.Sub(serverStartTime).Seconds()),
	}
	if last := h.Sweeper.LastSweepAt(); !last.IsZero() {
		body["last_sweep_at"] = last.UTC()
	}

	responders.JSON(w, status, body)
}

// adminSweep triggers one sweeper pass synchronously.
func (h handlers) adminSweep(w http.ResponseWriter, r *http.Request) {
	h.Sweeper.SweepNow()
	responders.JSON(w, http.StatusOK, map[string]any{
		"swept_at":      time.Now().UTC(),
		"last_sweep_at": h.Sweeper.LastSweepAt().UTC(),
	})
}

package httpserver

import (
	"net/http"
	"time"

	apierrors "github.com/dropline/server/internal/errors"
	"github.com/dropline/server/pkg/responders"
)

var serverStartTime = time.Now()

// healthz reports process liveness. It answers 200 as long as the
// process can serve requests at all; orchestrators restart on failure.
func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(serverStartTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

// readyz reports whether boot finished: storage migrated, fleet
// bootstrapped, webhook wired. Load balancers hold traffic until then.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotReady, "server is still booting")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"bots":   len(h.registry.All()),
	})
}

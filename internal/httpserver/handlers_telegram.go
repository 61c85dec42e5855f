package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/dropline/server/internal/errors"
)

// telegramSink routes one Telegram update post to the transport that
// owns the token path. Telegram keeps posting to a revoked bot's path
// for a while after failover; the registry drops the token so those
// posts land here as 404 instead of reaching the replacement bot.
func (h *handlers) telegramSink(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	t, ok := h.registry.ByToken(token)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnknownTransport, "no bot owns this path")
		return
	}
	t.WebhookHandler().ServeHTTP(w, r)
}

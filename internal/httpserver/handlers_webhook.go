package httpserver

import (
	"errors"
	"io"
	"net/http"

	apierrors "github.com/dropline/server/internal/errors"
	"github.com/dropline/server/internal/finalize"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/pkg/responders"
)

// maxIPNBody bounds the webhook body. Real IPN payloads are well under
// a kilobyte.
const maxIPNBody = 10 << 10

// ipnWebhook ingests one gateway payment callback. The response follows
// the gateway's retry contract: 2xx stops redelivery, anything else
// repeats it. Absorbed duplicates therefore answer 200, and only a
// transient settle failure answers 5xx.
func (h *handlers) ipnWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	if !h.ready.Load() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotReady, "server is still booting")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxIPNBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.ObserveIPN("invalid", "oversize")
			apierrors.WriteSimpleError(w, apierrors.ErrCodePayloadTooLarge, "ipn body exceeds 10KiB")
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "cannot read request body")
		return
	}

	ev, err := gateway.ParseIPN(r.Header, body, h.cfg.Gateway.IPNSecret)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrInvalidSignature):
			h.metrics.ObserveIPN("invalid", "bad_signature")
			log.Warn().Msg("webhook.ipn.bad_signature")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "ipn signature verification failed")
		default:
			h.metrics.ObserveIPN("invalid", "malformed")
			log.Warn().Err(err).Msg("webhook.ipn.malformed")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "ipn payload is not valid")
		}
		return
	}

	if err := h.finalizer.OnPaymentEvent(r.Context(), ev); err != nil {
		if errors.Is(err, finalize.ErrCurrencyMismatch) {
			log.Warn().
				Str("payment_id", ev.PaymentID).
				Str("pay_currency", ev.PayCurrency).
				Msg("webhook.ipn.currency_mismatch")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeCurrencyMismatch, "event currency does not match the deposit")
			return
		}
		log.Error().Err(err).
			Str("payment_id", ev.PaymentID).
			Str("kind", string(ev.Kind)).
			Msg("webhook.ipn.settle_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "event processing failed")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

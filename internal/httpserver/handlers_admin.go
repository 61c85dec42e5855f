package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropline/server/internal/apikey"
	apierrors "github.com/dropline/server/internal/errors"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/internal/storage"
	"github.com/dropline/server/pkg/responders"
)

// statsWindow matches the bot-side admin dashboard.
const statsWindow = 30 * 24 * time.Hour

type depositView struct {
	PaymentID      string    `json:"payment_id"`
	UserID         int64     `json:"user_id"`
	Kind           string    `json:"kind"`
	TargetEUR      string    `json:"target_eur"`
	Currency       string    `json:"currency"`
	ExpectedCrypto string    `json:"expected_crypto"`
	BotID          int64     `json:"bot_id"`
	CreatedAt      time.Time `json:"created_at"`
	AgeSeconds     int64     `json:"age_seconds"`
	Items          int       `json:"items"`
}

func depositKind(dep storage.PendingDeposit) string {
	if dep.IsPurchase {
		return "purchase"
	}
	return "refill"
}

// adminDeposits lists every open deposit, oldest first in whatever
// order the store returns them.
func (h *handlers) adminDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.shop.PendingDeposits(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("admin.deposits_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "cannot list deposits")
		return
	}

	now := time.Now()
	views := make([]depositView, 0, len(deposits))
	for _, dep := range deposits {
		views = append(views, depositView{
			PaymentID:      dep.PaymentID,
			UserID:         dep.UserID,
			Kind:           depositKind(dep),
			TargetEUR:      dep.TargetEUR.String(),
			Currency:       dep.Currency,
			ExpectedCrypto: dep.ExpectedCrypto.String(),
			BotID:          dep.BotID,
			CreatedAt:      dep.CreatedAt,
			AgeSeconds:     int64(now.Sub(dep.CreatedAt).Seconds()),
			Items:          len(dep.Items),
		})
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"count":    len(views),
		"deposits": views,
	})
}

// adminRecover settles a stuck deposit as paid. The caller verified the
// payment out of band; the response reports what the settle delivered.
func (h *handlers) adminRecover(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	log := logger.FromContext(r.Context())

	result, err := h.finalizer.ManualRecover(r.Context(), 0, paymentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDepositNotFound, "no open deposit with this id")
		return
	case errors.Is(err, storage.ErrAlreadyProcessed):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRecoveryFailed, "deposit was already settled or released")
		return
	case err != nil:
		log.Error().Err(err).Str("payment_id", paymentID).Msg("admin.recover_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "recovery failed")
		return
	}

	log.Info().
		Str("payment_id", paymentID).
		Str("role", apikey.Role(r)).
		Int("delivered", len(result.Delivered)).
		Int("unavailable", len(result.Unavailable)).
		Msg("admin.deposit_recovered")

	responders.JSON(w, http.StatusOK, map[string]any{
		"payment_id":  paymentID,
		"delivered":   len(result.Delivered),
		"unavailable": len(result.Unavailable),
	})
}

// adminRelease abandons a deposit and puts its reserved units back on
// sale.
func (h *handlers) adminRelease(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	log := logger.FromContext(r.Context())

	err := h.finalizer.ManualRelease(r.Context(), 0, paymentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDepositNotFound, "no open deposit with this id")
		return
	case errors.Is(err, storage.ErrAlreadyProcessed):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRecoveryFailed, "deposit was already settled or released")
		return
	case err != nil:
		log.Error().Err(err).Str("payment_id", paymentID).Msg("admin.release_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "release failed")
		return
	}

	log.Info().
		Str("payment_id", paymentID).
		Str("role", apikey.Role(r)).
		Msg("admin.deposit_released")

	responders.JSON(w, http.StatusOK, map[string]any{
		"payment_id": paymentID,
		"status":     "released",
	})
}

type inventoryView struct {
	City        string `json:"city"`
	District    string `json:"district"`
	ProductType string `json:"product_type"`
	Size        string `json:"size"`
	PriceEUR    string `json:"price_eur"`
	Available   int    `json:"available"`
	Reserved    int    `json:"reserved"`
}

// adminStats reports the same aggregates as the bot-side dashboard.
func (h *handlers) adminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.shop.Stats(r.Context(), time.Now().Add(-statsWindow))
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("admin.stats_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "cannot aggregate stats")
		return
	}

	inventory := make([]inventoryView, 0, len(stats.Inventory))
	for _, row := range stats.Inventory {
		inventory = append(inventory, inventoryView{
			City:        row.City,
			District:    row.District,
			ProductType: row.ProductType,
			Size:        row.Size,
			PriceEUR:    row.Price.String(),
			Available:   row.Available,
			Reserved:    row.Reserved,
		})
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"window_days": int(statsWindow.Hours() / 24),
		"sales": map[string]any{
			"count":     stats.Sales.Count,
			"total_eur": stats.Sales.Total.String(),
		},
		"open_deposits": stats.OpenDeposits,
		"inventory":     inventory,
	})
}

package botfleet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/media"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/storage"
)

// ErrNoTransport means no live transport could carry the send.
var ErrNoTransport = errors.New("fleet: no live transport")

// userMarker is the slice of the store delivery needs: flagging users
// who blocked the bot so broadcasts skip them.
type userMarker interface {
	SetUserBlocked(ctx context.Context, telegramID int64, blocked bool) error
}

// Delivery dispatches purchase contents and notices to buyers, routed
// through the transport the deposit was created under.
type Delivery struct {
	registry *Registry
	media    *media.Store
	catalog  *i18n.Catalog
	users    userMarker
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewDelivery(registry *Registry, mediaStore *media.Store, catalog *i18n.Catalog, users userMarker, m *metrics.Metrics, logger zerolog.Logger) *Delivery {
	return &Delivery{
		registry: registry,
		media:    mediaStore,
		catalog:  catalog,
		users:    users,
		metrics:  m,
		logger:   logger.With().Str("component", "delivery").Logger(),
	}
}

// Report summarizes one purchase dispatch. Partial failure is normal:
// whatever could be sent was sent, and the rest is surfaced here.
type Report struct {
	Sent         int
	Failed       int
	MissingMedia []int64
	Blocked      bool
}

// DeliverPurchase sends each delivered item as a media group with the
// drop details in the caption, then a credit notice for every item that
// could not be delivered. The buyer having blocked the bot stops the
// dispatch and marks the user; the purchase itself stays settled.
func (d *Delivery) DeliverPurchase(ctx context.Context, dep storage.PendingDeposit, lang string, result storage.SettleResult) (Report, error) {
	var report Report

	t, ok := d.transportFor(dep.BotID)
	if !ok {
		return report, ErrNoTransport
	}

	if err := t.SendText(ctx, dep.UserID, d.catalog.T(lang, i18n.KeyPaymentDelivered)); err != nil {
		if d.markIfBlocked(ctx, dep.UserID, err) {
			report.Blocked = true
			return report, nil
		}
		d.logger.Warn().Err(err).Str("payment_id", dep.PaymentID).Msg("delivery.header_failed")
	}

	for _, item := range result.Delivered {
		outcome, err := d.sendItem(ctx, t, dep.UserID, lang, item)
		d.metrics.ObserveDelivery(outcome)
		switch {
		case err == nil:
			report.Sent++
			if outcome == "no_media" {
				report.MissingMedia = append(report.MissingMedia, item.ProductID)
			}
		case d.markIfBlocked(ctx, dep.UserID, err):
			report.Blocked = true
			report.Failed += len(result.Delivered) - report.Sent
			return report, nil
		default:
			report.Failed++
			d.logger.Error().Err(err).
				Str("payment_id", dep.PaymentID).
				Int64("product_id", item.ProductID).
				Msg("delivery.item_failed")
		}
	}

	for _, item := range result.Unavailable {
		text := d.catalog.T(lang, i18n.KeyItemUnavailable, item.ProductType, item.Size, item.Price.String())
		if err := t.SendText(ctx, dep.UserID, text); err != nil {
			if d.markIfBlocked(ctx, dep.UserID, err) {
				report.Blocked = true
				return report, nil
			}
			d.logger.Warn().Err(err).Str("payment_id", dep.PaymentID).Msg("delivery.unavailable_notice_failed")
		}
	}

	return report, nil
}

// sendItem delivers one item: media group when the product has files,
// text alone when it has none or the group send fails.
func (d *Delivery) sendItem(ctx context.Context, t Transport, chatID int64, lang string, item storage.DepositItem) (string, error) {
	caption := d.catalog.T(lang, i18n.KeyDeliveryItem, item.ProductType, item.Size, FormatLocation(item.City, item.District))
	if item.Details != "" {
		caption += "\n\n" + item.Details
	}

	paths, err := d.media.List(strconv.FormatInt(item.ProductID, 10))
	if err != nil {
		d.logger.Warn().Err(err).Int64("product_id", item.ProductID).Msg("delivery.media_list_failed")
		paths = nil
	}

	if len(paths) == 0 {
		if err := t.SendText(ctx, chatID, caption); err != nil {
			return "failed", err
		}
		return "no_media", nil
	}

	items := make([]MediaItem, 0, len(paths))
	var closers []interface{ Close() error }
	for _, p := range paths {
		rc, err := d.media.Open(strconv.FormatInt(item.ProductID, 10), filepath.Base(p))
		if err != nil {
			d.logger.Warn().Err(err).Str("file", p).Msg("delivery.media_open_failed")
			continue
		}
		closers = append(closers, rc)
		items = append(items, MediaItem{Name: filepath.Base(p), Data: rc})
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	if len(items) == 0 {
		if err := t.SendText(ctx, chatID, caption); err != nil {
			return "failed", err
		}
		return "no_media", nil
	}

	if err := t.SendMediaGroup(ctx, chatID, caption, items); err != nil {
		if IsBlockedByUser(err) {
			return "blocked", err
		}
		// Attachments are consumed; retry as plain text so the buyer at
		// least gets the location.
		d.logger.Warn().Err(err).Int64("product_id", item.ProductID).Msg("delivery.media_group_failed")
		if err := t.SendText(ctx, chatID, caption); err != nil {
			return "failed", err
		}
		return "no_media", nil
	}
	return "sent", nil
}

// NotifyUser sends one text to a user through the deposit's transport,
// falling back to any live transport.
func (d *Delivery) NotifyUser(ctx context.Context, botID, chatID int64, text string) error {
	t, ok := d.transportFor(botID)
	if !ok {
		return ErrNoTransport
	}
	err := t.SendText(ctx, chatID, text)
	if err != nil && d.markIfBlocked(ctx, chatID, err) {
		return nil
	}
	d.metrics.ObserveSend("notice", err)
	return err
}

// Broadcast sends one text to every user id, paced so the fleet stays
// under Telegram's send budget, rotating across live transports. Users
// who blocked the bot are marked and skipped next time.
func (d *Delivery) Broadcast(ctx context.Context, userIDs []int64, text string, pace time.Duration) (sent, blocked, failed int) {
	transports := d.registry.All()
	if len(transports) == 0 {
		return 0, 0, len(userIDs)
	}
	if pace <= 0 {
		pace = 100 * time.Millisecond
	}

	for i, userID := range userIDs {
		if i > 0 {
			select {
			case <-ctx.Done():
				failed += len(userIDs) - i
				return sent, blocked, failed
			case <-time.After(pace):
			}
		}

		t := transports[i%len(transports)]
		err := t.SendText(ctx, userID, text)
		d.metrics.ObserveSend("broadcast", err)
		switch {
		case err == nil:
			sent++
		case d.markIfBlocked(ctx, userID, err):
			blocked++
		default:
			failed++
			d.logger.Debug().Err(err).Int64("user_id", userID).Msg("delivery.broadcast_send_failed")
		}
	}

	d.logger.Info().Int("sent", sent).Int("blocked", blocked).Int("failed", failed).Msg("delivery.broadcast_done")
	return sent, blocked, failed
}

func (d *Delivery) transportFor(botID int64) (Transport, bool) {
	if t, ok := d.registry.ByID(botID); ok {
		return t, true
	}
	return d.registry.Any()
}

// markIfBlocked flags the user when err means they blocked the bot.
func (d *Delivery) markIfBlocked(ctx context.Context, userID int64, err error) bool {
	if !IsBlockedByUser(err) {
		return false
	}
	if markErr := d.users.SetUserBlocked(ctx, userID, true); markErr != nil {
		d.logger.Error().Err(markErr).Int64("user_id", userID).Msg("delivery.mark_blocked_failed")
	}
	d.metrics.ObserveDelivery("blocked")
	d.logger.Info().Int64("user_id", userID).Msg("delivery.user_blocked_bot")
	return true
}

// FormatLocation renders the standard "city district" label used across
// delivery and basket views.
func FormatLocation(city, district string) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", city, district))
}

// Package finalize turns verified payment events into terminal deposit
// settlements. It owns the tolerance policy, the EUR valuation chain,
// the bounded retry around the atomic settle, and the post-settle
// delivery dispatch. Everything it does is idempotent against duplicate
// IPN deliveries because the store deletes the deposit row inside the
// settlement transaction.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/botfleet"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/pricing"
	"github.com/dropline/server/internal/storage"
)

// ErrCurrencyMismatch is returned when an event pays in a currency other
// than the one the deposit was created for. The deposit is discarded and
// the webhook answers with a client error.
var ErrCurrencyMismatch = errors.New("finalize: deposit currency mismatch")

// Tolerance for accepting a purchase payment: the crypto actually paid
// must reach acceptRatioPct percent of the quoted amount, or the EUR
// value must miss the target by at most acceptGapCents cents.
const (
	acceptRatioPct = 98
	acceptGapCents = 50
)

// PriceSource values crypto amounts in EUR. The pricing oracle
// implements it.
type PriceSource interface {
	PriceEUR(ctx context.Context, currency string) (pricing.Quote, error)
}

// Courier dispatches purchase deliveries and one-off notices to buyers.
// The fleet's delivery service implements it.
type Courier interface {
	DeliverPurchase(ctx context.Context, dep storage.PendingDeposit, lang string, result storage.SettleResult) (botfleet.Report, error)
	NotifyUser(ctx context.Context, botID, chatID int64, text string) error
}

// Alerter surfaces invariant violations to the admins.
type Alerter interface {
	Critical(ctx context.Context, format string, args ...any)
	Warn(ctx context.Context, format string, args ...any)
}

// Finalizer settles pending deposits in response to gateway events,
// expiry sweeps, and manual admin actions.
type Finalizer struct {
	store   storage.Store
	prices  PriceSource
	courier Courier
	alerts  Alerter
	catalog *i18n.Catalog
	metrics *metrics.Metrics
	logger  zerolog.Logger

	basketTimeout time.Duration
	retrySchedule []time.Duration

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Finalizer. basketTimeout decides which snapshot items an
// expiry restores to the basket versus releases outright.
func New(store storage.Store, prices PriceSource, courier Courier, alerts Alerter, catalog *i18n.Catalog, m *metrics.Metrics, logger zerolog.Logger, basketTimeout time.Duration) *Finalizer {
	return &Finalizer{
		store:         store,
		prices:        prices,
		courier:       courier,
		alerts:        alerts,
		catalog:       catalog,
		metrics:       m,
		logger:        logger.With().Str("component", "finalize").Logger(),
		basketTimeout: basketTimeout,
		retrySchedule: []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second},
		clock:         time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnPaymentEvent routes one verified gateway event. A nil return means
// the event is fully absorbed and the webhook should acknowledge it;
// duplicates and informational events are absorbed silently.
func (f *Finalizer) OnPaymentEvent(ctx context.Context, ev gateway.Event) error {
	if ev.IsSplitChild() {
		// Split payments report per-child events; only the parent event
		// carries the full outcome.
		f.metrics.ObserveIPN(string(ev.Kind), "split_child")
		f.logger.Debug().
			Str("payment_id", ev.PaymentID).
			Str("parent_id", ev.ParentID).
			Msg("finalize.split_child_ignored")
		return nil
	}

	switch {
	case ev.Kind.Settles():
		return f.settle(ctx, ev)
	case ev.Kind.Releases():
		return f.release(ctx, ev)
	default:
		f.metrics.ObserveIPN(string(ev.Kind), "informational")
		f.logger.Debug().
			Str("payment_id", ev.PaymentID).
			Str("kind", string(ev.Kind)).
			Msg("finalize.informational")
		return nil
	}
}

func (f *Finalizer) settle(ctx context.Context, ev gateway.Event) error {
	began := f.clock()

	dep, err := f.store.DepositByID(ctx, ev.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
		f.logger.Debug().Str("payment_id", ev.PaymentID).Msg("finalize.duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load deposit %s: %w", ev.PaymentID, err)
	}

	if !ev.ActuallyPaid.IsPositive() {
		// Nothing arrived yet; a later event carries the real amount.
		f.metrics.ObserveIPN(string(ev.Kind), "zero_paid")
		f.logger.Warn().
			Str("payment_id", ev.PaymentID).
			Str("kind", string(ev.Kind)).
			Msg("finalize.zero_paid")
		return nil
	}

	if ev.PayCurrency != "" && !strings.EqualFold(ev.PayCurrency, dep.Currency) {
		if _, derr := f.store.DiscardDeposit(ctx, dep.PaymentID); derr != nil && !errors.Is(derr, storage.ErrAlreadyProcessed) {
			return fmt.Errorf("discard mismatched deposit %s: %w", dep.PaymentID, derr)
		}
		f.metrics.ObserveIPN(string(ev.Kind), "currency_mismatch")
		f.metrics.ObserveFinalize("currency_mismatch", f.clock().Sub(began))
		f.alerts.Critical(ctx, "payment %s paid in %s but deposit expects %s; deposit discarded, units freed",
			dep.PaymentID, ev.PayCurrency, dep.Currency)
		return fmt.Errorf("%w: payment %s paid %s, expected %s",
			ErrCurrencyMismatch, dep.PaymentID, ev.PayCurrency, dep.Currency)
	}

	paid, err := f.paidEUR(ctx, dep, ev)
	if err != nil {
		// Deposit stays intact; the gateway retries the IPN and an admin
		// can recover manually if prices never come back.
		f.metrics.ObserveIPN(string(ev.Kind), "unpriceable")
		f.alerts.Critical(ctx, "payment %s cannot be valued in EUR (paid %s %s): %v",
			dep.PaymentID, ev.ActuallyPaid, dep.Currency, err)
		return err
	}

	lang := f.userLanguage(ctx, dep.UserID)

	if !dep.IsPurchase {
		return f.settleRefill(ctx, ev, dep, paid, lang, began)
	}
	return f.settlePurchase(ctx, ev, dep, paid, lang, began)
}

func (f *Finalizer) settleRefill(ctx context.Context, ev gateway.Event, dep storage.PendingDeposit, paid money.Amount, lang string, began time.Time) error {
	newBalance, err := f.store.SettleRefill(ctx, dep.PaymentID, paid, "balance refill "+dep.PaymentID, f.clock())
	if errors.Is(err, storage.ErrAlreadyProcessed) {
		f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle refill %s: %w", dep.PaymentID, err)
	}

	f.metrics.ObserveIPN(string(ev.Kind), "refill")
	f.metrics.ObservePaid("refill", paid.Cents())
	f.metrics.ObserveFinalize("refill", f.clock().Sub(began))
	f.logger.Info().
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Str("paid_eur", paid.String()).
		Str("balance", newBalance.String()).
		Msg("finalize.refill_settled")

	f.notify(ctx, dep, f.catalog.T(lang, i18n.KeyRefillSettled, paid.String(), newBalance.String()))
	return nil
}

func (f *Finalizer) settlePurchase(ctx context.Context, ev gateway.Event, dep storage.PendingDeposit, paid money.Amount, lang string, began time.Time) error {
	if !accepted(ev.ActuallyPaid, dep.ExpectedCrypto, paid, dep.TargetEUR) {
		newBalance, err := f.store.SettleUnderpayment(ctx, dep.PaymentID, paid, "underpayment refund "+dep.PaymentID, f.clock())
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
			return nil
		}
		if err != nil {
			return fmt.Errorf("settle underpayment %s: %w", dep.PaymentID, err)
		}

		f.metrics.ObserveIPN(string(ev.Kind), "underpaid")
		f.metrics.ObservePaid("underpaid", paid.Cents())
		f.metrics.ObserveFinalize("underpaid", f.clock().Sub(began))
		f.logger.Info().
			Str("payment_id", dep.PaymentID).
			Int64("user_id", dep.UserID).
			Str("paid_eur", paid.String()).
			Str("target_eur", dep.TargetEUR.String()).
			Str("balance", newBalance.String()).
			Msg("finalize.underpaid")

		f.notify(ctx, dep, f.catalog.T(lang, i18n.KeyUnderpaidCredit, paid.String()))
		return nil
	}

	overpay := paid.SubClamped(dep.TargetEUR)
	result, err := f.settleWithRetry(ctx, dep.PaymentID, overpay)
	if errors.Is(err, storage.ErrAlreadyProcessed) {
		f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
		return nil
	}
	if err != nil {
		// The deposit row survived every attempt; leave it for
		// ManualRecover and acknowledge so the gateway stops resending.
		f.metrics.ObserveIPN(string(ev.Kind), "exhausted")
		f.metrics.ObserveFinalize("exhausted", f.clock().Sub(began))
		f.alerts.Critical(ctx, "finalize of payment %s failed after %d attempts, deposit kept for manual recovery: %v",
			dep.PaymentID, len(f.retrySchedule)+1, err)
		return nil
	}

	f.metrics.ObserveIPN(string(ev.Kind), "settled")
	f.metrics.ObservePaid("purchase", paid.Cents())
	f.metrics.ObserveFinalize("settled", f.clock().Sub(began))
	f.logger.Info().
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Str("paid_eur", paid.String()).
		Str("target_eur", dep.TargetEUR.String()).
		Int("delivered", len(result.Delivered)).
		Int("unavailable", len(result.Unavailable)).
		Msg("finalize.settled")

	f.completePurchase(ctx, dep, result, lang, overpay)
	return nil
}

// accepted applies the purchase tolerance. The ratio arm compares on
// the crypto leg, so a buyer who sent the full quoted amount is never
// penalized for a EUR valuation drift between quote and settlement.
// The gap arm compares the EUR value against the target.
func accepted(actual, expected decimal.Decimal, paid, target money.Amount) bool {
	if money.Ratio(actual, expected).Mul(decimal.NewFromInt(100)).
		Cmp(decimal.NewFromInt(acceptRatioPct)) >= 0 {
		return true
	}
	return target.Cents()-paid.Cents() <= acceptGapCents
}

// settleWithRetry drives the atomic settle through the retry schedule.
// Only the first attempt can observe ErrAlreadyProcessed from a racing
// duplicate; later attempts would too, and both bubble it unchanged.
func (f *Finalizer) settleWithRetry(ctx context.Context, paymentID string, overpay money.Amount) (storage.SettleResult, error) {
	reason := "overpayment credit " + paymentID
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := f.store.SettlePurchase(ctx, paymentID, overpay, reason, f.clock())
		if err == nil || errors.Is(err, storage.ErrAlreadyProcessed) {
			return result, err
		}
		lastErr = err
		if attempt >= len(f.retrySchedule) {
			break
		}
		f.metrics.ObserveFinalizeRetry()
		f.logger.Warn().Err(err).
			Str("payment_id", paymentID).
			Int("attempt", attempt+1).
			Dur("backoff", f.retrySchedule[attempt]).
			Msg("finalize.retry")
		if serr := f.sleep(ctx, f.retrySchedule[attempt]); serr != nil {
			return storage.SettleResult{}, serr
		}
	}
	return storage.SettleResult{}, fmt.Errorf("settle purchase %s: %w", paymentID, lastErr)
}

// completePurchase runs the post-commit side of an accepted purchase:
// credit vanished items, dispatch delivery, and send balance notices.
// The purchase itself is already durable; every failure here alerts
// instead of unwinding.
func (f *Finalizer) completePurchase(ctx context.Context, dep storage.PendingDeposit, result storage.SettleResult, lang string, overpay money.Amount) {
	if len(result.Unavailable) > 0 {
		var lost money.Amount
		for _, item := range result.Unavailable {
			lost = lost.Add(item.Price)
		}
		if lost.IsPositive() {
			if _, err := f.store.CreditBalance(ctx, dep.UserID, lost, "undelivered item refund "+dep.PaymentID, f.clock()); err != nil {
				f.logger.Error().Err(err).
					Str("payment_id", dep.PaymentID).
					Str("amount", lost.String()).
					Msg("finalize.unavailable_credit_failed")
			}
		}
		f.alerts.Critical(ctx, "payment %s: %d paid item(s) vanished before finalize; %s EUR credited back to user %d",
			dep.PaymentID, len(result.Unavailable), lost.String(), dep.UserID)
	}

	report, err := f.courier.DeliverPurchase(ctx, dep, lang, result)
	switch {
	case err != nil:
		f.alerts.Critical(ctx, "delivery dispatch for payment %s failed, purchase is committed: %v", dep.PaymentID, err)
	case len(report.MissingMedia) > 0:
		f.alerts.Critical(ctx, "payment %s delivered without media for product(s) %v", dep.PaymentID, report.MissingMedia)
	case report.Failed > 0:
		f.alerts.Critical(ctx, "payment %s: %d of %d item notice(s) failed to send", dep.PaymentID, report.Failed, report.Failed+report.Sent)
	}

	if overpay.IsPositive() {
		f.notify(ctx, dep, f.catalog.T(lang, i18n.KeyOverpaidCredit, overpay.String()))
	}
}

// paidEUR values the event in EUR: the gateway's own EUR outcome when
// present, otherwise spot price times the paid amount, otherwise
// proportional to the expected crypto amount.
func (f *Finalizer) paidEUR(ctx context.Context, dep storage.PendingDeposit, ev gateway.Event) (money.Amount, error) {
	if ev.OutcomeEUR != nil {
		return *ev.OutcomeEUR, nil
	}

	q, err := f.prices.PriceEUR(ctx, dep.Currency)
	if err == nil {
		return money.FromDecimalFloor(ev.ActuallyPaid.Mul(q.Price)), nil
	}
	f.logger.Warn().Err(err).
		Str("payment_id", dep.PaymentID).
		Str("currency", dep.Currency).
		Msg("finalize.price_unavailable")

	if dep.ExpectedCrypto.IsPositive() {
		return dep.TargetEUR.MulRatioFloor(ev.ActuallyPaid, dep.ExpectedCrypto), nil
	}
	return 0, fmt.Errorf("no EUR valuation for %s: %w", dep.Currency, err)
}

func (f *Finalizer) release(ctx context.Context, ev gateway.Event) error {
	dep, err := f.store.DepositByID(ctx, ev.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load deposit %s: %w", ev.PaymentID, err)
	}

	if err := f.releaseDeposit(ctx, dep, string(ev.Kind)); err != nil {
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			f.metrics.ObserveIPN(string(ev.Kind), "duplicate")
			return nil
		}
		return err
	}
	f.metrics.ObserveIPN(string(ev.Kind), "released")
	return nil
}

// releaseDeposit terminates a deposit without payout: items still inside
// their basket window go back to the basket, the rest are freed.
func (f *Finalizer) releaseDeposit(ctx context.Context, dep storage.PendingDeposit, cause string) error {
	cutoff := f.clock().Add(-f.basketTimeout)
	res, err := f.store.SettleExpiry(ctx, dep.PaymentID, cutoff)
	if err != nil {
		return err
	}

	if res.Clamps > 0 {
		f.alerts.Warn(ctx, "release of payment %s clamped %d reserved counter(s) already at zero", dep.PaymentID, res.Clamps)
	}
	f.logger.Info().
		Str("payment_id", dep.PaymentID).
		Int64("user_id", dep.UserID).
		Str("cause", cause).
		Int("restored", res.Restored).
		Int("released", len(res.Released)).
		Msg("finalize.released")

	lang := f.userLanguage(ctx, dep.UserID)
	f.notify(ctx, dep, f.catalog.T(lang, i18n.KeyPaymentExpired))
	return nil
}

// ExpireStale releases every deposit older than lifetime. The deposit
// expiry job drives this; overlapping runs are safe because each release
// is idempotent.
func (f *Finalizer) ExpireStale(ctx context.Context, lifetime time.Duration) (int, error) {
	cutoff := f.clock().Add(-lifetime)
	deps, err := f.store.DepositsCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale deposits: %w", err)
	}

	expired := 0
	for _, dep := range deps {
		err := f.releaseDeposit(ctx, dep, "lifetime")
		if errors.Is(err, storage.ErrAlreadyProcessed) {
			continue
		}
		if err != nil {
			f.logger.Error().Err(err).Str("payment_id", dep.PaymentID).Msg("finalize.expiry_failed")
			continue
		}
		expired++
	}
	if expired > 0 {
		f.logger.Info().Int("expired", expired).Msg("finalize.expiry_sweep")
	}
	return expired, nil
}

// ManualRecover settles a stuck deposit as a fully paid purchase. Admins
// call it after verifying the payment out of band, typically when
// finalize retries exhausted or the gateway never sent a final IPN.
func (f *Finalizer) ManualRecover(ctx context.Context, actorID int64, paymentID string) (storage.SettleResult, error) {
	dep, err := f.store.DepositByID(ctx, paymentID)
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("load deposit %s: %w", paymentID, err)
	}
	if !dep.IsPurchase {
		newBalance, err := f.store.SettleRefill(ctx, paymentID, dep.TargetEUR, "manual refill recovery "+paymentID, f.clock())
		if err != nil {
			return storage.SettleResult{}, fmt.Errorf("recover refill %s: %w", paymentID, err)
		}
		f.auditLog(ctx, actorID, "manual_recover", fmt.Sprintf("refill %s credited %s EUR", paymentID, dep.TargetEUR))
		lang := f.userLanguage(ctx, dep.UserID)
		f.notify(ctx, dep, f.catalog.T(lang, i18n.KeyRefillSettled, dep.TargetEUR.String(), newBalance.String()))
		return storage.SettleResult{}, nil
	}

	result, err := f.store.SettlePurchase(ctx, paymentID, 0, "", f.clock())
	if err != nil {
		return storage.SettleResult{}, fmt.Errorf("recover purchase %s: %w", paymentID, err)
	}
	f.metrics.ObserveFinalize("manual", 0)
	f.auditLog(ctx, actorID, "manual_recover", fmt.Sprintf("purchase %s delivered %d unavailable %d",
		paymentID, len(result.Delivered), len(result.Unavailable)))

	lang := f.userLanguage(ctx, dep.UserID)
	f.completePurchase(ctx, dep, result, lang, 0)
	return result, nil
}

// ManualRelease terminates a deposit without payout on admin request.
func (f *Finalizer) ManualRelease(ctx context.Context, actorID int64, paymentID string) error {
	dep, err := f.store.DepositByID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("load deposit %s: %w", paymentID, err)
	}
	if err := f.releaseDeposit(ctx, dep, "manual"); err != nil {
		return fmt.Errorf("release deposit %s: %w", paymentID, err)
	}
	f.auditLog(ctx, actorID, "manual_release", paymentID)
	return nil
}

func (f *Finalizer) userLanguage(ctx context.Context, userID int64) string {
	u, err := f.store.UserByID(ctx, userID)
	if err != nil {
		return ""
	}
	return u.Language
}

// notify sends a best-effort notice through the deposit's bot. Delivery
// failures are logged, never propagated; the settlement is already done.
func (f *Finalizer) notify(ctx context.Context, dep storage.PendingDeposit, text string) {
	if err := f.courier.NotifyUser(ctx, dep.BotID, dep.UserID, text); err != nil {
		f.logger.Warn().Err(err).
			Str("payment_id", dep.PaymentID).
			Int64("user_id", dep.UserID).
			Msg("finalize.notify_failed")
	}
}

func (f *Finalizer) auditLog(ctx context.Context, actorID int64, action, details string) {
	entry := storage.AdminLogEntry{
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: f.clock(),
	}
	if err := f.store.AppendAdminLog(ctx, entry); err != nil {
		f.logger.Error().Err(err).Str("action", action).Msg("finalize.audit_log_failed")
	}
}

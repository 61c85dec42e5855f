package discount

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/storage"
)

// Item is one basket line as the pricing pipeline sees it: the frozen
// reservation price plus the dimensions discount scopes match on.
type Item struct {
	ProductID   int64
	ProductType string
	City        string
	District    string
	Size        string
	Price       money.Amount
}

// PricedItem is an Item after the reseller layer.
type PricedItem struct {
	Item
	ResellerPercent decimal.Decimal
	Final           money.Amount
}

// Quote is a fully priced basket. Layers apply in a fixed order: per-item
// reseller percentages first, then one general code on the running total.
// Every step floors toward the merchant.
type Quote struct {
	Items         []PricedItem
	Subtotal      money.Amount
	AfterReseller money.Amount
	Code          string
	CodeDiscount  money.Amount
	Total         money.Amount
}

// HasResellerDiscount reports whether any line got a reseller percentage.
func (q Quote) HasResellerDiscount() bool {
	return q.AfterReseller < q.Subtotal
}

// Resolver prices baskets: reseller rules per (user, product type), then a
// general discount code. Validation is read-only; consumption is a single
// store transaction so caps hold under concurrency.
type Resolver struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	clock func() time.Time
}

// NewResolver creates a discount resolver.
func NewResolver(store storage.Store, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "discount").Logger(),
		clock:   time.Now,
	}
}

// Price runs the reseller layer over the items. Rules missing for a
// product type leave that line at its frozen price.
func (r *Resolver) Price(ctx context.Context, userID int64, items []Item) (Quote, error) {
	rules, err := r.store.ResellerRules(ctx, userID)
	if err != nil {
		return Quote{}, err
	}
	pctByType := make(map[string]decimal.Decimal, len(rules))
	for _, rule := range rules {
		pctByType[rule.ProductType] = rule.Percent
	}

	q := Quote{Items: make([]PricedItem, 0, len(items))}
	for _, it := range items {
		pi := PricedItem{Item: it, Final: it.Price}
		if pct, ok := pctByType[it.ProductType]; ok && pct.IsPositive() {
			pi.ResellerPercent = pct
			pi.Final = it.Price.AfterPercentFloor(pct)
		}
		q.Subtotal = q.Subtotal.Add(it.Price)
		q.AfterReseller = q.AfterReseller.Add(pi.Final)
		q.Items = append(q.Items, pi)
	}
	q.Total = q.AfterReseller
	return q, nil
}

// QuoteFor prices the items and layers the user's applied code on top. A
// code that no longer validates (expired, capped, basket left its scope)
// is detached from the user without refunding the consumed use; the quote
// comes back without it.
func (r *Resolver) QuoteFor(ctx context.Context, user storage.User, items []Item) (Quote, error) {
	q, err := r.Price(ctx, user.TelegramID, items)
	if err != nil {
		return Quote{}, err
	}
	if user.AppliedCode == "" || len(items) == 0 {
		return q, nil
	}

	code, amount, err := r.Validate(ctx, user.TelegramID, user.AppliedCode, q)
	if err != nil {
		if isRejection(err) {
			r.detach(ctx, user.TelegramID, user.AppliedCode, err)
			return q, nil
		}
		return Quote{}, err
	}
	return withCode(q, code.Code, amount), nil
}

// Validate checks a code against a quote without consuming a use. The
// returned amount is what the code would take off the post-reseller total.
func (r *Resolver) Validate(ctx context.Context, userID int64, code string, q Quote) (storage.DiscountCode, money.Amount, error) {
	dc, err := r.store.DiscountCodeByCode(ctx, code)
	if err != nil {
		return storage.DiscountCode{}, 0, err
	}
	if err := dc.Usable(r.clock()); err != nil {
		return storage.DiscountCode{}, 0, err
	}
	cities, types, sizes := dims(q.Items)
	if !dc.MatchesScope(cities, types, sizes) {
		return storage.DiscountCode{}, 0, storage.ErrCodeScopeMismatch
	}
	if dc.PerUserCap != nil {
		used, err := r.store.UserCodeUsages(ctx, dc.Code, userID)
		if err != nil {
			return storage.DiscountCode{}, 0, err
		}
		if used >= *dc.PerUserCap {
			return storage.DiscountCode{}, 0, storage.ErrCodePerUserLimit
		}
	}
	return dc, dc.Discount(q.AfterReseller), nil
}

// Consume atomically validates and burns one use of the code, then pins it
// to the user for checkout. Concurrent consumers of a nearly-capped code
// serialize in the store; losers get the cap rejection.
func (r *Resolver) Consume(ctx context.Context, userID int64, code string, q Quote) (Quote, error) {
	cities, types, sizes := dims(q.Items)
	res, err := r.store.ApplyDiscountCode(ctx, storage.ApplyCodeParams{
		Code:         code,
		UserID:       userID,
		Base:         q.AfterReseller,
		Cities:       cities,
		ProductTypes: types,
		Sizes:        sizes,
		Now:          r.clock(),
	})
	if err != nil {
		r.metrics.ObserveDiscountApply(outcomeOf(err))
		return Quote{}, err
	}
	if err := r.store.SetAppliedCode(ctx, userID, res.Code.Code); err != nil {
		return Quote{}, err
	}
	r.metrics.ObserveDiscountApply("applied")
	r.logger.Info().
		Int64("user_id", userID).
		Str("code", res.Code.Code).
		Int64("discount_cents", res.Discount.Cents()).
		Msg("discount.applied")
	return withCode(q, res.Code.Code, res.Discount), nil
}

// Detach removes the user's applied code explicitly (user pressed remove).
func (r *Resolver) Detach(ctx context.Context, userID int64) error {
	return r.store.SetAppliedCode(ctx, userID, "")
}

func (r *Resolver) detach(ctx context.Context, userID int64, code string, cause error) {
	if err := r.store.SetAppliedCode(ctx, userID, ""); err != nil {
		r.logger.Error().Err(err).Int64("user_id", userID).Msg("discount.detach_failed")
		return
	}
	r.metrics.ObserveDiscountApply("detached")
	r.logger.Info().
		Int64("user_id", userID).
		Str("code", code).
		AnErr("cause", cause).
		Msg("discount.detached")
}

func withCode(q Quote, code string, amount money.Amount) Quote {
	q.Code = code
	q.CodeDiscount = amount
	q.Total = q.AfterReseller.SubClamped(amount)
	return q
}

func dims(items []PricedItem) (cities, types, sizes []string) {
	for _, it := range items {
		cities = appendUnique(cities, it.City)
		types = appendUnique(types, it.ProductType)
		sizes = appendUnique(sizes, it.Size)
	}
	return cities, types, sizes
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

// isRejection reports whether err is a business rejection rather than a
// store failure. Rejections detach silently; failures propagate.
func isRejection(err error) bool {
	for _, sentinel := range []error{
		storage.ErrCodeNotFound,
		storage.ErrCodeInactive,
		storage.ErrCodeExpired,
		storage.ErrCodeLimitReached,
		storage.ErrCodePerUserLimit,
		storage.ErrCodeScopeMismatch,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCodeInactive):
		return "inactive"
	case errors.Is(err, storage.ErrCodeExpired):
		return "expired"
	case errors.Is(err, storage.ErrCodeLimitReached):
		return "capped"
	case errors.Is(err, storage.ErrCodePerUserLimit):
		return "user_capped"
	case errors.Is(err, storage.ErrCodeScopeMismatch):
		return "scope_mismatch"
	default:
		return "error"
	}
}

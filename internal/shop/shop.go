// Package shop orchestrates the commerce flows over the store, catalog,
// reservation engine, discount resolver, and payment gateway. Bot
// handlers and the admin API stay thin over this service; it owns no
// transport and renders no text.
package shop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/catalog"
	"github.com/dropline/server/internal/discount"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/media"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/reserve"
	"github.com/dropline/server/internal/storage"
)

var (
	// ErrBasketEmpty rejects checkout and code application on an empty
	// basket.
	ErrBasketEmpty = errors.New("shop: basket is empty")
	// ErrCheckoutPending rejects a second checkout while a purchase
	// deposit is open; the first one's snapshot is still awaiting payment.
	ErrCheckoutPending = errors.New("shop: a purchase payment is already pending")
	// ErrNothingDue rejects a checkout whose discounted total is zero;
	// the gateway cannot collect nothing.
	ErrNothingDue = errors.New("shop: discounted total is zero")
	// ErrAmountInvalid rejects non-positive refill amounts.
	ErrAmountInvalid = errors.New("shop: amount must be positive")
)

// PaymentGateway creates payment intents. The gateway client implements
// it; tests substitute a fake.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req gateway.CreatePaymentRequest) (gateway.PaymentIntent, error)
}

// Deps collects the collaborators a Service needs.
type Deps struct {
	Store    storage.Store
	Catalog  *catalog.Catalog
	Reserve  *reserve.Engine
	Discount *discount.Resolver
	Gateway  PaymentGateway
	Media    *media.Store
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Service is the commerce facade.
type Service struct {
	store    storage.Store
	catalog  *catalog.Catalog
	reserve  *reserve.Engine
	discount *discount.Resolver
	gateway  PaymentGateway
	media    *media.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	payCurrency string
	clock       func() time.Time
}

// New creates the shop service. payCurrency is the crypto customers pay
// in, for example "sol".
func New(deps Deps, payCurrency string) *Service {
	return &Service{
		store:       deps.Store,
		catalog:     deps.Catalog,
		reserve:     deps.Reserve,
		discount:    deps.Discount,
		gateway:     deps.Gateway,
		media:       deps.Media,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "shop").Logger(),
		payCurrency: payCurrency,
		clock:       time.Now,
	}
}

// Touch records user contact, creating the account on first sight. The
// language tag only sticks for new users; existing users keep theirs.
func (s *Service) Touch(ctx context.Context, userID int64, language string) (storage.User, error) {
	return s.store.EnsureUser(ctx, userID, i18n.Normalize(language), s.clock())
}

// User returns the stored user row.
func (s *Service) User(ctx context.Context, userID int64) (storage.User, error) {
	return s.store.UserByID(ctx, userID)
}

// SetLanguage stores the user's preferred message language.
func (s *Service) SetLanguage(ctx context.Context, userID int64, lang string) error {
	return s.store.SetUserLanguage(ctx, userID, i18n.Normalize(lang))
}

// BasketTimeout returns how long a reservation holds its unit.
func (s *Service) BasketTimeout() time.Duration {
	return s.reserve.Timeout()
}

// Cities lists cities with stock.
func (s *Service) Cities(ctx context.Context) ([]string, error) {
	return s.catalog.Cities(ctx)
}

// Districts lists a city's districts with stock.
func (s *Service) Districts(ctx context.Context, city string) ([]string, error) {
	return s.catalog.Districts(ctx, city)
}

// ProductTypes lists the product types under city/district.
func (s *Service) ProductTypes(ctx context.Context, city, district string) ([]string, error) {
	return s.catalog.ProductTypes(ctx, city, district)
}

// Offers lists the live (size, price, free units) offers for one type.
func (s *Service) Offers(ctx context.Context, city, district, productType string) ([]storage.Offer, error) {
	return s.catalog.Offers(ctx, city, district, productType)
}

// AddToBasket reserves one free unit matching the selector.
func (s *Service) AddToBasket(ctx context.Context, userID int64, sel storage.ProductSelector) (storage.BasketEntry, storage.Product, error) {
	return s.reserve.AddToBasket(ctx, userID, sel)
}

// RemoveFromBasket releases the oldest basket entry for the product.
func (s *Service) RemoveFromBasket(ctx context.Context, userID, productID int64) (storage.ReleaseResult, error) {
	return s.reserve.RemoveFromBasket(ctx, userID, productID)
}

// BasketView is everything the basket screen renders.
type BasketView struct {
	User    storage.User
	Entries []storage.BasketEntry
	Quote   discount.Quote
	// DetachedCode names a saved code the quote dropped because it no
	// longer validates. The screen tells the user once.
	DetachedCode string
}

// Basket sweeps the user's expired entries and prices what is left,
// reseller layer and applied code included.
func (s *Service) Basket(ctx context.Context, userID int64) (BasketView, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return BasketView{}, err
	}
	entries, err := s.reserve.Basket(ctx, userID)
	if err != nil {
		return BasketView{}, err
	}
	items, _ := s.basketItems(ctx, entries)
	quote, err := s.discount.QuoteFor(ctx, user, items)
	if err != nil {
		return BasketView{}, err
	}
	view := BasketView{User: user, Entries: entries, Quote: quote}
	if user.AppliedCode != "" && quote.Code == "" && len(items) > 0 {
		view.DetachedCode = user.AppliedCode
	}
	return view, nil
}

// ApplyCode consumes one use of a discount code against the current
// basket and pins it to the user. Rejections surface as the storage
// sentinel errors; the use is only burned on success.
func (s *Service) ApplyCode(ctx context.Context, userID int64, code string) (discount.Quote, error) {
	entries, err := s.reserve.Basket(ctx, userID)
	if err != nil {
		return discount.Quote{}, err
	}
	if len(entries) == 0 {
		return discount.Quote{}, ErrBasketEmpty
	}
	items, _ := s.basketItems(ctx, entries)
	base, err := s.discount.Price(ctx, userID, items)
	if err != nil {
		return discount.Quote{}, err
	}
	return s.discount.Consume(ctx, userID, code, base)
}

// DetachCode removes the user's applied code without refunding its use.
func (s *Service) DetachCode(ctx context.Context, userID int64) error {
	return s.discount.Detach(ctx, userID)
}

// CheckoutResult carries the created deposit and its payment intent.
type CheckoutResult struct {
	Deposit storage.PendingDeposit
	Intent  gateway.PaymentIntent
	Quote   discount.Quote
}

// Checkout quotes the basket, creates a gateway payment intent for the
// total, and moves the basket into a pending deposit owned by botID.
// The gateway's BelowMinimumError passes through for the handler to
// render.
func (s *Service) Checkout(ctx context.Context, userID, botID int64) (CheckoutResult, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	pending, err := s.store.HasPurchaseDeposit(ctx, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if pending {
		return CheckoutResult{}, ErrCheckoutPending
	}

	entries, err := s.reserve.Basket(ctx, userID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if len(entries) == 0 {
		return CheckoutResult{}, ErrBasketEmpty
	}

	items, snapshot := s.basketItems(ctx, entries)
	quote, err := s.discount.QuoteFor(ctx, user, items)
	if err != nil {
		return CheckoutResult{}, err
	}
	if !quote.Total.IsPositive() {
		return CheckoutResult{}, ErrNothingDue
	}

	intent, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		AmountEUR:   quote.Total,
		PayCurrency: s.payCurrency,
		OrderID:     uuid.NewString(),
		Description: fmt.Sprintf("purchase of %d item(s)", len(entries)),
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	dep := storage.PendingDeposit{
		PaymentID:      intent.PaymentID,
		UserID:         userID,
		Currency:       intent.PayCurrency,
		TargetEUR:      quote.Total,
		ExpectedCrypto: intent.PayAmount,
		PayAddress:     intent.PayAddress,
		IsPurchase:     true,
		DiscountCode:   quote.Code,
		BotID:          botID,
		CreatedAt:      s.clock(),
		Items:          snapshot,
	}
	if err := s.store.CreateDeposit(ctx, dep, entryIDs); err != nil {
		// The intent is already out at the gateway; with no deposit row
		// it can never settle, so it dies unpaid upstream.
		s.logger.Error().Err(err).
			Str("payment_id", intent.PaymentID).
			Int64("user_id", userID).
			Msg("shop.checkout_deposit_failed")
		return CheckoutResult{}, err
	}

	if quote.Code != "" {
		if err := s.store.SetAppliedCode(ctx, userID, ""); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("shop.code_clear_failed")
		}
	}

	s.metrics.ObserveDeposit("purchase")
	s.logger.Info().
		Str("payment_id", intent.PaymentID).
		Int64("user_id", userID).
		Int64("bot_id", botID).
		Str("total_eur", quote.Total.String()).
		Int("items", len(entries)).
		Msg("shop.checkout_created")
	return CheckoutResult{Deposit: dep, Intent: intent, Quote: quote}, nil
}

// Refill creates a balance top-up deposit for the given EUR amount.
func (s *Service) Refill(ctx context.Context, userID, botID int64, amount money.Amount) (CheckoutResult, error) {
	if !amount.IsPositive() {
		return CheckoutResult{}, ErrAmountInvalid
	}
	if _, err := s.store.UserByID(ctx, userID); err != nil {
		return CheckoutResult{}, err
	}

	intent, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		AmountEUR:   amount,
		PayCurrency: s.payCurrency,
		OrderID:     uuid.NewString(),
		Description: "balance refill",
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	dep := storage.PendingDeposit{
		PaymentID:      intent.PaymentID,
		UserID:         userID,
		Currency:       intent.PayCurrency,
		TargetEUR:      amount,
		ExpectedCrypto: intent.PayAmount,
		PayAddress:     intent.PayAddress,
		IsPurchase:     false,
		BotID:          botID,
		CreatedAt:      s.clock(),
	}
	if err := s.store.CreateDeposit(ctx, dep, nil); err != nil {
		s.logger.Error().Err(err).
			Str("payment_id", intent.PaymentID).
			Int64("user_id", userID).
			Msg("shop.refill_deposit_failed")
		return CheckoutResult{}, err
	}

	s.metrics.ObserveDeposit("refill")
	s.logger.Info().
		Str("payment_id", intent.PaymentID).
		Int64("user_id", userID).
		Str("amount_eur", amount.String()).
		Msg("shop.refill_created")
	return CheckoutResult{Deposit: dep, Intent: intent}, nil
}

// Balance returns the user row and the recent ledger lines.
func (s *Service) Balance(ctx context.Context, userID int64, limit int) (storage.User, []storage.BalanceEntry, error) {
	user, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return storage.User{}, nil, err
	}
	history, err := s.store.BalanceHistory(ctx, userID, limit)
	if err != nil {
		return storage.User{}, nil, err
	}
	return user, history, nil
}

// History returns the user's completed purchases, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]storage.Purchase, error) {
	return s.store.PurchasesByUser(ctx, userID, limit)
}

// basketItems builds the pricing lines and the deposit snapshot for the
// entries. Product rows deleted since reservation leave their location
// fields empty; the frozen price and type always come from the entry.
func (s *Service) basketItems(ctx context.Context, entries []storage.BasketEntry) ([]discount.Item, []storage.DepositItem) {
	items := make([]discount.Item, 0, len(entries))
	snapshot := make([]storage.DepositItem, 0, len(entries))
	for _, e := range entries {
		it := discount.Item{
			ProductID:   e.ProductID,
			ProductType: e.ProductType,
			Price:       e.Price,
		}
		di := storage.DepositItem{
			ProductID:   e.ProductID,
			ProductType: e.ProductType,
			Price:       e.Price,
			ReservedAt:  e.ReservedAt,
		}
		if p, err := s.catalog.ProductByID(ctx, e.ProductID); err == nil {
			it.City, it.District, it.Size = p.City, p.District, p.Size
			di.City, di.District, di.Size, di.Details = p.City, p.District, p.Size, p.Details
		}
		items = append(items, it)
		snapshot = append(snapshot, di)
	}
	return items, snapshot
}

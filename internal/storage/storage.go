package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropline/server/internal/money"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrOutOfStock is returned when no unit matching a selector is free to
// reserve. This is the loser's result in a last-unit race.
var ErrOutOfStock = errors.New("storage: out of stock")

// ErrAlreadyProcessed is returned when a settlement finds its pending
// deposit already deleted. Duplicate IPN deliveries land here.
var ErrAlreadyProcessed = errors.New("storage: deposit already processed")

// ErrBasketChanged is returned when a deposit snapshot races a concurrent
// basket mutation; callers should rebuild the quote and retry.
var ErrBasketChanged = errors.New("storage: basket changed during snapshot")

// Discount code rejection reasons.
var (
	ErrCodeNotFound      = errors.New("storage: discount code not found")
	ErrCodeInactive      = errors.New("storage: discount code inactive")
	ErrCodeExpired       = errors.New("storage: discount code expired")
	ErrCodeLimitReached  = errors.New("storage: discount code usage cap reached")
	ErrCodePerUserLimit  = errors.New("storage: discount code per-user cap reached")
	ErrCodeScopeMismatch = errors.New("storage: discount code does not apply to basket")
	ErrCodeExists        = errors.New("storage: discount code already exists")
)

// Store captures the persistence requirements for the shop.
//
// # Transactional contract
//
// Every mutating method is atomic. The reservation, settlement, and
// discount-consumption methods run their reads and conditional writes in a
// single serialized transaction, so two concurrent callers racing for the
// last unit, the same deposit, or the last code use observe a strict
// winner/loser outcome and never a partial state.
//
// Settlement methods delete the PendingDeposit row inside the same
// transaction as their effects. The deleted row is the idempotency lock: a
// second settlement of the same payment returns ErrAlreadyProcessed with
// no effects.
type Store interface {
	// Products and catalog
	CreateProduct(ctx context.Context, p Product) (int64, error)
	ProductByID(ctx context.Context, id int64) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, sel ProductSelector) ([]Product, error)
	Cities(ctx context.Context) ([]string, error)
	Districts(ctx context.Context, city string) ([]string, error)
	CatalogTypes(ctx context.Context, city, district string) ([]string, error)
	Offers(ctx context.Context, city, district, productType string) ([]Offer, error)

	// Unit reservation. ReserveUnit picks one free unit matching the
	// selector, increments its reserved count and inserts a basket entry,
	// or returns ErrOutOfStock. ReleaseBasketEntry removes the oldest
	// entry for (user, product) and decrements reserved, clamping at zero.
	ReserveUnit(ctx context.Context, userID int64, sel ProductSelector, now time.Time) (BasketEntry, Product, error)
	ReleaseBasketEntry(ctx context.Context, userID, productID int64) (ReleaseResult, error)
	BasketEntries(ctx context.Context, userID int64) ([]BasketEntry, error)
	// ExpireBasketEntries releases every entry reserved before cutoff.
	// Entries a checkout consumed live in the deposit snapshot, not
	// here, so nothing a buyer committed to pay for can expire.
	ExpireBasketEntries(ctx context.Context, userID int64, cutoff time.Time) (ExpireResult, error)
	UserIDsWithBaskets(ctx context.Context) ([]int64, error)
	// ReconcileReserved clamps each product's reserved count down to the
	// number of live basket entries plus live deposit items referencing
	// it. Returns the number of products adjusted.
	ReconcileReserved(ctx context.Context) (int64, error)

	// Users and balances
	EnsureUser(ctx context.Context, telegramID int64, language string, now time.Time) (User, error)
	UserByID(ctx context.Context, telegramID int64) (User, error)
	AllUserIDs(ctx context.Context) ([]int64, error)
	SetUserLanguage(ctx context.Context, telegramID int64, language string) error
	SetUserBanned(ctx context.Context, telegramID int64, banned bool) error
	SetUserBlocked(ctx context.Context, telegramID int64, blocked bool) error
	SetUserReseller(ctx context.Context, telegramID int64, reseller bool) error
	SetAppliedCode(ctx context.Context, telegramID int64, code string) error
	CreditBalance(ctx context.Context, telegramID int64, amount money.Amount, reason string, now time.Time) (money.Amount, error)
	BalanceHistory(ctx context.Context, telegramID int64, limit int) ([]BalanceEntry, error)

	// Pending deposits. CreateDeposit moves the listed basket entries
	// into the deposit's item snapshot in one transaction; the reserved
	// units stay held, now attributed to the deposit.
	CreateDeposit(ctx context.Context, dep PendingDeposit, basketEntryIDs []int64) error
	DepositByID(ctx context.Context, paymentID string) (PendingDeposit, error)
	ListDeposits(ctx context.Context) ([]PendingDeposit, error)
	DepositsCreatedBefore(ctx context.Context, cutoff time.Time) ([]PendingDeposit, error)
	HasPurchaseDeposit(ctx context.Context, userID int64) (bool, error)

	// Terminal settlements. Each deletes the deposit atomically with its
	// effects and returns ErrAlreadyProcessed when the row is gone.
	//
	// SettlePurchase debits one available and one reserved unit per item
	// (items whose product can no longer cover a unit are reported as
	// unavailable, not failed), records purchases, bumps the buyer's
	// purchase count, and credits any overpayment.
	SettlePurchase(ctx context.Context, paymentID string, overpay money.Amount, overpayReason string, now time.Time) (SettleResult, error)
	// SettleRefill credits the paid EUR to the user balance.
	SettleRefill(ctx context.Context, paymentID string, amount money.Amount, reason string, now time.Time) (money.Amount, error)
	// SettleUnderpayment refunds the paid EUR to the balance and frees
	// every snapshot unit.
	SettleUnderpayment(ctx context.Context, paymentID string, refund money.Amount, reason string, now time.Time) (money.Amount, error)
	// SettleExpiry restores snapshot items reserved after basketCutoff to
	// the user's basket and frees the rest.
	SettleExpiry(ctx context.Context, paymentID string, basketCutoff time.Time) (ExpireResult, error)
	// DiscardDeposit frees every snapshot unit and deletes the deposit.
	DiscardDeposit(ctx context.Context, paymentID string) (ExpireResult, error)

	// Discount codes
	CreateDiscountCode(ctx context.Context, code DiscountCode) error
	DiscountCodeByCode(ctx context.Context, code string) (DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]DiscountCode, error)
	SetDiscountCodeActive(ctx context.Context, code string, active bool) error
	// ApplyDiscountCode validates and consumes one use in a single
	// transaction: caps are re-checked under the lock, a usage row is
	// recorded, and the use counter increments exactly once per usage row.
	ApplyDiscountCode(ctx context.Context, p ApplyCodeParams) (ApplyCodeResult, error)
	UserCodeUsages(ctx context.Context, code string, userID int64) (int, error)

	// Reseller rules
	SetResellerRule(ctx context.Context, rule ResellerRule) error
	DeleteResellerRule(ctx context.Context, userID int64, productType string) error
	ResellerRules(ctx context.Context, userID int64) ([]ResellerRule, error)

	// Purchases and reporting
	PurchasesByUser(ctx context.Context, userID int64, limit int) ([]Purchase, error)
	SalesSummary(ctx context.Context, since time.Time) (SalesSummary, error)
	InventorySummary(ctx context.Context) ([]InventoryRow, error)

	// Admin audit log
	AppendAdminLog(ctx context.Context, entry AdminLogEntry) error
	AdminLog(ctx context.Context, limit int) ([]AdminLogEntry, error)

	// Settings key/value (welcome message, durable price cache)
	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend     string        // "sqlite" or "memory"
	Path        string        // database file path for the sqlite backend
	BusyTimeout time.Duration // sqlite writer contention bound; <= 0 means 5s
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses everything on restart; tests only.
		return NewMemoryStore(), nil
	case "sqlite", "":
		if cfg.Path == "" {
			cfg.Path = "./data/dropline.db"
		}
		return OpenSQLite(cfg.Path, cfg.BusyTimeout)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

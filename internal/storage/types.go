package storage

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/money"
)

// Product is a single drop listing. Each row starts with one available
// unit; bulk imports create one row per unit.
type Product struct {
	ID          int64
	City        string
	District    string
	ProductType string
	Size        string
	Price       money.Amount
	Available   int
	Reserved    int
	Details     string
	CreatedAt   time.Time
}

// InStock reports whether at least one unit is free to reserve.
func (p Product) InStock() bool {
	return p.Available > p.Reserved
}

// ProductSelector narrows product queries. Empty string fields and a nil
// price match anything.
type ProductSelector struct {
	City        string
	District    string
	ProductType string
	Size        string
	Price       *money.Amount
}

// Offer is a purchasable (size, price) combination within a chosen
// city/district/type, with the number of free units.
type Offer struct {
	Size      string
	Price     money.Amount
	Available int
}

// User is a Telegram customer account, created on first contact.
type User struct {
	TelegramID     int64
	Balance        money.Amount
	TotalPurchases int
	Language       string
	IsReseller     bool
	Banned         bool
	Blocked        bool // user blocked the bot; skip broadcasts
	AppliedCode    string
	LastSeen       time.Time
	CreatedAt      time.Time
}

// BasketEntry reserves exactly one unit of a product for one user. The
// price and type are frozen at reservation time.
type BasketEntry struct {
	ID          int64
	UserID      int64
	ProductID   int64
	ProductType string
	Price       money.Amount
	ReservedAt  time.Time
}

// ReleaseResult reports a single basket release. Clamped is set when the
// product's reserved counter was already zero, which indicates a prior
// accounting bug and must be surfaced in audit logs.
type ReleaseResult struct {
	Entry   BasketEntry
	Clamped bool
}

// ExpireResult summarizes a basket expiry or snapshot release pass.
type ExpireResult struct {
	Released []BasketEntry
	Restored int
	Clamps   int
}

// DepositItem is one basket entry frozen into a pending deposit. All
// product details are copied so delivery does not depend on the product
// row surviving until payment.
type DepositItem struct {
	ID          int64
	PaymentID   string
	ProductID   int64
	ProductType string
	Size        string
	City        string
	District    string
	Details     string
	Price       money.Amount
	ReservedAt  time.Time
}

// PendingDeposit is an open crypto payment intent. Its existence is the
// finalize lock: terminal settlement deletes the row atomically, and a
// second settlement attempt observes the missing row instead of paying out
// twice.
type PendingDeposit struct {
	PaymentID      string
	UserID         int64
	Currency       string
	TargetEUR      money.Amount
	ExpectedCrypto decimal.Decimal
	PayAddress     string
	IsPurchase     bool
	DiscountCode   string
	BotID          int64
	CreatedAt      time.Time
	Items          []DepositItem
}

// DiscountKind distinguishes percentage codes from fixed EUR codes.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// DiscountCode is a general discount code. Codes are stored and matched
// lowercase. Empty scope lists mean unrestricted.
type DiscountCode struct {
	Code         string
	Kind         DiscountKind
	Value        decimal.Decimal // percent for percentage codes, EUR for fixed
	Active       bool
	TotalCap     *int // nil = unlimited
	PerUserCap   *int
	UsesCount    int
	ExpiresAt    *time.Time
	Cities       []string
	ProductTypes []string
	Sizes        []string
	CreatedAt    time.Time
}

// Usable checks the non-counting preconditions for applying the code.
func (c DiscountCode) Usable(now time.Time) error {
	if !c.Active {
		return ErrCodeInactive
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return ErrCodeExpired
	}
	if c.TotalCap != nil && c.UsesCount >= *c.TotalCap {
		return ErrCodeLimitReached
	}
	return nil
}

// MatchesScope reports whether the basket contents satisfy every
// non-empty scope list. A list matches when at least one basket item
// carries one of its values.
func (c DiscountCode) MatchesScope(cities, productTypes, sizes []string) bool {
	return scopeMatches(c.Cities, cities) &&
		scopeMatches(c.ProductTypes, productTypes) &&
		scopeMatches(c.Sizes, sizes)
}

func scopeMatches(scope, basket []string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, want := range scope {
		for _, have := range basket {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Discount computes the EUR cents this code takes off the given base.
// Results floor toward the merchant and never exceed the base.
func (c DiscountCode) Discount(base money.Amount) money.Amount {
	var d money.Amount
	switch c.Kind {
	case DiscountPercentage:
		d = base.PercentOfFloor(c.Value)
	case DiscountFixed:
		d = money.FromDecimalFloor(c.Value)
	}
	if d > base {
		d = base
	}
	if d < 0 {
		d = 0
	}
	return d
}

// DiscountUsage records one consumed use of a code.
type DiscountUsage struct {
	ID     int64
	UserID int64
	Code   string
	Amount money.Amount
	UsedAt time.Time
}

// ApplyCodeParams carries everything the atomic code consumption needs:
// the basket's post-reseller total and its scope dimensions.
type ApplyCodeParams struct {
	Code         string
	UserID       int64
	Base         money.Amount
	Cities       []string
	ProductTypes []string
	Sizes        []string
	Now          time.Time
}

// ApplyCodeResult reports a successfully consumed code.
type ApplyCodeResult struct {
	Code     DiscountCode
	Discount money.Amount
	NewTotal money.Amount
}

// ResellerRule grants one user a percentage off one product type.
type ResellerRule struct {
	UserID      int64
	ProductType string
	Percent     decimal.Decimal // 0..100
}

// Purchase is a completed, delivered unit.
type Purchase struct {
	ID          int64
	UserID      int64
	PaymentID   string
	ProductID   int64
	ProductType string
	Size        string
	City        string
	District    string
	PricePaid   money.Amount
	BotID       int64
	PurchasedAt time.Time
}

// SettleResult reports an atomic purchase finalize.
type SettleResult struct {
	Delivered   []DepositItem
	Unavailable []DepositItem
	NewBalance  money.Amount // set when an overpayment was credited
}

// BalanceEntry is one ledger line for a user balance change.
type BalanceEntry struct {
	ID        int64
	UserID    int64
	Delta     money.Amount
	Reason    string
	CreatedAt time.Time
}

// AdminLogEntry is an append-only audit record. ActorID zero means the
// system itself (sweepers, clamps, failovers).
type AdminLogEntry struct {
	ID        int64
	ActorID   int64
	Action    string
	Details   string
	CreatedAt time.Time
}

// SalesSummary aggregates completed purchases.
type SalesSummary struct {
	Count int
	Total money.Amount
}

// InventoryRow aggregates live stock for one offer dimension.
type InventoryRow struct {
	City        string
	District    string
	ProductType string
	Size        string
	Price       money.Amount
	Available   int
	Reserved    int
}

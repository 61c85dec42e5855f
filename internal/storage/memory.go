package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/money"
)

// MemoryStore is an in-memory Store with the same conditional-update
// semantics as the SQLite backend. Everything is lost on restart; tests
// and local experiments only.
type MemoryStore struct {
	mu sync.Mutex

	nextProductID  int64
	nextEntryID    int64
	nextItemID     int64
	nextUsageID    int64
	nextLedgerID   int64
	nextLogID      int64
	nextPurchaseID int64

	products map[int64]*Product
	users    map[int64]*User
	basket   []BasketEntry
	deposits map[string]*PendingDeposit
	codes    map[string]*DiscountCode
	usages   []DiscountUsage
	rules    map[int64]map[string]decimal.Decimal
	sales    []Purchase
	ledger   []BalanceEntry
	audit    []AdminLogEntry
	settings map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[int64]*Product),
		users:    make(map[int64]*User),
		deposits: make(map[string]*PendingDeposit),
		codes:    make(map[string]*DiscountCode),
		rules:    make(map[int64]map[string]decimal.Decimal),
		settings: make(map[string]string),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) appendAudit(actorID int64, action, details string, at time.Time) {
	m.nextLogID++
	m.audit = append(m.audit, AdminLogEntry{
		ID: m.nextLogID, ActorID: actorID, Action: action, Details: details, CreatedAt: at,
	})
}

func (m *MemoryStore) clampAudit(productID int64, op string) {
	m.appendAudit(0, "reserved_clamp",
		fmt.Sprintf("product %d: reserved already zero during %s", productID, op), time.Now())
}

// releaseReserved mirrors the SQL conditional decrement; returns true when
// the clamp fired.
func (m *MemoryStore) releaseReserved(productID int64, op string) bool {
	p, ok := m.products[productID]
	if !ok || p.Reserved <= 0 {
		m.clampAudit(productID, op)
		return true
	}
	p.Reserved--
	return false
}

func matchesSelector(p *Product, sel ProductSelector) bool {
	if sel.City != "" && p.City != sel.City {
		return false
	}
	if sel.District != "" && p.District != sel.District {
		return false
	}
	if sel.ProductType != "" && p.ProductType != sel.ProductType {
		return false
	}
	if sel.Size != "" && p.Size != sel.Size {
		return false
	}
	if sel.Price != nil && p.Price != *sel.Price {
		return false
	}
	return true
}

func (m *MemoryStore) sortedProducts() []*Product {
	out := make([]*Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- products and catalog ---

func (m *MemoryStore) CreateProduct(_ context.Context, p Product) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Available <= 0 {
		p.Available = 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.Reserved = 0
	m.nextProductID++
	p.ID = m.nextProductID
	cp := p
	m.products[p.ID] = &cp
	return p.ID, nil
}

func (m *MemoryStore) ProductByID(_ context.Context, id int64) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return *p, nil
}

func (m *MemoryStore) DeleteProduct(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	kept := m.basket[:0]
	for _, e := range m.basket {
		if e.ProductID != id {
			kept = append(kept, e)
		}
	}
	m.basket = kept
	return nil
}

func (m *MemoryStore) ListProducts(_ context.Context, sel ProductSelector) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Product
	for _, p := range m.sortedProducts() {
		if matchesSelector(p, sel) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MemoryStore) Cities(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, p := range m.products {
		if p.InStock() {
			seen[p.City] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) Districts(_ context.Context, city string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, p := range m.products {
		if p.City == city && p.InStock() {
			seen[p.District] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) CatalogTypes(_ context.Context, city, district string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for _, p := range m.products {
		if p.City == city && p.District == district && p.InStock() {
			seen[p.ProductType] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) Offers(_ context.Context, city, district, productType string) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		size  string
		price money.Amount
	}
	counts := map[key]int{}
	for _, p := range m.products {
		if p.City == city && p.District == district && p.ProductType == productType && p.InStock() {
			counts[key{p.Size, p.Price}] += p.Available - p.Reserved
		}
	}
	out := make([]Offer, 0, len(counts))
	for k, n := range counts {
		out = append(out, Offer{Size: k.size, Price: k.price, Available: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Size < out[j].Size
	})
	return out, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// --- reservation ---

func (m *MemoryStore) ReserveUnit(_ context.Context, userID int64, sel ProductSelector, now time.Time) (BasketEntry, Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.sortedProducts() {
		if !matchesSelector(p, sel) || !p.InStock() {
			continue
		}
		p.Reserved++
		m.nextEntryID++
		entry := BasketEntry{
			ID:          m.nextEntryID,
			UserID:      userID,
			ProductID:   p.ID,
			ProductType: p.ProductType,
			Price:       p.Price,
			ReservedAt:  now,
		}
		m.basket = append(m.basket, entry)
		return entry, *p, nil
	}
	return BasketEntry{}, Product{}, ErrOutOfStock
}

func (m *MemoryStore) ReleaseBasketEntry(_ context.Context, userID, productID int64) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, e := range m.basket {
		if e.UserID != userID || e.ProductID != productID {
			continue
		}
		if idx == -1 || m.basket[i].ReservedAt.Before(m.basket[idx].ReservedAt) {
			idx = i
		}
	}
	if idx == -1 {
		return ReleaseResult{}, ErrNotFound
	}
	entry := m.basket[idx]
	m.basket = append(m.basket[:idx], m.basket[idx+1:]...)
	clamped := m.releaseReserved(productID, "basket release")
	return ReleaseResult{Entry: entry, Clamped: clamped}, nil
}

func (m *MemoryStore) BasketEntries(_ context.Context, userID int64) ([]BasketEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BasketEntry
	for _, e := range m.basket {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ReservedAt.Before(out[j].ReservedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ExpireBasketEntries(_ context.Context, userID int64, cutoff time.Time) (ExpireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result ExpireResult
	kept := m.basket[:0]
	for _, e := range m.basket {
		if e.UserID == userID && e.ReservedAt.Before(cutoff) {
			if m.releaseReserved(e.ProductID, "basket expiry") {
				result.Clamps++
			}
			result.Released = append(result.Released, e)
			continue
		}
		kept = append(kept, e)
	}
	m.basket = kept
	return result, nil
}

func (m *MemoryStore) UserIDsWithBaskets(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[int64]bool{}
	var out []int64
	for _, e := range m.basket {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			out = append(out, e.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) ReconcileReserved(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := map[int64]int{}
	for _, e := range m.basket {
		held[e.ProductID]++
	}
	for _, dep := range m.deposits {
		for _, it := range dep.Items {
			held[it.ProductID]++
		}
	}
	var adjusted int64
	for _, p := range m.products {
		if p.Reserved > held[p.ID] {
			p.Reserved = held[p.ID]
			adjusted++
		}
	}
	if adjusted > 0 {
		m.appendAudit(0, "reserved_reconcile", fmt.Sprintf("clamped reserved on %d products", adjusted), time.Now())
	}
	return adjusted, nil
}

// --- users ---

func (m *MemoryStore) EnsureUser(_ context.Context, telegramID int64, language string, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if language == "" {
		language = "en"
	}
	u, ok := m.users[telegramID]
	if !ok {
		u = &User{TelegramID: telegramID, Language: language, CreatedAt: now}
		m.users[telegramID] = u
	}
	u.LastSeen = now
	return *u, nil
}

func (m *MemoryStore) UserByID(_ context.Context, telegramID int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[telegramID]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *MemoryStore) AllUserIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int64
	for id, u := range m.users {
		if !u.Blocked {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) mutateUser(telegramID int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[telegramID]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MemoryStore) SetUserLanguage(_ context.Context, telegramID int64, language string) error {
	return m.mutateUser(telegramID, func(u *User) { u.Language = language })
}

func (m *MemoryStore) SetUserBanned(_ context.Context, telegramID int64, banned bool) error {
	return m.mutateUser(telegramID, func(u *User) { u.Banned = banned })
}

func (m *MemoryStore) SetUserBlocked(_ context.Context, telegramID int64, blocked bool) error {
	return m.mutateUser(telegramID, func(u *User) { u.Blocked = blocked })
}

func (m *MemoryStore) SetUserReseller(_ context.Context, telegramID int64, reseller bool) error {
	return m.mutateUser(telegramID, func(u *User) { u.IsReseller = reseller })
}

func (m *MemoryStore) SetAppliedCode(_ context.Context, telegramID int64, code string) error {
	return m.mutateUser(telegramID, func(u *User) { u.AppliedCode = normalizeCode(code) })
}

func (m *MemoryStore) CreditBalance(_ context.Context, telegramID int64, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(telegramID, amount, reason, now)
}

func (m *MemoryStore) creditLocked(telegramID int64, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	u, ok := m.users[telegramID]
	if !ok {
		return 0, ErrNotFound
	}
	u.Balance = u.Balance.Add(amount)
	m.nextLedgerID++
	m.ledger = append(m.ledger, BalanceEntry{
		ID: m.nextLedgerID, UserID: telegramID, Delta: amount, Reason: reason, CreatedAt: now,
	})
	return u.Balance, nil
}

func (m *MemoryStore) BalanceHistory(_ context.Context, telegramID int64, limit int) ([]BalanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []BalanceEntry
	for i := len(m.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger[i].UserID == telegramID {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

// --- deposits ---

func (m *MemoryStore) CreateDeposit(_ context.Context, dep PendingDeposit, basketEntryIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deposits[dep.PaymentID]; exists {
		return fmt.Errorf("deposit %s already exists", dep.PaymentID)
	}

	if dep.IsPurchase && len(basketEntryIDs) > 0 {
		want := map[int64]bool{}
		for _, id := range basketEntryIDs {
			want[id] = true
		}
		found := 0
		for _, e := range m.basket {
			if want[e.ID] {
				found++
			}
		}
		if found != len(basketEntryIDs) {
			return ErrBasketChanged
		}
		kept := m.basket[:0]
		for _, e := range m.basket {
			if !want[e.ID] {
				kept = append(kept, e)
			}
		}
		m.basket = kept
	}

	cp := dep
	cp.Items = append([]DepositItem(nil), dep.Items...)
	for i := range cp.Items {
		m.nextItemID++
		cp.Items[i].ID = m.nextItemID
		cp.Items[i].PaymentID = dep.PaymentID
	}
	m.deposits[dep.PaymentID] = &cp
	return nil
}

func (m *MemoryStore) DepositByID(_ context.Context, paymentID string) (PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deposits[paymentID]
	if !ok {
		return PendingDeposit{}, ErrNotFound
	}
	cp := *dep
	cp.Items = append([]DepositItem(nil), dep.Items...)
	return cp, nil
}

func (m *MemoryStore) ListDeposits(_ context.Context) ([]PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingDeposit, 0, len(m.deposits))
	for _, dep := range m.deposits {
		cp := *dep
		cp.Items = append([]DepositItem(nil), dep.Items...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DepositsCreatedBefore(_ context.Context, cutoff time.Time) ([]PendingDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingDeposit
	for _, dep := range m.deposits {
		if dep.CreatedAt.Before(cutoff) {
			cp := *dep
			cp.Items = append([]DepositItem(nil), dep.Items...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) HasPurchaseDeposit(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dep := range m.deposits {
		if dep.UserID == userID && dep.IsPurchase {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) takeLocked(paymentID string) (PendingDeposit, error) {
	dep, ok := m.deposits[paymentID]
	if !ok {
		return PendingDeposit{}, ErrAlreadyProcessed
	}
	delete(m.deposits, paymentID)
	cp := *dep
	cp.Items = append([]DepositItem(nil), dep.Items...)
	return cp, nil
}

func (m *MemoryStore) SettlePurchase(_ context.Context, paymentID string, overpay money.Amount, overpayReason string, now time.Time) (SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, err := m.takeLocked(paymentID)
	if err != nil {
		return SettleResult{}, err
	}
	if !dep.IsPurchase {
		m.deposits[paymentID] = &dep
		return SettleResult{}, fmt.Errorf("deposit %s is a refill, not a purchase", paymentID)
	}

	var result SettleResult
	for _, it := range dep.Items {
		p, ok := m.products[it.ProductID]
		if !ok || p.Available <= 0 || p.Reserved <= 0 {
			result.Unavailable = append(result.Unavailable, it)
			m.appendAudit(0, "finalize_unavailable",
				fmt.Sprintf("payment %s: product %d had no unit to deliver", paymentID, it.ProductID), now)
			continue
		}
		p.Available--
		p.Reserved--
		m.nextPurchaseID++
		m.sales = append(m.sales, Purchase{
			ID: m.nextPurchaseID, UserID: dep.UserID, PaymentID: paymentID,
			ProductID: it.ProductID, ProductType: it.ProductType, Size: it.Size,
			City: it.City, District: it.District, PricePaid: it.Price,
			BotID: dep.BotID, PurchasedAt: now,
		})
		result.Delivered = append(result.Delivered, it)
	}

	if u, ok := m.users[dep.UserID]; ok {
		u.TotalPurchases += len(result.Delivered)
	}
	if overpay.IsPositive() {
		newBalance, err := m.creditLocked(dep.UserID, overpay, overpayReason, now)
		if err != nil {
			return SettleResult{}, err
		}
		result.NewBalance = newBalance
	}
	return result, nil
}

func (m *MemoryStore) SettleRefill(_ context.Context, paymentID string, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, err := m.takeLocked(paymentID)
	if err != nil {
		return 0, err
	}
	if dep.IsPurchase {
		m.deposits[paymentID] = &dep
		return 0, fmt.Errorf("deposit %s is a purchase, not a refill", paymentID)
	}
	return m.creditLocked(dep.UserID, amount, reason, now)
}

func (m *MemoryStore) SettleUnderpayment(_ context.Context, paymentID string, refund money.Amount, reason string, now time.Time) (money.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, err := m.takeLocked(paymentID)
	if err != nil {
		return 0, err
	}
	for _, it := range dep.Items {
		m.releaseReserved(it.ProductID, "underpayment release")
	}
	if refund.IsPositive() {
		return m.creditLocked(dep.UserID, refund, reason, now)
	}
	return 0, nil
}

func (m *MemoryStore) SettleExpiry(_ context.Context, paymentID string, basketCutoff time.Time) (ExpireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, err := m.takeLocked(paymentID)
	if err != nil {
		return ExpireResult{}, err
	}
	var result ExpireResult
	for _, it := range dep.Items {
		if it.ReservedAt.After(basketCutoff) {
			m.nextEntryID++
			m.basket = append(m.basket, BasketEntry{
				ID: m.nextEntryID, UserID: dep.UserID, ProductID: it.ProductID,
				ProductType: it.ProductType, Price: it.Price, ReservedAt: it.ReservedAt,
			})
			result.Restored++
			continue
		}
		if m.releaseReserved(it.ProductID, "deposit expiry") {
			result.Clamps++
		}
		result.Released = append(result.Released, BasketEntry{
			UserID: dep.UserID, ProductID: it.ProductID, ProductType: it.ProductType,
			Price: it.Price, ReservedAt: it.ReservedAt,
		})
	}
	return result, nil
}

func (m *MemoryStore) DiscardDeposit(_ context.Context, paymentID string) (ExpireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, err := m.takeLocked(paymentID)
	if err != nil {
		return ExpireResult{}, err
	}
	var result ExpireResult
	for _, it := range dep.Items {
		if m.releaseReserved(it.ProductID, "deposit discard") {
			result.Clamps++
		}
		result.Released = append(result.Released, BasketEntry{
			UserID: dep.UserID, ProductID: it.ProductID, ProductType: it.ProductType,
			Price: it.Price, ReservedAt: it.ReservedAt,
		})
	}
	return result, nil
}

// --- discount codes ---

func (m *MemoryStore) CreateDiscountCode(_ context.Context, code DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	code.Code = normalizeCode(code.Code)
	if code.Code == "" {
		return fmt.Errorf("discount code must not be empty")
	}
	if code.Kind != DiscountPercentage && code.Kind != DiscountFixed {
		return fmt.Errorf("unknown discount kind %q", code.Kind)
	}
	if _, exists := m.codes[code.Code]; exists {
		return ErrCodeExists
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	code.UsesCount = 0
	code.Cities = normalizeList(code.Cities)
	code.ProductTypes = normalizeList(code.ProductTypes)
	code.Sizes = normalizeList(code.Sizes)
	cp := code
	m.codes[code.Code] = &cp
	return nil
}

func normalizeList(items []string) []string {
	return splitList(joinList(items))
}

func (m *MemoryStore) DiscountCodeByCode(_ context.Context, code string) (DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[normalizeCode(code)]
	if !ok {
		return DiscountCode{}, ErrCodeNotFound
	}
	return *c, nil
}

func (m *MemoryStore) ListDiscountCodes(_ context.Context) ([]DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DiscountCode, 0, len(m.codes))
	for _, c := range m.codes {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (m *MemoryStore) SetDiscountCodeActive(_ context.Context, code string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[normalizeCode(code)]
	if !ok {
		return ErrCodeNotFound
	}
	c.Active = active
	return nil
}

func (m *MemoryStore) ApplyDiscountCode(_ context.Context, p ApplyCodeParams) (ApplyCodeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[normalizeCode(p.Code)]
	if !ok {
		return ApplyCodeResult{}, ErrCodeNotFound
	}
	if err := c.Usable(p.Now); err != nil {
		return ApplyCodeResult{}, err
	}
	if !c.MatchesScope(p.Cities, p.ProductTypes, p.Sizes) {
		return ApplyCodeResult{}, ErrCodeScopeMismatch
	}
	if c.PerUserCap != nil {
		used := 0
		for _, u := range m.usages {
			if u.Code == c.Code && u.UserID == p.UserID {
				used++
			}
		}
		if used >= *c.PerUserCap {
			return ApplyCodeResult{}, ErrCodePerUserLimit
		}
	}
	if c.TotalCap != nil && c.UsesCount >= *c.TotalCap {
		return ApplyCodeResult{}, ErrCodeLimitReached
	}

	c.UsesCount++
	discount := c.Discount(p.Base)
	m.nextUsageID++
	m.usages = append(m.usages, DiscountUsage{
		ID: m.nextUsageID, UserID: p.UserID, Code: c.Code, Amount: discount, UsedAt: p.Now,
	})
	return ApplyCodeResult{Code: *c, Discount: discount, NewTotal: p.Base.SubClamped(discount)}, nil
}

func (m *MemoryStore) UserCodeUsages(_ context.Context, code string, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code = normalizeCode(code)
	used := 0
	for _, u := range m.usages {
		if u.Code == code && u.UserID == userID {
			used++
		}
	}
	return used, nil
}

// --- reseller rules ---

func (m *MemoryStore) SetResellerRule(_ context.Context, rule ResellerRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.Percent.IsNegative() || rule.Percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("reseller percent %s out of range", rule.Percent)
	}
	byType, ok := m.rules[rule.UserID]
	if !ok {
		byType = make(map[string]decimal.Decimal)
		m.rules[rule.UserID] = byType
	}
	byType[rule.ProductType] = rule.Percent
	return nil
}

func (m *MemoryStore) DeleteResellerRule(_ context.Context, userID int64, productType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, ok := m.rules[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byType[productType]; !ok {
		return ErrNotFound
	}
	delete(byType, productType)
	return nil
}

func (m *MemoryStore) ResellerRules(_ context.Context, userID int64) ([]ResellerRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := m.rules[userID]
	out := make([]ResellerRule, 0, len(byType))
	for pt, pct := range byType {
		out = append(out, ResellerRule{UserID: userID, ProductType: pt, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductType < out[j].ProductType })
	return out, nil
}

// --- purchases and reporting ---

func (m *MemoryStore) PurchasesByUser(_ context.Context, userID int64, limit int) ([]Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Purchase
	for i := len(m.sales) - 1; i >= 0 && len(out) < limit; i-- {
		if m.sales[i].UserID == userID {
			out = append(out, m.sales[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) SalesSummary(_ context.Context, since time.Time) (SalesSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum SalesSummary
	for _, p := range m.sales {
		if !p.PurchasedAt.Before(since) {
			sum.Count++
			sum.Total = sum.Total.Add(p.PricePaid)
		}
	}
	return sum, nil
}

func (m *MemoryStore) InventorySummary(_ context.Context) ([]InventoryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type key struct {
		city, district, ptype, size string
		price                       money.Amount
	}
	rows := map[key]*InventoryRow{}
	for _, p := range m.products {
		k := key{p.City, p.District, p.ProductType, p.Size, p.Price}
		r, ok := rows[k]
		if !ok {
			r = &InventoryRow{City: p.City, District: p.District, ProductType: p.ProductType, Size: p.Size, Price: p.Price}
			rows[k] = r
		}
		r.Available += p.Available
		r.Reserved += p.Reserved
	}
	out := make([]InventoryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.City != b.City {
			return a.City < b.City
		}
		if a.District != b.District {
			return a.District < b.District
		}
		if a.ProductType != b.ProductType {
			return a.ProductType < b.ProductType
		}
		return a.Size < b.Size
	})
	return out, nil
}

func (m *MemoryStore) AppendAdminLog(_ context.Context, entry AdminLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.appendAudit(entry.ActorID, entry.Action, entry.Details, entry.CreatedAt)
	return nil
}

func (m *MemoryStore) AdminLog(_ context.Context, limit int) ([]AdminLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []AdminLogEntry
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *MemoryStore) Setting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings[key] = value
	return nil
}

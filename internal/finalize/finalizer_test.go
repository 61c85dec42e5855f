package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
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

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

const buyerID int64 = 7000

type fakePrices struct {
	price decimal.Decimal
	err   error
}

func (f *fakePrices) PriceEUR(context.Context, string) (pricing.Quote, error) {
	if f.err != nil {
		return pricing.Quote{}, f.err
	}
	return pricing.Quote{Price: f.price, Source: "fake", FetchedAt: testNow}, nil
}

type deliveredCall struct {
	dep    storage.PendingDeposit
	lang   string
	result storage.SettleResult
}

type fakeCourier struct {
	mu         sync.Mutex
	deliveries []deliveredCall
	notices    []string
	report     botfleet.Report
	deliverErr error
	notifyErr  error
}

func (f *fakeCourier) DeliverPurchase(_ context.Context, dep storage.PendingDeposit, lang string, result storage.SettleResult) (botfleet.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, deliveredCall{dep: dep, lang: lang, result: result})
	return f.report, f.deliverErr
}

func (f *fakeCourier) NotifyUser(_ context.Context, _, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return f.notifyErr
}

func (f *fakeCourier) deliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

func (f *fakeCourier) noticeContaining(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notices {
		if strings.Contains(n, sub) {
			return true
		}
	}
	return false
}

type fakeAlerts struct {
	mu        sync.Mutex
	criticals []string
	warns     []string
}

func (f *fakeAlerts) Critical(_ context.Context, format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.criticals = append(f.criticals, fmt.Sprintf(format, args...))
}

func (f *fakeAlerts) Warn(_ context.Context, format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warns = append(f.warns, fmt.Sprintf(format, args...))
}

func (f *fakeAlerts) criticalContaining(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.criticals {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

func (f *fakeAlerts) criticalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.criticals)
}

// flakyStore fails SettlePurchase a configured number of times before
// delegating to the real store.
type flakyStore struct {
	storage.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) SettlePurchase(ctx context.Context, paymentID string, overpay money.Amount, reason string, now time.Time) (storage.SettleResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return storage.SettleResult{}, errors.New("database is locked")
	}
	return s.Store.SettlePurchase(ctx, paymentID, overpay, reason, now)
}

func (s *flakyStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *flakyStore) setFailures(n int) {
	s.mu.Lock()
	s.failures = n
	s.calls = 0
	s.mu.Unlock()
}

type fixture struct {
	fin     *Finalizer
	store   storage.Store
	courier *fakeCourier
	alerts  *fakeAlerts
	prices  *fakePrices
	sleeps  []time.Duration
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	fx := &fixture{
		store:   store,
		courier: &fakeCourier{},
		alerts:  &fakeAlerts{},
		prices:  &fakePrices{price: decimal.NewFromInt(125)},
	}
	fx.fin = New(store, fx.prices, fx.courier, fx.alerts, i18n.New(),
		metrics.New(prometheus.NewRegistry()), zerolog.Nop(), 15*time.Minute)
	fx.fin.clock = func() time.Time { return testNow }
	fx.fin.sleep = func(_ context.Context, d time.Duration) error {
		fx.sleeps = append(fx.sleeps, d)
		return nil
	}
	return fx
}

// seedPurchase creates a buyer, one product, a reservation, and an open
// purchase deposit over it, mirroring what checkout produces.
func (fx *fixture) seedPurchase(t *testing.T, paymentID, priceEUR string, reservedAt, createdAt time.Time) storage.PendingDeposit {
	t.Helper()
	ctx := context.Background()

	if _, err := fx.store.EnsureUser(ctx, buyerID, "en", testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	price := money.MustParse(priceEUR)
	productID, err := fx.store.CreateProduct(ctx, storage.Product{
		City: "berlin", District: "mitte", ProductType: "widget", Size: "2g",
		Price: price, Available: 1, Details: "third bench from the gate",
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	entry, _, err := fx.store.ReserveUnit(ctx, buyerID, storage.ProductSelector{
		City: "berlin", District: "mitte", ProductType: "widget", Size: "2g",
	}, reservedAt)
	if err != nil {
		t.Fatalf("reserve unit: %v", err)
	}

	dep := storage.PendingDeposit{
		PaymentID:      paymentID,
		UserID:         buyerID,
		Currency:       "sol",
		TargetEUR:      price,
		ExpectedCrypto: decimal.RequireFromString("0.08"),
		PayAddress:     "So1anaPayAddr",
		IsPurchase:     true,
		BotID:          101,
		CreatedAt:      createdAt,
		Items: []storage.DepositItem{{
			ProductID: productID, ProductType: "widget", Size: "2g",
			City: "berlin", District: "mitte", Details: "third bench from the gate",
			Price: price, ReservedAt: reservedAt,
		}},
	}
	if err := fx.store.CreateDeposit(ctx, dep, []int64{entry.ID}); err != nil {
		t.Fatalf("create deposit: %v", err)
	}
	loaded, err := fx.store.DepositByID(ctx, paymentID)
	if err != nil {
		t.Fatalf("load deposit: %v", err)
	}
	return loaded
}

func (fx *fixture) seedRefill(t *testing.T, paymentID, targetEUR string) {
	t.Helper()
	ctx := context.Background()
	if _, err := fx.store.EnsureUser(ctx, buyerID, "en", testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	dep := storage.PendingDeposit{
		PaymentID:      paymentID,
		UserID:         buyerID,
		Currency:       "sol",
		TargetEUR:      money.MustParse(targetEUR),
		ExpectedCrypto: decimal.RequireFromString("0.2"),
		PayAddress:     "So1anaPayAddr",
		IsPurchase:     false,
		BotID:          101,
		CreatedAt:      testNow.Add(-5 * time.Minute),
	}
	if err := fx.store.CreateDeposit(ctx, dep, nil); err != nil {
		t.Fatalf("create refill deposit: %v", err)
	}
}

func (fx *fixture) balance(t *testing.T) money.Amount {
	t.Helper()
	u, err := fx.store.UserByID(context.Background(), buyerID)
	if err != nil {
		t.Fatalf("load user: %v", err)
	}
	return u.Balance
}

func (fx *fixture) depositGone(t *testing.T, paymentID string) {
	t.Helper()
	_, err := fx.store.DepositByID(context.Background(), paymentID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("deposit %s should be consumed, got err %v", paymentID, err)
	}
}

func finishedEvent(paymentID, actuallyPaid, outcomeEUR string) gateway.Event {
	ev := gateway.Event{
		Kind:         gateway.EventFinished,
		PaymentID:    paymentID,
		PayCurrency:  "sol",
		ActuallyPaid: decimal.RequireFromString(actuallyPaid),
	}
	if outcomeEUR != "" {
		amt := money.MustParse(outcomeEUR)
		ev.OutcomeEUR = &amt
	}
	return ev
}

func TestFinishedPaymentDeliversPurchase(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	fx.depositGone(t, "pay-1")
	if got := fx.courier.deliveryCount(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	call := fx.courier.deliveries[0]
	if call.lang != "en" {
		t.Errorf("delivery lang = %q, want en", call.lang)
	}
	if len(call.result.Delivered) != 1 || len(call.result.Unavailable) != 0 {
		t.Errorf("delivered %d unavailable %d, want 1/0",
			len(call.result.Delivered), len(call.result.Unavailable))
	}

	p, err := fx.store.ProductByID(ctx, dep.Items[0].ProductID)
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if p.Available != 0 || p.Reserved != 0 {
		t.Errorf("stock after settle = available %d reserved %d, want 0/0", p.Available, p.Reserved)
	}

	purchases, err := fx.store.PurchasesByUser(ctx, buyerID, 10)
	if err != nil {
		t.Fatalf("purchases: %v", err)
	}
	if len(purchases) != 1 {
		t.Fatalf("purchases = %d, want 1", len(purchases))
	}
	if purchases[0].PricePaid != money.MustParse("10.00") || purchases[0].BotID != 101 {
		t.Errorf("purchase = %+v", purchases[0])
	}
	if bal := fx.balance(t); !bal.IsZero() {
		t.Errorf("balance = %s, want 0.00", bal)
	}
	if fx.alerts.criticalCount() != 0 {
		t.Errorf("unexpected critical alerts: %v", fx.alerts.criticals)
	}
}

func TestOverpaymentCreditsDifference(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.09", "11.23")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	if bal := fx.balance(t); bal != money.MustParse("1.23") {
		t.Fatalf("balance = %s, want 1.23", bal)
	}
	hist, err := fx.store.BalanceHistory(ctx, buyerID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Reason != "overpayment credit pay-1" {
		t.Errorf("ledger = %+v, want one overpayment credit entry", hist)
	}
	if fx.courier.deliveryCount() != 1 {
		t.Errorf("deliveries = %d, want 1", fx.courier.deliveryCount())
	}
	if !fx.courier.noticeContaining("1.23") {
		t.Errorf("no overpayment notice sent, notices = %v", fx.courier.notices)
	}
}

func TestUnderpaymentRefundsAndReleases(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.056", "7.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	fx.depositGone(t, "pay-1")
	if fx.courier.deliveryCount() != 0 {
		t.Fatalf("underpayment must not deliver, got %d deliveries", fx.courier.deliveryCount())
	}
	if bal := fx.balance(t); bal != money.MustParse("7.00") {
		t.Errorf("balance = %s, want 7.00", bal)
	}
	hist, _ := fx.store.BalanceHistory(ctx, buyerID, 10)
	if len(hist) != 1 || hist[0].Reason != "underpayment refund pay-1" {
		t.Errorf("ledger = %+v, want one underpayment refund entry", hist)
	}

	p, err := fx.store.ProductByID(ctx, dep.Items[0].ProductID)
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if p.Available != 1 || p.Reserved != 0 {
		t.Errorf("stock = available %d reserved %d, want unit freed (1/0)", p.Available, p.Reserved)
	}
	if !fx.courier.noticeContaining("did not cover") {
		t.Errorf("no underpayment notice, notices = %v", fx.courier.notices)
	}
}

func TestAcceptanceTolerance(t *testing.T) {
	cases := []struct {
		name     string
		actual   string
		expected string
		paid     string
		target   string
		want     bool
	}{
		{"exact", "0.08", "0.08", "10.00", "10.00", true},
		{"overpaid", "0.09", "0.08", "11.23", "10.00", true},
		{"full crypto low eur outcome", "0.08", "0.08", "9.00", "10.00", true},
		{"crypto ratio boundary", "0.0784", "0.08", "9.00", "10.00", true},
		{"below ratio above gap", "0.07", "0.08", "8.75", "10.00", false},
		{"below ratio within gap", "0.05", "0.08", "9.60", "10.00", true},
		{"gap boundary", "0.05", "0.08", "9.50", "10.00", true},
		{"below both", "0.05", "0.08", "9.49", "10.00", false},
		{"zero expected falls to gap", "0.08", "0", "9.80", "10.00", true},
		{"far short", "0.056", "0.08", "7.00", "10.00", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := accepted(
				decimal.RequireFromString(tc.actual),
				decimal.RequireFromString(tc.expected),
				money.MustParse(tc.paid), money.MustParse(tc.target))
			if got != tc.want {
				t.Errorf("accepted(%s/%s, %s/%s) = %v, want %v",
					tc.actual, tc.expected, tc.paid, tc.target, got, tc.want)
			}
		})
	}
}

func TestFullCryptoPaymentSurvivesRateDrift(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	// The buyer sent every lamport quoted, but the gateway values the
	// payment below the EUR target after a rate move.
	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "9.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	fx.depositGone(t, "pay-1")
	if got := fx.courier.deliveryCount(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	if bal := fx.balance(t); !bal.IsZero() {
		t.Errorf("balance = %s, want 0.00", bal)
	}
	hist, _ := fx.store.BalanceHistory(ctx, buyerID, 10)
	if len(hist) != 0 {
		t.Errorf("ledger = %+v, want no refund entries", hist)
	}
}

func TestDuplicateEventSettlesOnce(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()
	ev := finishedEvent("pay-1", "0.08", "10.00")

	if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate event must be absorbed, got %v", err)
	}

	if fx.courier.deliveryCount() != 1 {
		t.Errorf("deliveries = %d, want exactly 1", fx.courier.deliveryCount())
	}
	purchases, _ := fx.store.PurchasesByUser(ctx, buyerID, 10)
	if len(purchases) != 1 {
		t.Errorf("purchases = %d, want exactly 1", len(purchases))
	}
}

func TestZeroPaidEventKeepsDeposit(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0", "")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("deposit must survive a zero-paid event: %v", err)
	}
	if fx.courier.deliveryCount() != 0 {
		t.Errorf("deliveries = %d, want 0", fx.courier.deliveryCount())
	}
}

func TestCurrencyMismatchDiscardsDeposit(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	ev := finishedEvent("pay-1", "0.001", "10.00")
	ev.PayCurrency = "btc"
	err := fx.fin.OnPaymentEvent(ctx, ev)
	if !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("err = %v, want ErrCurrencyMismatch", err)
	}

	fx.depositGone(t, "pay-1")
	if fx.courier.deliveryCount() != 0 {
		t.Errorf("mismatch must not deliver")
	}
	p, _ := fx.store.ProductByID(ctx, dep.Items[0].ProductID)
	if p.Available != 1 || p.Reserved != 0 {
		t.Errorf("stock = available %d reserved %d, want unit freed (1/0)", p.Available, p.Reserved)
	}
	if !fx.alerts.criticalContaining("btc") {
		t.Errorf("no mismatch alert, criticals = %v", fx.alerts.criticals)
	}
}

func TestValuationFallsBackToOracle(t *testing.T) {
	fx := newFixture(t, nil)
	fx.prices.price = decimal.NewFromInt(125)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	// 0.08 sol at 125 EUR/sol values the payment at exactly 10.00.
	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	fx.depositGone(t, "pay-1")
	if fx.courier.deliveryCount() != 1 {
		t.Fatalf("deliveries = %d, want 1", fx.courier.deliveryCount())
	}
	if bal := fx.balance(t); !bal.IsZero() {
		t.Errorf("balance = %s, want no overpay credit", bal)
	}
}

func TestValuationFallsBackToProportional(t *testing.T) {
	fx := newFixture(t, nil)
	fx.prices.err = pricing.ErrUnavailable
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	// 0.09 paid against 0.08 expected scales the 10.00 target to 11.25.
	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.09", "")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if bal := fx.balance(t); bal != money.MustParse("1.25") {
		t.Errorf("balance = %s, want proportional overpay 1.25", bal)
	}
}

func TestUnpriceableEventLeavesDepositForRecovery(t *testing.T) {
	fx := newFixture(t, nil)
	fx.prices.err = pricing.ErrUnavailable
	ctx := context.Background()

	if _, err := fx.store.EnsureUser(ctx, buyerID, "en", testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	dep := storage.PendingDeposit{
		PaymentID: "pay-1", UserID: buyerID, Currency: "sol",
		TargetEUR: money.MustParse("10.00"), ExpectedCrypto: decimal.Zero,
		PayAddress: "addr", IsPurchase: true, BotID: 101,
		CreatedAt: testNow.Add(-5 * time.Minute),
	}
	if err := fx.store.CreateDeposit(ctx, dep, nil); err != nil {
		t.Fatalf("create deposit: %v", err)
	}

	err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", ""))
	if err == nil {
		t.Fatal("unpriceable event must error so the gateway retries")
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("deposit must stay for manual recovery: %v", err)
	}
	if !fx.alerts.criticalContaining("pay-1") {
		t.Errorf("no valuation alert, criticals = %v", fx.alerts.criticals)
	}
}

func TestRefillCreditsBalance(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedRefill(t, "pay-r", "25.00")
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-r", "0.2", "25.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	fx.depositGone(t, "pay-r")
	if bal := fx.balance(t); bal != money.MustParse("25.00") {
		t.Fatalf("balance = %s, want 25.00", bal)
	}
	hist, _ := fx.store.BalanceHistory(ctx, buyerID, 10)
	if len(hist) != 1 || hist[0].Reason != "balance refill pay-r" {
		t.Errorf("ledger = %+v, want one refill entry", hist)
	}
	if fx.courier.deliveryCount() != 0 {
		t.Errorf("refill must not dispatch a delivery")
	}
	if !fx.courier.noticeContaining("25.00") {
		t.Errorf("no refill notice, notices = %v", fx.courier.notices)
	}
}

func TestRefillIgnoresPurchaseTolerance(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedRefill(t, "pay-r", "25.00")
	ctx := context.Background()

	// A refill credits whatever arrived, even far below the intent.
	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-r", "0.02", "2.50")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if bal := fx.balance(t); bal != money.MustParse("2.50") {
		t.Errorf("balance = %s, want 2.50", bal)
	}
}

func TestExpiredEventRestoresRecentItemsToBasket(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	ev := gateway.Event{Kind: gateway.EventExpired, PaymentID: "pay-1", PayCurrency: "sol"}
	if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	fx.depositGone(t, "pay-1")
	entries, err := fx.store.BasketEntries(ctx, buyerID)
	if err != nil {
		t.Fatalf("basket: %v", err)
	}
	if len(entries) != 1 || entries[0].ProductID != dep.Items[0].ProductID {
		t.Fatalf("basket = %+v, want the reserved item restored", entries)
	}
	p, _ := fx.store.ProductByID(ctx, dep.Items[0].ProductID)
	if p.Reserved != 1 {
		t.Errorf("reserved = %d, restored item must keep its hold", p.Reserved)
	}
	if !fx.courier.noticeContaining("expired") {
		t.Errorf("no expiry notice, notices = %v", fx.courier.notices)
	}
}

func TestExpiredEventReleasesStaleItems(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-30*time.Minute), testNow.Add(-30*time.Minute))
	ctx := context.Background()

	ev := gateway.Event{Kind: gateway.EventFailed, PaymentID: "pay-1", PayCurrency: "sol"}
	if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	entries, _ := fx.store.BasketEntries(ctx, buyerID)
	if len(entries) != 0 {
		t.Fatalf("basket = %+v, want stale item released not restored", entries)
	}
	p, _ := fx.store.ProductByID(ctx, dep.Items[0].ProductID)
	if p.Available != 1 || p.Reserved != 0 {
		t.Errorf("stock = available %d reserved %d, want unit freed (1/0)", p.Available, p.Reserved)
	}
}

func TestReleaseOfUnknownPaymentIsAbsorbed(t *testing.T) {
	fx := newFixture(t, nil)
	ev := gateway.Event{Kind: gateway.EventExpired, PaymentID: "never-seen"}
	if err := fx.fin.OnPaymentEvent(context.Background(), ev); err != nil {
		t.Fatalf("unknown release must ack, got %v", err)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore(), failures: 2}
	fx := newFixture(t, flaky)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	if got := flaky.callCount(); got != 3 {
		t.Errorf("settle attempts = %d, want 3", got)
	}
	want := []time.Duration{5 * time.Second, 15 * time.Second}
	if len(fx.sleeps) != len(want) || fx.sleeps[0] != want[0] || fx.sleeps[1] != want[1] {
		t.Errorf("backoffs = %v, want %v", fx.sleeps, want)
	}
	if fx.courier.deliveryCount() != 1 {
		t.Errorf("deliveries = %d, want 1", fx.courier.deliveryCount())
	}
	if fx.alerts.criticalCount() != 0 {
		t.Errorf("transient failures must not alert, got %v", fx.alerts.criticals)
	}
}

func TestRetryExhaustionAlertsAndKeepsDeposit(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore(), failures: 100}
	fx := newFixture(t, flaky)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("exhaustion must still ack the event, got %v", err)
	}

	if got := flaky.callCount(); got != 4 {
		t.Errorf("settle attempts = %d, want initial plus 3 retries", got)
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("deposit must stay for manual recovery: %v", err)
	}
	if !fx.alerts.criticalContaining("manual recovery") {
		t.Errorf("no exhaustion alert, criticals = %v", fx.alerts.criticals)
	}
	if fx.courier.deliveryCount() != 0 {
		t.Errorf("nothing may be delivered after exhaustion")
	}
}

func TestSplitChildEventIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	ev := finishedEvent("pay-1", "0.08", "10.00")
	ev.ParentID = "pay-parent"
	if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("split child must not touch the deposit: %v", err)
	}
}

func TestInformationalEventIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	for _, kind := range []gateway.EventKind{gateway.EventWaiting, gateway.EventConfirming, gateway.EventSending, gateway.EventUnknown} {
		ev := gateway.Event{Kind: kind, PaymentID: "pay-1", PayCurrency: "sol"}
		if err := fx.fin.OnPaymentEvent(ctx, ev); err != nil {
			t.Fatalf("kind %s: %v", kind, err)
		}
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("informational events must not consume the deposit: %v", err)
	}
}

func TestVanishedItemCreditsBuyer(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	// The product disappears between checkout and settlement.
	if err := fx.store.DeleteProduct(ctx, dep.Items[0].ProductID); err != nil {
		t.Fatalf("delete product: %v", err)
	}

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	if bal := fx.balance(t); bal != money.MustParse("10.00") {
		t.Errorf("balance = %s, want the vanished item refunded", bal)
	}
	hist, _ := fx.store.BalanceHistory(ctx, buyerID, 10)
	if len(hist) != 1 || hist[0].Reason != "undelivered item refund pay-1" {
		t.Errorf("ledger = %+v, want one undelivered item refund", hist)
	}
	if !fx.alerts.criticalContaining("vanished") {
		t.Errorf("no vanished-item alert, criticals = %v", fx.alerts.criticals)
	}
	if fx.courier.deliveryCount() != 1 {
		t.Errorf("delivery must still dispatch the credit notices")
	}
	call := fx.courier.deliveries[0]
	if len(call.result.Unavailable) != 1 || len(call.result.Delivered) != 0 {
		t.Errorf("result = %d delivered %d unavailable, want 0/1",
			len(call.result.Delivered), len(call.result.Unavailable))
	}
}

func TestMissingMediaAlertsAdmins(t *testing.T) {
	fx := newFixture(t, nil)
	fx.courier.report = botfleet.Report{Sent: 1, MissingMedia: []int64{42}}
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))

	if err := fx.fin.OnPaymentEvent(context.Background(), finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if !fx.alerts.criticalContaining("media") {
		t.Errorf("no missing-media alert, criticals = %v", fx.alerts.criticals)
	}
}

func TestDeliveryDispatchFailureAlertsButKeepsPurchase(t *testing.T) {
	fx := newFixture(t, nil)
	fx.courier.deliverErr = botfleet.ErrNoTransport
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}

	purchases, _ := fx.store.PurchasesByUser(ctx, buyerID, 10)
	if len(purchases) != 1 {
		t.Fatalf("purchase must stay committed, got %d", len(purchases))
	}
	if !fx.alerts.criticalContaining("dispatch") {
		t.Errorf("no dispatch alert, criticals = %v", fx.alerts.criticals)
	}
}

func TestExpireStaleSweepsOldDeposits(t *testing.T) {
	fx := newFixture(t, nil)
	fx.seedPurchase(t, "pay-old", "10.00", testNow.Add(-2*time.Hour), testNow.Add(-2*time.Hour))
	fx.seedPurchase(t, "pay-new", "10.00", testNow.Add(-10*time.Minute), testNow.Add(-10*time.Minute))
	ctx := context.Background()

	expired, err := fx.fin.ExpireStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}
	fx.depositGone(t, "pay-old")
	if _, err := fx.store.DepositByID(ctx, "pay-new"); err != nil {
		t.Fatalf("young deposit must survive the sweep: %v", err)
	}
}

func TestManualRecoverSettlesStuckDeposit(t *testing.T) {
	flaky := &flakyStore{Store: storage.NewMemoryStore(), failures: 100}
	fx := newFixture(t, flaky)
	fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.OnPaymentEvent(ctx, finishedEvent("pay-1", "0.08", "10.00")); err != nil {
		t.Fatalf("OnPaymentEvent: %v", err)
	}
	if _, err := fx.store.DepositByID(ctx, "pay-1"); err != nil {
		t.Fatalf("deposit should be stuck: %v", err)
	}

	flaky.setFailures(0)
	result, err := fx.fin.ManualRecover(ctx, 900, "pay-1")
	if err != nil {
		t.Fatalf("ManualRecover: %v", err)
	}
	if len(result.Delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", len(result.Delivered))
	}
	fx.depositGone(t, "pay-1")
	if fx.courier.deliveryCount() != 1 {
		t.Errorf("deliveries = %d, want 1", fx.courier.deliveryCount())
	}

	log, err := fx.store.AdminLog(ctx, 10)
	if err != nil {
		t.Fatalf("admin log: %v", err)
	}
	found := false
	for _, e := range log {
		if e.Action == "manual_recover" && e.ActorID == 900 {
			found = true
		}
	}
	if !found {
		t.Errorf("no manual_recover audit entry, log = %+v", log)
	}
}

func TestManualRecoverUnknownPayment(t *testing.T) {
	fx := newFixture(t, nil)
	if _, err := fx.fin.ManualRecover(context.Background(), 900, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestManualReleaseRestoresBasket(t *testing.T) {
	fx := newFixture(t, nil)
	dep := fx.seedPurchase(t, "pay-1", "10.00", testNow.Add(-5*time.Minute), testNow.Add(-5*time.Minute))
	ctx := context.Background()

	if err := fx.fin.ManualRelease(ctx, 900, "pay-1"); err != nil {
		t.Fatalf("ManualRelease: %v", err)
	}

	fx.depositGone(t, "pay-1")
	entries, _ := fx.store.BasketEntries(ctx, buyerID)
	if len(entries) != 1 || entries[0].ProductID != dep.Items[0].ProductID {
		t.Fatalf("basket = %+v, want the item back", entries)
	}

	log, _ := fx.store.AdminLog(ctx, 10)
	found := false
	for _, e := range log {
		if e.Action == "manual_release" && e.ActorID == 900 {
			found = true
		}
	}
	if !found {
		t.Errorf("no manual_release audit entry, log = %+v", log)
	}
}

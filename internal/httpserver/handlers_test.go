package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/botfleet"
	"github.com/dropline/server/internal/catalog"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/discount"
	apierrors "github.com/dropline/server/internal/errors"
	"github.com/dropline/server/internal/finalize"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/media"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/reserve"
	"github.com/dropline/server/internal/shop"
	"github.com/dropline/server/internal/storage"
)

const (
	testIPNSecret = "ipn-test-secret"
	testAdminKey  = "k-support-1"
	testBotToken  = "101:AAtesttoken"
)

// fakeFinalizer records settlement calls and answers with injected
// results.
type fakeFinalizer struct {
	mu        sync.Mutex
	events    []gateway.Event
	settleErr error

	recoverResult storage.SettleResult
	recoverErr    error
	releaseErr    error
	recovered     []string
	released      []string
}

func (f *fakeFinalizer) OnPaymentEvent(_ context.Context, ev gateway.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeFinalizer) ManualRecover(_ context.Context, _ int64, paymentID string) (storage.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recoverErr != nil {
		return storage.SettleResult{}, f.recoverErr
	}
	f.recovered = append(f.recovered, paymentID)
	return f.recoverResult, nil
}

func (f *fakeFinalizer) ManualRelease(_ context.Context, _ int64, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.released = append(f.released, paymentID)
	return nil
}

func (f *fakeFinalizer) lastEvent(t *testing.T) gateway.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		t.Fatal("finalizer saw no events")
	}
	return f.events[len(f.events)-1]
}

func (f *fakeFinalizer) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// fakeTransport is a minimal bot identity whose webhook handler counts
// hits.
type fakeTransport struct {
	id       int64
	username string
	token    string

	mu   sync.Mutex
	hits int
}

func (f *fakeTransport) BotID() int64                                  { return f.id }
func (f *fakeTransport) Username() string                              { return f.username }
func (f *fakeTransport) Token() string                                 { return f.token }
func (f *fakeTransport) Probe(context.Context) error                   { return nil }
func (f *fakeTransport) SendText(context.Context, int64, string) error { return nil }
func (f *fakeTransport) InstallWebhook(context.Context) error          { return nil }
func (f *fakeTransport) Start()                                        {}
func (f *fakeTransport) Stop(context.Context) error                    { return nil }

func (f *fakeTransport) SendMediaGroup(context.Context, int64, string, []botfleet.MediaItem) error {
	return nil
}

func (f *fakeTransport) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.hits++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
}

func (f *fakeTransport) hitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

type nopGateway struct{}

func (nopGateway) CreatePayment(context.Context, gateway.CreatePaymentRequest) (gateway.PaymentIntent, error) {
	return gateway.PaymentIntent{}, nil
}

type harness struct {
	srv   *Server
	fin   *fakeFinalizer
	bot   *fakeTransport
	store *storage.MemoryStore
}

func newHarness(t *testing.T, mods ...func(*config.Config)) *harness {
	t.Helper()

	store := storage.NewMemoryStore()
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	log := zerolog.Nop()

	ms, err := media.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	shopSvc := shop.New(shop.Deps{
		Store:    store,
		Catalog:  catalog.New(store, time.Minute, log),
		Reserve:  reserve.NewEngine(store, m, 15*time.Minute, log),
		Discount: discount.NewResolver(store, m, log),
		Gateway:  nopGateway{},
		Media:    ms,
		Metrics:  m,
		Logger:   log,
	}, "sol")

	cfg := &config.Config{}
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Gateway.IPNSecret = testIPNSecret
	cfg.Gateway.PayCurrency = "sol"
	cfg.AdminAPI = config.AdminAPIConfig{
		Enabled: true,
		Keys:    map[string]string{testAdminKey: "support"},
	}
	for _, mod := range mods {
		mod(cfg)
	}

	fin := &fakeFinalizer{}
	bot := &fakeTransport{id: 101, username: "dropline_bot", token: testBotToken}
	registry := botfleet.NewRegistry()
	registry.Register(bot)

	srv := New(Deps{
		Cfg:       cfg,
		Shop:      shopSvc,
		Finalizer: fin,
		Registry:  registry,
		Metrics:   m,
		Gatherer:  promReg,
		Logger:    log,
	})
	srv.SetReady(true)

	return &harness{srv: srv, fin: fin, bot: bot, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rec)
	detail, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error object: %q", rec.Body.String())
	}
	code, _ := detail["code"].(string)
	return code
}

func signIPN(t *testing.T, body []byte) map[string]string {
	t.Helper()
	sig, err := gateway.SignIPN(body, testIPNSecret)
	if err != nil {
		t.Fatalf("SignIPN: %v", err)
	}
	return map[string]string{
		gateway.SignatureHeader: sig,
		"Content-Type":          "application/json",
	}
}

func adminHeader() map[string]string {
	return map[string]string{"X-API-Key": testAdminKey}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
	if body := decodeJSON(t, rec); body["status"] != "ok" {
		t.Errorf("healthz status field = %v", body["status"])
	}
}

func TestReadyzReflectsBootState(t *testing.T) {
	h := newHarness(t)
	h.srv.SetReady(false)

	rec := h.do(t, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while booting = %d, want 503", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeNotReady) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeNotReady)
	}

	h.srv.SetReady(true)
	rec = h.do(t, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after boot = %d, want 200", rec.Code)
	}
	if body := decodeJSON(t, rec); body["bots"] != float64(1) {
		t.Errorf("bots = %v, want 1", body["bots"])
	}
}

func TestWebhookRejectsWhileBooting(t *testing.T) {
	h := newHarness(t)
	h.srv.SetReady(false)

	body := []byte(`{"payment_id":"pay-1","payment_status":"finished"}`)
	rec := h.do(t, http.MethodPost, "/webhook", body, signIPN(t, body))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeNotReady) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeNotReady)
	}
	if h.fin.eventCount() != 0 {
		t.Errorf("finalizer saw %d events before boot finished", h.fin.eventCount())
	}
}

func TestWebhookOversizeBody(t *testing.T) {
	h := newHarness(t)

	big := bytes.Repeat([]byte("a"), 11<<10)
	rec := h.do(t, http.MethodPost, "/webhook", big, map[string]string{gateway.SignatureHeader: "00"})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodePayloadTooLarge) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodePayloadTooLarge)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"payment_id":"pay-2","payment_status":"finished"}`)

	wrongSig, err := gateway.SignIPN(body, "another-secret")
	if err != nil {
		t.Fatalf("SignIPN: %v", err)
	}

	tests := []struct {
		name   string
		header map[string]string
	}{
		{"missing header", nil},
		{"wrong secret", map[string]string{gateway.SignatureHeader: wrongSig}},
		{"not hex", map[string]string{gateway.SignatureHeader: "zzzz"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/webhook", body, tc.header)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := errorCode(t, rec); code != string(apierrors.ErrCodeInvalidSignature) {
				t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeInvalidSignature)
			}
		})
	}
	if h.fin.eventCount() != 0 {
		t.Errorf("finalizer saw %d events from rejected posts", h.fin.eventCount())
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	h := newHarness(t)

	missingID := []byte(`{"payment_status":"finished"}`)
	tests := []struct {
		name   string
		body   []byte
		header map[string]string
	}{
		{"missing payment_id", missingID, signIPN(t, missingID)},
		{"not json", []byte("definitely not json"), map[string]string{gateway.SignatureHeader: "deadbeef"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/webhook", tc.body, tc.header)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if code := errorCode(t, rec); code != string(apierrors.ErrCodeInvalidPayload) {
				t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeInvalidPayload)
			}
		})
	}
}

func TestWebhookSettlesEvent(t *testing.T) {
	h := newHarness(t)

	body := []byte(`{
		"payment_id": "pay-7781",
		"payment_status": "finished",
		"order_id": "purchase:42",
		"pay_currency": "SOL",
		"pay_amount": 1.25,
		"actually_paid": 1.25,
		"outcome_amount": 118.4,
		"outcome_currency": "EUR"
	}`)
	rec := h.do(t, http.MethodPost, "/webhook", body, signIPN(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeJSON(t, rec); resp["status"] != "ok" {
		t.Errorf("response status = %v", resp["status"])
	}

	ev := h.fin.lastEvent(t)
	if ev.PaymentID != "pay-7781" {
		t.Errorf("PaymentID = %q", ev.PaymentID)
	}
	if ev.Kind != gateway.EventFinished {
		t.Errorf("Kind = %q, want finished", ev.Kind)
	}
	if ev.PayCurrency != "sol" {
		t.Errorf("PayCurrency = %q, want sol", ev.PayCurrency)
	}
	if !ev.ActuallyPaid.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("ActuallyPaid = %s, want 1.25", ev.ActuallyPaid)
	}
	if ev.OutcomeEUR == nil || ev.OutcomeEUR.String() != "118.40" {
		t.Errorf("OutcomeEUR = %v, want 118.40", ev.OutcomeEUR)
	}
}

func TestWebhookCurrencyMismatch(t *testing.T) {
	h := newHarness(t)
	h.fin.settleErr = fmt.Errorf("settle pay-3: %w", finalize.ErrCurrencyMismatch)

	body := []byte(`{"payment_id":"pay-3","payment_status":"finished","pay_currency":"btc"}`)
	rec := h.do(t, http.MethodPost, "/webhook", body, signIPN(t, body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeCurrencyMismatch) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeCurrencyMismatch)
	}
}

func TestWebhookSettleFailureAsksForRedelivery(t *testing.T) {
	h := newHarness(t)
	h.fin.settleErr = errors.New("storage offline")

	body := []byte(`{"payment_id":"pay-4","payment_status":"finished"}`)
	rec := h.do(t, http.MethodPost, "/webhook", body, signIPN(t, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so the gateway retries", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeInternalError) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeInternalError)
	}
}

func TestTelegramSinkUnknownToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/telegram/999:revoked", []byte(`{"update_id":1}`), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeUnknownTransport) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeUnknownTransport)
	}
	if h.bot.hitCount() != 0 {
		t.Errorf("registered bot received %d updates for a foreign token", h.bot.hitCount())
	}
}

func TestTelegramSinkRoutesToOwningBot(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/telegram/"+testBotToken, []byte(`{"update_id":7}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if h.bot.hitCount() != 1 {
		t.Errorf("bot handler hits = %d, want 1", h.bot.hitCount())
	}
}

func TestAdminRequiresKey(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"no key", nil, http.StatusUnauthorized},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"valid key", adminHeader(), http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/admin/deposits", nil, tc.header)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAdminDisabledHidesSurface(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.AdminAPI = config.AdminAPIConfig{}
	})

	rec := h.do(t, http.MethodGet, "/admin/deposits", nil, adminHeader())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when the admin API is off", rec.Code)
	}
}

func TestAdminDeposits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	refill := storage.PendingDeposit{
		PaymentID:      "pay-refill-1",
		UserID:         42,
		Currency:       "sol",
		TargetEUR:      money.FromCents(5000),
		ExpectedCrypto: decimal.RequireFromString("0.4"),
		PayAddress:     "addr-1",
		BotID:          101,
		CreatedAt:      time.Now().Add(-90 * time.Second),
	}
	if err := h.store.CreateDeposit(ctx, refill, nil); err != nil {
		t.Fatalf("CreateDeposit refill: %v", err)
	}
	purchase := storage.PendingDeposit{
		PaymentID:      "pay-buy-1",
		UserID:         43,
		Currency:       "sol",
		TargetEUR:      money.FromCents(2500),
		ExpectedCrypto: decimal.RequireFromString("0.2"),
		PayAddress:     "addr-2",
		IsPurchase:     true,
		BotID:          101,
		CreatedAt:      time.Now(),
	}
	if err := h.store.CreateDeposit(ctx, purchase, nil); err != nil {
		t.Fatalf("CreateDeposit purchase: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/admin/deposits", nil, adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", body["count"])
	}

	views, ok := body["deposits"].([]any)
	if !ok || len(views) != 2 {
		t.Fatalf("deposits = %v", body["deposits"])
	}
	byID := map[string]map[string]any{}
	for _, v := range views {
		view := v.(map[string]any)
		byID[view["payment_id"].(string)] = view
	}

	ref := byID["pay-refill-1"]
	if ref == nil {
		t.Fatal("refill deposit missing from listing")
	}
	if ref["kind"] != "refill" {
		t.Errorf("kind = %v, want refill", ref["kind"])
	}
	if ref["target_eur"] != money.FromCents(5000).String() {
		t.Errorf("target_eur = %v", ref["target_eur"])
	}
	if age, _ := ref["age_seconds"].(float64); age < 60 {
		t.Errorf("age_seconds = %v, want >= 60", ref["age_seconds"])
	}

	buy := byID["pay-buy-1"]
	if buy == nil {
		t.Fatal("purchase deposit missing from listing")
	}
	if buy["kind"] != "purchase" {
		t.Errorf("kind = %v, want purchase", buy["kind"])
	}
}

func TestAdminRecover(t *testing.T) {
	h := newHarness(t)
	h.fin.recoverResult = storage.SettleResult{
		Delivered:   []storage.DepositItem{{ProductType: "a"}, {ProductType: "b"}},
		Unavailable: []storage.DepositItem{{ProductType: "c"}},
	}

	rec := h.do(t, http.MethodPost, "/admin/deposits/pay-9/recover", nil, adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["payment_id"] != "pay-9" {
		t.Errorf("payment_id = %v", body["payment_id"])
	}
	if body["delivered"] != float64(2) || body["unavailable"] != float64(1) {
		t.Errorf("delivered/unavailable = %v/%v, want 2/1", body["delivered"], body["unavailable"])
	}
	if len(h.fin.recovered) != 1 || h.fin.recovered[0] != "pay-9" {
		t.Errorf("recovered = %v", h.fin.recovered)
	}
}

func TestAdminRecoverErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  apierrors.ErrorCode
	}{
		{"unknown deposit", fmt.Errorf("recover: %w", storage.ErrNotFound), http.StatusNotFound, apierrors.ErrCodeDepositNotFound},
		{"already settled", storage.ErrAlreadyProcessed, http.StatusConflict, apierrors.ErrCodeRecoveryFailed},
		{"storage failure", errors.New("disk full"), http.StatusInternalServerError, apierrors.ErrCodeInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.fin.recoverErr = tc.err

			rec := h.do(t, http.MethodPost, "/admin/deposits/pay-x/recover", nil, adminHeader())
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if code := errorCode(t, rec); code != string(tc.wantErr) {
				t.Errorf("error code = %q, want %q", code, tc.wantErr)
			}
		})
	}
}

func TestAdminRelease(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/admin/deposits/pay-10/release", nil, adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["status"] != "released" {
		t.Errorf("status = %v, want released", body["status"])
	}
	if len(h.fin.released) != 1 || h.fin.released[0] != "pay-10" {
		t.Errorf("released = %v", h.fin.released)
	}

	h.fin.releaseErr = storage.ErrNotFound
	rec = h.do(t, http.MethodPost, "/admin/deposits/pay-11/release", nil, adminHeader())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != string(apierrors.ErrCodeDepositNotFound) {
		t.Errorf("error code = %q, want %q", code, apierrors.ErrCodeDepositNotFound)
	}
}

func TestAdminStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.CreateProduct(ctx, storage.Product{
		City:        "berlin",
		District:    "mitte",
		ProductType: "tshirt",
		Size:        "m",
		Price:       money.FromCents(2500),
		Available:   3,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/admin/stats", nil, adminHeader())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	body := decodeJSON(t, rec)
	if body["window_days"] != float64(30) {
		t.Errorf("window_days = %v, want 30", body["window_days"])
	}
	sales, ok := body["sales"].(map[string]any)
	if !ok || sales["count"] != float64(0) {
		t.Errorf("sales = %v, want zero count", body["sales"])
	}
	inventory, ok := body["inventory"].([]any)
	if !ok || len(inventory) != 1 {
		t.Fatalf("inventory = %v, want one row", body["inventory"])
	}
	row := inventory[0].(map[string]any)
	if row["city"] != "berlin" || row["available"] != float64(3) {
		t.Errorf("inventory row = %v", row)
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS set on a plaintext request: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	h.do(t, http.MethodGet, "/healthz", nil, nil)
	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dropline_http_requests_total") {
		t.Error("scrape output lacks dropline_http_requests_total")
	}
}

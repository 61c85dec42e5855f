package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/circuitbreaker"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/storage"
)

var testNow = time.Unix(1_700_000_000, 0).UTC()

func testConfig() config.PricingConfig {
	return config.PricingConfig{
		FetchTimeout: config.Duration{Duration: 2 * time.Second},
		MemoryTTL:    config.Duration{Duration: 5 * time.Minute},
		DurableTTL:   config.Duration{Duration: 10 * time.Minute},
		StaleMax:     config.Duration{Duration: time.Hour},
	}
}

// tickerServer fakes the Binance ticker endpoint and counts hits.
func tickerServer(t *testing.T, price string, status int) (*httptest.Server, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbol":"SOLEUR","price":"` + price + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestOracle(t *testing.T, store storage.Store, providers ...Provider) *Oracle {
	t.Helper()
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
	o := NewOracle(testConfig(), providers, store, breakers, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	o.clock = func() time.Time { return testNow }
	return o
}

func TestPriceEURLiveThenMemory(t *testing.T) {
	srv, hits := tickerServer(t, "151.23", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()
	o := newTestOracle(t, s, NewBinance(srv.URL))
	ctx := context.Background()

	q, err := o.PriceEUR(ctx, "sol")
	if err != nil {
		t.Fatalf("PriceEUR() error = %v", err)
	}
	if q.Source != "binance" {
		t.Errorf("first lookup source = %q, want binance", q.Source)
	}
	if !q.Price.Equal(decimal.RequireFromString("151.23")) {
		t.Errorf("price = %s, want 151.23", q.Price)
	}

	// Warm cache: no second upstream call.
	q, err = o.PriceEUR(ctx, "sol")
	if err != nil {
		t.Fatalf("PriceEUR() second error = %v", err)
	}
	if q.Source != "binance" {
		t.Errorf("cached source = %q, want binance", q.Source)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Errorf("provider hits = %d, want 1", got)
	}
}

func TestPriceEURDurableSurvivesRestart(t *testing.T) {
	srv, hits := tickerServer(t, "99.50", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	first := newTestOracle(t, s, NewBinance(srv.URL))
	if _, err := first.PriceEUR(ctx, "sol"); err != nil {
		t.Fatalf("PriceEUR() error = %v", err)
	}

	// A fresh oracle over the same store has a cold memory cache but reads
	// the durable row without touching providers.
	second := newTestOracle(t, s, NewBinance(srv.URL))
	second.clock = func() time.Time { return testNow.Add(5 * time.Minute) }
	q, err := second.PriceEUR(ctx, "sol")
	if err != nil {
		t.Fatalf("PriceEUR() after restart error = %v", err)
	}
	if q.Source != "binance" {
		t.Errorf("source = %q, want binance (from durable row)", q.Source)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Errorf("provider hits = %d, want 1", got)
	}
}

func TestPriceEURFailsOverToNextProvider(t *testing.T) {
	dead, deadHits := tickerServer(t, "", http.StatusInternalServerError)
	live, _ := tickerServer(t, "77.00", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()

	o := newTestOracle(t, s, NewBinance(dead.URL), NewBinance(live.URL))

	q, err := o.PriceEUR(context.Background(), "sol")
	if err != nil {
		t.Fatalf("PriceEUR() error = %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("77.00")) {
		t.Errorf("price = %s, want 77.00", q.Price)
	}
	if got := atomic.LoadInt64(deadHits); got == 0 {
		t.Errorf("dead provider was never tried")
	}
}

func TestPriceEURStaleFallback(t *testing.T) {
	srv, _ := tickerServer(t, "120.00", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()
	o := newTestOracle(t, s, NewBinance(srv.URL))
	ctx := context.Background()

	if _, err := o.PriceEUR(ctx, "sol"); err != nil {
		t.Fatalf("PriceEUR() error = %v", err)
	}

	// Providers die, caches age past both TTLs but stay under the stale
	// bound: the old quote still serves.
	srv.Close()
	o.clock = func() time.Time { return testNow.Add(30 * time.Minute) }
	q, err := o.PriceEUR(ctx, "sol")
	if err != nil {
		t.Fatalf("PriceEUR() stale error = %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("120.00")) {
		t.Errorf("stale price = %s, want 120.00", q.Price)
	}

	// Past the stale bound nothing serves.
	o.clock = func() time.Time { return testNow.Add(2 * time.Hour) }
	if _, err := o.PriceEUR(ctx, "sol"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("PriceEUR() past stale bound error = %v, want ErrUnavailable", err)
	}
}

func TestPriceEURUnavailable(t *testing.T) {
	dead, _ := tickerServer(t, "", http.StatusServiceUnavailable)
	s := storage.NewMemoryStore()
	defer s.Close()
	o := newTestOracle(t, s, NewBinance(dead.URL))

	if _, err := o.PriceEUR(context.Background(), "sol"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("PriceEUR() error = %v, want ErrUnavailable", err)
	}
}

func TestFetchLiveRoundRobin(t *testing.T) {
	a, aHits := tickerServer(t, "10.00", http.StatusOK)
	b, bHits := tickerServer(t, "10.00", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()
	o := newTestOracle(t, s, NewBinance(a.URL), NewBinance(b.URL))

	for i := 0; i < 4; i++ {
		if _, err := o.fetchLive(context.Background(), "sol"); err != nil {
			t.Fatalf("fetchLive() call %d error = %v", i, err)
		}
	}
	if got, want := atomic.LoadInt64(aHits), int64(2); got != want {
		t.Errorf("provider a hits = %d, want %d", got, want)
	}
	if got, want := atomic.LoadInt64(bHits), int64(2); got != want {
		t.Errorf("provider b hits = %d, want %d", got, want)
	}
}

func TestRefreshRewritesCaches(t *testing.T) {
	srv, hits := tickerServer(t, "88.00", http.StatusOK)
	s := storage.NewMemoryStore()
	defer s.Close()
	o := newTestOracle(t, s, NewBinance(srv.URL))
	ctx := context.Background()

	if err := o.Refresh(ctx, "sol"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Fatalf("provider hits = %d, want 1", got)
	}

	// The refreshed quote serves from memory.
	q, err := o.PriceEUR(ctx, "sol")
	if err != nil {
		t.Fatalf("PriceEUR() error = %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("88.00")) {
		t.Errorf("price = %s, want 88.00", q.Price)
	}
	if got := atomic.LoadInt64(hits); got != 1 {
		t.Errorf("provider hits after cached read = %d, want 1", got)
	}

	if _, err := s.Setting(ctx, durableKey("sol")); err != nil {
		t.Errorf("durable row missing after Refresh: %v", err)
	}
}

func TestBreakerShieldsDeadProviders(t *testing.T) {
	dead, hits := tickerServer(t, "", http.StatusInternalServerError)
	s := storage.NewMemoryStore()
	defer s.Close()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		Enabled: true,
		PriceProvider: circuitbreaker.BreakerConfig{
			MaxRequests:         1,
			Timeout:             time.Minute,
			ConsecutiveFailures: 3,
		},
	})
	o := NewOracle(testConfig(), []Provider{NewBinance(dead.URL)}, s, breakers, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	o.clock = func() time.Time { return testNow }

	for i := 0; i < 10; i++ {
		o.fetchLive(context.Background(), "sol")
	}
	// The breaker opens after three consecutive failures and swallows the
	// remaining attempts without hitting the upstream.
	if got := atomic.LoadInt64(hits); got != 3 {
		t.Errorf("provider hits = %d, want 3 (breaker open afterwards)", got)
	}
}

func TestProvidersFromConfig(t *testing.T) {
	provs, err := ProvidersFromConfig([]string{"coingecko", "binance", "kraken"})
	if err != nil {
		t.Fatalf("ProvidersFromConfig() error = %v", err)
	}
	if len(provs) != 3 {
		t.Fatalf("ProvidersFromConfig() returned %d providers, want 3", len(provs))
	}
	names := []string{provs[0].Name(), provs[1].Name(), provs[2].Name()}
	want := []string{"coingecko", "binance", "kraken"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("provider %d = %q, want %q", i, names[i], want[i])
		}
	}

	if _, err := ProvidersFromConfig([]string{"randomexchange"}); err == nil {
		t.Errorf("ProvidersFromConfig(randomexchange) expected error")
	}
}

func TestKrakenParsesRenamedPair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":[],"result":{"SOLEUR":{"c":["142.75","1.0"]}}}`))
	}))
	defer srv.Close()

	price, err := NewKraken(srv.URL).FetchEUR(context.Background(), http.DefaultClient, "sol")
	if err != nil {
		t.Fatalf("FetchEUR() error = %v", err)
	}
	if !price.Equal(decimal.RequireFromString("142.75")) {
		t.Errorf("price = %s, want 142.75", price)
	}
}

func TestCoinGeckoUnknownTicker(t *testing.T) {
	if _, err := NewCoinGecko("").FetchEUR(context.Background(), http.DefaultClient, "nope"); err == nil {
		t.Fatalf("FetchEUR(nope) expected error for unmapped ticker")
	}
}

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider fetches the live EUR spot price of a crypto currency from one
// upstream. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	FetchEUR(ctx context.Context, client *http.Client, currency string) (decimal.Decimal, error)
}

// ProvidersFromConfig builds the named providers. Unknown names fail fast
// at boot rather than at the first price lookup.
func ProvidersFromConfig(names []string) ([]Provider, error) {
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "coingecko":
			out = append(out, NewCoinGecko(""))
		case "binance":
			out = append(out, NewBinance(""))
		case "kraken":
			out = append(out, NewKraken(""))
		case "":
			// tolerate stray commas in env lists
		default:
			return nil, fmt.Errorf("unknown price provider %q", name)
		}
	}
	return out, nil
}

// coinGeckoIDs maps lowercase tickers to CoinGecko asset ids.
var coinGeckoIDs = map[string]string{
	"sol":  "solana",
	"btc":  "bitcoin",
	"eth":  "ethereum",
	"ltc":  "litecoin",
	"xmr":  "monero",
	"usdt": "tether",
	"usdc": "usd-coin",
}

// CoinGecko reads EUR spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	baseURL string
}

// NewCoinGecko creates a CoinGecko provider. An empty baseURL uses the
// public API; tests point it at a local server.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	return &CoinGecko{baseURL: baseURL}
}

func (p *CoinGecko) Name() string { return "coingecko" }

func (p *CoinGecko) FetchEUR(ctx context.Context, client *http.Client, currency string) (decimal.Decimal, error) {
	id, ok := coinGeckoIDs[strings.ToLower(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: no asset id for %q", currency)
	}
	u := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=eur", p.baseURL, url.QueryEscape(id))

	var body map[string]map[string]decimal.Decimal
	if err := getJSON(ctx, client, u, &body); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: %w", err)
	}
	price, ok := body[id]["eur"]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("coingecko: no eur price for %s in response", id)
	}
	return price, nil
}

// Binance reads EUR spot prices from the Binance ticker API.
type Binance struct {
	baseURL string
}

// NewBinance creates a Binance provider. An empty baseURL uses the public
// API; tests point it at a local server.
func NewBinance(baseURL string) *Binance {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Binance{baseURL: baseURL}
}

func (p *Binance) Name() string { return "binance" }

func (p *Binance) FetchEUR(ctx context.Context, client *http.Client, currency string) (decimal.Decimal, error) {
	symbol := strings.ToUpper(currency) + "EUR"
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", p.baseURL, url.QueryEscape(symbol))

	var body struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := getJSON(ctx, client, u, &body); err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}
	if !body.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("binance: non-positive price %s for %s", body.Price, symbol)
	}
	return body.Price, nil
}

// Kraken reads EUR spot prices from the Kraken public ticker API.
type Kraken struct {
	baseURL string
}

// NewKraken creates a Kraken provider. An empty baseURL uses the public
// API; tests point it at a local server.
func NewKraken(baseURL string) *Kraken {
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &Kraken{baseURL: baseURL}
}

func (p *Kraken) Name() string { return "kraken" }

func (p *Kraken) FetchEUR(ctx context.Context, client *http.Client, currency string) (decimal.Decimal, error) {
	pair := strings.ToUpper(currency) + "EUR"
	u := fmt.Sprintf("%s/0/public/Ticker?pair=%s", p.baseURL, url.QueryEscape(pair))

	// Kraken renames pairs in its response (XXBTZEUR and friends), so take
	// whichever single entry comes back rather than matching the key.
	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			C []decimal.Decimal `json:"c"` // [last trade price, lot volume]
		} `json:"result"`
	}
	if err := getJSON(ctx, client, u, &body); err != nil {
		return decimal.Zero, fmt.Errorf("kraken: %w", err)
	}
	if len(body.Error) > 0 {
		return decimal.Zero, fmt.Errorf("kraken: %s", strings.Join(body.Error, "; "))
	}
	for _, entry := range body.Result {
		if len(entry.C) > 0 && entry.C[0].IsPositive() {
			return entry.C[0], nil
		}
	}
	return decimal.Zero, fmt.Errorf("kraken: no ticker entry for %s", pair)
}

// getJSON performs a GET and decodes the JSON body. Non-2xx responses
// become errors carrying the status code so retry classification can see
// 429s and 5xxs.
func getJSON(ctx context.Context, client *http.Client, url string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/circuitbreaker"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/httputil"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/internal/money"
)

// Client talks to the NOWPayments-compatible payment gateway: creating
// payment intents and validating the minimum payable amount. Inbound IPN
// parsing lives in ipn.go.
type Client struct {
	baseURL   string
	apiKey    string
	ipnSecret string
	ipnURL    string
	client    *http.Client
	breakers  *circuitbreaker.Manager
	logger    zerolog.Logger

	clock func() time.Time
}

// NewClient creates a gateway client. ipnURL is the public callback this
// deployment receives payment events on.
func NewClient(cfg config.GatewayConfig, ipnURL string, breakers *circuitbreaker.Manager, logger zerolog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.nowpayments.io/v1"
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		ipnSecret: cfg.IPNSecret,
		ipnURL:    ipnURL,
		client:    httputil.NewClient(cfg.RequestTimeout.Duration),
		breakers:  breakers,
		logger:    logger.With().Str("component", "gateway").Logger(),
		clock:     time.Now,
	}
}

// BelowMinimumError rejects a payment whose EUR total is under the
// gateway's minimum for the pay currency.
type BelowMinimumError struct {
	MinEUR money.Amount
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("gateway: amount below gateway minimum of %s EUR", e.MinEUR)
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message)
}

// CreatePaymentRequest describes a new payment intent.
type CreatePaymentRequest struct {
	AmountEUR   money.Amount
	PayCurrency string
	OrderID     string
	Description string
}

// PaymentIntent is an accepted payment the customer must now fund.
type PaymentIntent struct {
	PaymentID   string
	PayAddress  string
	PayAmount   decimal.Decimal
	PayCurrency string
	AmountEUR   money.Amount
	CreatedAt   time.Time
}

// CreatePayment checks the gateway minimum and registers a payment
// intent. The customer pays PayAmount of the crypto currency to
// PayAddress; settlement arrives later through the IPN callback.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentIntent, error) {
	payCurrency := strings.ToLower(req.PayCurrency)

	min, err := c.MinAmountEUR(ctx, payCurrency)
	if err != nil {
		c.logger.Warn().Err(err).Str("currency", payCurrency).Msg("gateway.min_amount_unavailable")
	} else if min.IsPositive() && req.AmountEUR < min {
		return PaymentIntent{}, &BelowMinimumError{MinEUR: min}
	}

	payload := struct {
		PriceAmount    json.Number `json:"price_amount"`
		PriceCurrency  string      `json:"price_currency"`
		PayCurrency    string      `json:"pay_currency"`
		OrderID        string      `json:"order_id"`
		OrderDesc      string      `json:"order_description,omitempty"`
		IPNCallbackURL string      `json:"ipn_callback_url,omitempty"`
	}{
		PriceAmount:    json.Number(req.AmountEUR.Decimal().StringFixed(2)),
		PriceCurrency:  "eur",
		PayCurrency:    payCurrency,
		OrderID:        req.OrderID,
		OrderDesc:      req.Description,
		IPNCallbackURL: c.ipnURL,
	}

	var resp struct {
		PaymentID     json.Number     `json:"payment_id"`
		PaymentStatus string          `json:"payment_status"`
		PayAddress    string          `json:"pay_address"`
		PayAmount     decimal.Decimal `json:"pay_amount"`
		PayCurrency   string          `json:"pay_currency"`
	}
	if err := c.do(ctx, http.MethodPost, "/payment", payload, &resp); err != nil {
		return PaymentIntent{}, err
	}
	if resp.PaymentID.String() == "" || resp.PayAddress == "" {
		return PaymentIntent{}, fmt.Errorf("gateway: create payment response missing payment_id or pay_address")
	}
	if !resp.PayAmount.IsPositive() {
		return PaymentIntent{}, fmt.Errorf("gateway: create payment returned non-positive pay_amount %s", resp.PayAmount)
	}

	intent := PaymentIntent{
		PaymentID:   resp.PaymentID.String(),
		PayAddress:  resp.PayAddress,
		PayAmount:   resp.PayAmount,
		PayCurrency: payCurrency,
		AmountEUR:   req.AmountEUR,
		CreatedAt:   c.clock(),
	}
	c.logger.Info().
		Str("payment_id", intent.PaymentID).
		Str("order_id", req.OrderID).
		Int64("amount_cents", req.AmountEUR.Cents()).
		Str("pay_currency", payCurrency).
		Str("pay_address", logger.TruncateAddress(intent.PayAddress)).
		Msg("gateway.payment_created")
	return intent, nil
}

// MinAmountEUR returns the EUR equivalent of the smallest payment the
// gateway accepts in the given crypto currency. Zero means the gateway
// did not report a fiat equivalent.
func (c *Client) MinAmountEUR(ctx context.Context, payCurrency string) (money.Amount, error) {
	path := fmt.Sprintf("/min-amount?currency_from=%s&currency_to=eur&fiat_equivalent=eur",
		url.QueryEscape(strings.ToLower(payCurrency)))

	var resp struct {
		MinAmount      decimal.Decimal `json:"min_amount"`
		FiatEquivalent decimal.Decimal `json:"fiat_equivalent"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	if !resp.FiatEquivalent.IsPositive() {
		return 0, nil
	}
	// Round the minimum up: a payment exactly at the floor of the
	// reported equivalent could still be rejected upstream.
	cents := resp.FiatEquivalent.Mul(decimal.NewFromInt(100)).Ceil().IntPart()
	return money.FromCents(cents), nil
}

// do runs one gateway call through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path string, payload, into any) error {
	_, err := c.breakers.Execute(circuitbreaker.ServiceGateway, func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode request: %w", err)
			}
			body = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-api-key", c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{Status: resp.StatusCode, Message: gatewayErrorMessage(raw)}
		}
		if into != nil {
			if err := json.Unmarshal(raw, into); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// gatewayErrorMessage pulls the human message out of a gateway error body.
func gatewayErrorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

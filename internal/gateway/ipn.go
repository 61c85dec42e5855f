package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/money"
)

// SignatureHeader carries the hex HMAC-SHA512 of the canonical IPN body.
const SignatureHeader = "x-nowpayments-sig"

var (
	// ErrInvalidSignature rejects an IPN whose signature is absent or does
	// not match the canonical body digest.
	ErrInvalidSignature = errors.New("gateway: invalid ipn signature")

	// ErrMalformedPayload rejects an IPN body that is not a JSON object or
	// lacks the required identifying fields.
	ErrMalformedPayload = errors.New("gateway: malformed ipn payload")
)

// EventKind is a normalized gateway payment status.
type EventKind string

const (
	EventWaiting       EventKind = "waiting"
	EventConfirming    EventKind = "confirming"
	EventConfirmed     EventKind = "confirmed"
	EventSending       EventKind = "sending"
	EventPartiallyPaid EventKind = "partially_paid"
	EventFinished      EventKind = "finished"
	EventFailed        EventKind = "failed"
	EventRefunded      EventKind = "refunded"
	EventExpired       EventKind = "expired"

	// EventUnknown is a status string this version does not recognize.
	// Unknown events acknowledge with 200 and settle nothing.
	EventUnknown EventKind = "unknown"
)

// Settles reports whether the event carries funds that may settle a
// deposit: full, early-confirmed, or partial payment.
func (k EventKind) Settles() bool {
	switch k {
	case EventFinished, EventConfirmed, EventPartiallyPaid:
		return true
	}
	return false
}

// Releases reports whether the event terminally abandons the payment so
// the deposit's reservations must be released.
func (k EventKind) Releases() bool {
	switch k {
	case EventExpired, EventFailed, EventRefunded:
		return true
	}
	return false
}

// Informational reports whether the event only narrates progress.
func (k EventKind) Informational() bool {
	switch k {
	case EventWaiting, EventConfirming, EventSending, EventUnknown:
		return true
	}
	return false
}

func kindOf(status string) EventKind {
	switch EventKind(strings.ToLower(strings.TrimSpace(status))) {
	case EventWaiting:
		return EventWaiting
	case EventConfirming:
		return EventConfirming
	case EventConfirmed:
		return EventConfirmed
	case EventSending:
		return EventSending
	case EventPartiallyPaid:
		return EventPartiallyPaid
	case EventFinished:
		return EventFinished
	case EventFailed:
		return EventFailed
	case EventRefunded:
		return EventRefunded
	case EventExpired:
		return EventExpired
	}
	return EventUnknown
}

// Event is one parsed IPN callback.
type Event struct {
	Kind      EventKind
	PaymentID string
	// ParentID is set when the gateway split an underpaid payment into a
	// child; settlement then belongs to the parent's IPN stream.
	ParentID     string
	OrderID      string
	PayCurrency  string
	PayAmount    decimal.Decimal
	ActuallyPaid decimal.Decimal
	// OutcomeEUR is the gateway-reported EUR outcome, when the gateway
	// settled the outcome in EUR. Nil means no usable outcome amount.
	OutcomeEUR *money.Amount
}

// IsSplitChild reports whether this event belongs to a split payment's
// child rather than the payment the deposit was created with.
func (e Event) IsSplitChild() bool {
	return e.ParentID != "" && e.ParentID != e.PaymentID
}

type ipnPayload struct {
	PaymentID       json.Number     `json:"payment_id"`
	ParentPaymentID json.Number     `json:"parent_payment_id"`
	InvoiceID       json.Number     `json:"invoice_id"`
	OrderID         string          `json:"order_id"`
	PaymentStatus   string          `json:"payment_status"`
	PayCurrency     string          `json:"pay_currency"`
	PayAmount       decimal.Decimal `json:"pay_amount"`
	ActuallyPaid    decimal.Decimal `json:"actually_paid"`
	OutcomeAmount   decimal.Decimal `json:"outcome_amount"`
	OutcomeCurrency string          `json:"outcome_currency"`
}

// ParseIPN verifies and decodes one IPN callback body. With a non-empty
// secret the signature header must carry the hex HMAC-SHA512 of the
// canonical body; verification failures return ErrInvalidSignature
// without decoding further.
func ParseIPN(header http.Header, body []byte, secret string) (Event, error) {
	if secret != "" {
		sig := strings.TrimSpace(header.Get(SignatureHeader))
		if sig == "" {
			return Event{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
		}
		want, err := SignIPN(body, secret)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		got, err := hex.DecodeString(sig)
		if err != nil {
			return Event{}, fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
		}
		raw, _ := hex.DecodeString(want)
		if !hmac.Equal(got, raw) {
			return Event{}, ErrInvalidSignature
		}
	}

	var p ipnPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.PaymentID.String() == "" {
		return Event{}, fmt.Errorf("%w: missing payment_id", ErrMalformedPayload)
	}
	if strings.TrimSpace(p.PaymentStatus) == "" {
		return Event{}, fmt.Errorf("%w: missing payment_status", ErrMalformedPayload)
	}

	ev := Event{
		Kind:         kindOf(p.PaymentStatus),
		PaymentID:    p.PaymentID.String(),
		ParentID:     p.ParentPaymentID.String(),
		OrderID:      p.OrderID,
		PayCurrency:  strings.ToLower(strings.TrimSpace(p.PayCurrency)),
		PayAmount:    p.PayAmount,
		ActuallyPaid: p.ActuallyPaid,
	}
	if strings.EqualFold(p.OutcomeCurrency, "eur") && p.OutcomeAmount.IsPositive() {
		out := money.FromDecimalFloor(p.OutcomeAmount)
		ev.OutcomeEUR = &out
	}
	return ev, nil
}

// SignIPN computes the hex HMAC-SHA512 signature of the canonical form
// of body: the JSON object re-serialized compact with sorted keys. The
// gateway signs that canonical form, not the raw bytes, so whitespace
// and key order on the wire do not matter.
func SignIPN(body []byte, secret string) (string, error) {
	canonical, err := canonicalJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalJSON re-serializes a JSON object compact with sorted keys.
// Decoding with UseNumber keeps numeric fields byte-exact; 0.1299 must
// not round-trip through float64.
func canonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

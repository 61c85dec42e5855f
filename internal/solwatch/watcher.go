// Package solwatch polls a single Solana wallet for inbound transfers
// and settles open deposits paid by direct transfer instead of the
// gateway invoice flow. It is a safety net behind the IPN webhook; both
// paths converge on the finalizer, so settlement stays idempotent no
// matter which one lands first.
package solwatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/storage"
)

// scanLimit caps how many signatures one poll inspects. Anything older
// than a full page is left to the IPN path or manual recovery.
const scanLimit = 100

// matchTolerance is the relative gap allowed between an inbound transfer
// and a deposit's expected amount. Wallet UIs round displayed amounts;
// the finalizer applies the real acceptance policy afterwards.
var matchTolerance = decimal.New(1, -2)

// Settler absorbs synthesized payment events. The finalizer implements it.
type Settler interface {
	OnPaymentEvent(ctx context.Context, ev gateway.Event) error
}

// Watcher scans one wallet for inbound lamport transfers and matches
// them against open deposits by expected amount.
type Watcher struct {
	store    storage.Store
	settler  Settler
	client   *rpc.Client
	wallet   solana.PublicKey
	currency string
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu     sync.Mutex
	cursor solana.Signature
	seen   map[solana.Signature]struct{}
}

// New builds a watcher from the chain config. Callers construct one only
// when the watcher is enabled.
func New(cfg config.ChainConfig, payCurrency string, store storage.Store, settler Settler, m *metrics.Metrics, logger zerolog.Logger) (*Watcher, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("solwatch: rpc url required")
	}
	wallet, err := solana.PublicKeyFromBase58(cfg.WatchedWallet)
	if err != nil {
		return nil, fmt.Errorf("solwatch: parse watched wallet: %w", err)
	}
	return &Watcher{
		store:    store,
		settler:  settler,
		client:   rpc.New(cfg.RPCURL),
		wallet:   wallet,
		currency: strings.ToLower(payCurrency),
		metrics:  m,
		logger:   logger.With().Str("component", "solwatch").Logger(),
		seen:     make(map[solana.Signature]struct{}),
	}, nil
}

// Scan runs one poll. The first call only records the newest signature
// as a baseline so historic wallet traffic is never replayed into
// deposits. The cursor advances only after a clean pass; transient
// failures leave it in place and the next tick retries, with the seen
// set skipping transfers that already settled.
func (w *Watcher) Scan(ctx context.Context) error {
	limit := scanLimit
	cursor := w.cursorSnapshot()

	sigs, err := w.client.GetSignaturesForAddressWithOpts(ctx, w.wallet, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Until:      cursor,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("solwatch: signatures for %s: %w", w.wallet, err)
	}
	if len(sigs) == 0 {
		return nil
	}

	newest := sigs[0].Signature
	if cursor == (solana.Signature{}) {
		w.setCursor(newest)
		w.logger.Info().Str("signature", newest.String()).Msg("solwatch.baseline")
		return nil
	}

	deposits, err := w.store.ListDeposits(ctx)
	if err != nil {
		return fmt.Errorf("solwatch: list deposits: %w", err)
	}

	// Oldest first so a burst settles in arrival order.
	var firstErr error
	for i := len(sigs) - 1; i >= 0; i-- {
		entry := sigs[i]
		if entry.Err != nil {
			continue
		}
		if w.alreadySeen(entry.Signature) {
			continue
		}
		if err := w.inspect(ctx, entry.Signature, &deposits); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.markSeen(entry.Signature)
	}

	if firstErr == nil {
		w.setCursor(newest)
	}
	return firstErr
}

// inspect fetches one transaction, extracts the wallet's balance gain
// and routes a matching deposit into the finalizer.
func (w *Watcher) inspect(ctx context.Context, sig solana.Signature, deposits *[]storage.PendingDeposit) error {
	maxVersion := uint64(0)
	res, err := w.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return fmt.Errorf("solwatch: transaction %s: %w", sig, err)
	}
	if res == nil || res.Meta == nil || res.Meta.Err != nil {
		return nil
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		w.logger.Warn().Err(err).Str("signature", sig.String()).Msg("solwatch.decode_failed")
		return nil
	}

	lamports, ok := inboundLamports(tx.Message.AccountKeys, res.Meta.PreBalances, res.Meta.PostBalances, w.wallet)
	if !ok {
		return nil
	}
	paid := lamportsToSol(lamports)

	dep, ok := matchDeposit(*deposits, w.currency, paid)
	if !ok {
		w.metrics.ObserveChainTransfer("unmatched")
		w.logger.Info().
			Str("signature", sig.String()).
			Str("amount", paid.String()).
			Msg("solwatch.unmatched_transfer")
		return nil
	}

	ev := gateway.Event{
		Kind:         gateway.EventFinished,
		PaymentID:    dep.PaymentID,
		PayCurrency:  dep.Currency,
		PayAmount:    dep.ExpectedCrypto,
		ActuallyPaid: paid,
	}
	if err := w.settler.OnPaymentEvent(ctx, ev); err != nil {
		w.metrics.ObserveChainTransfer("settle_failed")
		return fmt.Errorf("solwatch: settle %s: %w", dep.PaymentID, err)
	}

	w.metrics.ObserveChainTransfer("matched")
	w.logger.Info().
		Str("signature", sig.String()).
		Str("payment_id", dep.PaymentID).
		Str("amount", paid.String()).
		Msg("solwatch.transfer_settled")

	// One deposit absorbs at most one transfer per pass; a second
	// identical transfer must surface as unmatched, not as a silent
	// duplicate settle.
	*deposits = withoutDeposit(*deposits, dep.PaymentID)
	return nil
}

func (w *Watcher) cursorSnapshot() solana.Signature {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

func (w *Watcher) setCursor(sig solana.Signature) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = sig
}

func (w *Watcher) alreadySeen(sig solana.Signature) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[sig]
	return ok
}

func (w *Watcher) markSeen(sig solana.Signature) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.seen) > 4096 {
		// The cursor already guards against refetch; the set only
		// bridges passes where the cursor could not advance.
		w.seen = make(map[solana.Signature]struct{})
	}
	w.seen[sig] = struct{}{}
}

// inboundLamports reports how many lamports the wallet gained in one
// transaction, by pre/post balance delta.
func inboundLamports(keys []solana.PublicKey, pre, post []uint64, wallet solana.PublicKey) (uint64, bool) {
	for i, key := range keys {
		if !key.Equals(wallet) {
			continue
		}
		if i >= len(pre) || i >= len(post) {
			return 0, false
		}
		if post[i] <= pre[i] {
			return 0, false
		}
		return post[i] - pre[i], true
	}
	return 0, false
}

func lamportsToSol(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), -9)
}

// matchDeposit picks the open deposit whose expected amount sits closest
// to the paid amount within the tolerance. Ties go to the oldest deposit.
func matchDeposit(deposits []storage.PendingDeposit, currency string, paid decimal.Decimal) (storage.PendingDeposit, bool) {
	var (
		best     storage.PendingDeposit
		bestDiff decimal.Decimal
		found    bool
	)
	for _, dep := range deposits {
		if !strings.EqualFold(dep.Currency, currency) || !dep.ExpectedCrypto.IsPositive() {
			continue
		}
		diff := paid.Sub(dep.ExpectedCrypto).Abs().Div(dep.ExpectedCrypto)
		if diff.GreaterThan(matchTolerance) {
			continue
		}
		if !found || diff.LessThan(bestDiff) ||
			(diff.Equal(bestDiff) && dep.CreatedAt.Before(best.CreatedAt)) {
			best, bestDiff, found = dep, diff, true
		}
	}
	return best, found
}

func withoutDeposit(deposits []storage.PendingDeposit, paymentID string) []storage.PendingDeposit {
	out := deposits[:0]
	for _, dep := range deposits {
		if dep.PaymentID != paymentID {
			out = append(out, dep)
		}
	}
	return out
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/money"
)

const depositCols = `payment_id, user_id, currency, target_cents, expected_crypto, pay_address, is_purchase, discount_code, bot_id, created_at`

func scanDeposit(sc rowScanner) (PendingDeposit, error) {
	var (
		d         PendingDeposit
		target    int64
		expected  string
		createdAt int64
	)
	err := sc.Scan(&d.PaymentID, &d.UserID, &d.Currency, &target, &expected, &d.PayAddress, &d.IsPurchase, &d.DiscountCode, &d.BotID, &createdAt)
	if err != nil {
		return PendingDeposit{}, err
	}
	d.TargetEUR = money.FromCents(target)
	d.CreatedAt = timeOf(createdAt)
	d.ExpectedCrypto, err = decimal.NewFromString(expected)
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("corrupt expected_crypto %q: %w", expected, err)
	}
	return d, nil
}

func scanDepositItem(sc rowScanner) (DepositItem, error) {
	var (
		it         DepositItem
		price      int64
		reservedAt int64
	)
	err := sc.Scan(&it.ID, &it.PaymentID, &it.ProductID, &it.ProductType, &it.Size, &it.City, &it.District, &it.Details, &price, &reservedAt)
	if err != nil {
		return DepositItem{}, err
	}
	it.Price = money.FromCents(price)
	it.ReservedAt = timeOf(reservedAt)
	return it, nil
}

func loadDepositItems(ctx context.Context, q querier, paymentID string) ([]DepositItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, payment_id, product_id, product_type, size, city, district, details, price_cents, reserved_at
		 FROM deposit_items WHERE payment_id = ? ORDER BY id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load deposit items: %w", err)
	}
	defer rows.Close()

	var out []DepositItem
	for rows.Next() {
		it, err := scanDepositItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CreateDeposit writes the deposit and, for purchases, moves the listed
// basket entries into its item snapshot. The reserved units stay counted;
// their attribution switches from basket rows to deposit items. If any
// listed entry vanished (swept between quote and checkout) the whole
// creation fails with ErrBasketChanged.
func (s *SQLiteStore) CreateDeposit(ctx context.Context, dep PendingDeposit, basketEntryIDs []int64) error {
	return s.withTx(ctx, func(q querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO pending_deposits (payment_id, user_id, currency, target_cents, expected_crypto, pay_address, is_purchase, discount_code, bot_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dep.PaymentID, dep.UserID, dep.Currency, dep.TargetEUR.Cents(), dep.ExpectedCrypto.String(),
			dep.PayAddress, dep.IsPurchase, dep.DiscountCode, dep.BotID, unixOf(dep.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert deposit: %w", err)
		}

		if !dep.IsPurchase {
			return nil
		}

		for _, it := range dep.Items {
			_, err := q.ExecContext(ctx,
				`INSERT INTO deposit_items (payment_id, product_id, product_type, size, city, district, details, price_cents, reserved_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				dep.PaymentID, it.ProductID, it.ProductType, it.Size, it.City, it.District, it.Details, it.Price.Cents(), unixOf(it.ReservedAt))
			if err != nil {
				return fmt.Errorf("insert deposit item: %w", err)
			}
		}

		if len(basketEntryIDs) == 0 {
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(basketEntryIDs)), ",")
		args := make([]any, len(basketEntryIDs))
		for i, id := range basketEntryIDs {
			args[i] = id
		}
		res, err := q.ExecContext(ctx, `DELETE FROM basket_entries WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("absorb basket entries: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != int64(len(basketEntryIDs)) {
			return ErrBasketChanged
		}
		return nil
	})
}

func (s *SQLiteStore) DepositByID(ctx context.Context, paymentID string) (PendingDeposit, error) {
	dep, err := scanDeposit(s.db.QueryRowContext(ctx,
		`SELECT `+depositCols+` FROM pending_deposits WHERE payment_id = ?`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingDeposit{}, ErrNotFound
	}
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("select deposit: %w", err)
	}
	dep.Items, err = loadDepositItems(ctx, s.db, paymentID)
	if err != nil {
		return PendingDeposit{}, err
	}
	return dep, nil
}

func (s *SQLiteStore) ListDeposits(ctx context.Context) ([]PendingDeposit, error) {
	return s.queryDeposits(ctx, `SELECT `+depositCols+` FROM pending_deposits ORDER BY created_at`)
}

func (s *SQLiteStore) DepositsCreatedBefore(ctx context.Context, cutoff time.Time) ([]PendingDeposit, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositCols+` FROM pending_deposits WHERE created_at < ? ORDER BY created_at`, unixOf(cutoff))
}

func (s *SQLiteStore) queryDeposits(ctx context.Context, query string, args ...any) ([]PendingDeposit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deposits: %w", err)
	}
	defer rows.Close()

	var out []PendingDeposit
	for rows.Next() {
		dep, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items, err = loadDepositItems(ctx, s.db, out[i].PaymentID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) HasPurchaseDeposit(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pending_deposits WHERE user_id = ? AND is_purchase = 1)`, userID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check purchase deposit: %w", err)
	}
	return exists, nil
}

// takeDeposit loads the deposit inside the settlement transaction and
// deletes it together with its items. The delete is the idempotency lock:
// when a concurrent settlement already consumed the row, the caller sees
// ErrAlreadyProcessed and rolls back without effects.
func takeDeposit(ctx context.Context, q querier, paymentID string) (PendingDeposit, error) {
	dep, err := scanDeposit(q.QueryRowContext(ctx,
		`SELECT `+depositCols+` FROM pending_deposits WHERE payment_id = ?`, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return PendingDeposit{}, ErrAlreadyProcessed
	}
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("select deposit: %w", err)
	}
	dep.Items, err = loadDepositItems(ctx, q, paymentID)
	if err != nil {
		return PendingDeposit{}, err
	}

	res, err := q.ExecContext(ctx, `DELETE FROM pending_deposits WHERE payment_id = ?`, paymentID)
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("delete deposit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return PendingDeposit{}, err
	}
	if n == 0 {
		return PendingDeposit{}, ErrAlreadyProcessed
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM deposit_items WHERE payment_id = ?`, paymentID); err != nil {
		return PendingDeposit{}, fmt.Errorf("delete deposit items: %w", err)
	}
	return dep, nil
}

// SettlePurchase is the accepted-payment terminal: each snapshot unit is
// debited from stock and recorded as a purchase. Units whose product can
// no longer cover them are reported unavailable rather than failing the
// whole settlement.
func (s *SQLiteStore) SettlePurchase(ctx context.Context, paymentID string, overpay money.Amount, overpayReason string, now time.Time) (SettleResult, error) {
	var result SettleResult
	err := s.withTx(ctx, func(q querier) error {
		dep, err := takeDeposit(ctx, q, paymentID)
		if err != nil {
			return err
		}
		if !dep.IsPurchase {
			return fmt.Errorf("deposit %s is a refill, not a purchase", paymentID)
		}

		for _, it := range dep.Items {
			res, err := q.ExecContext(ctx,
				`UPDATE products SET available = available - 1, reserved = reserved - 1
				 WHERE id = ? AND available > 0 AND reserved > 0`, it.ProductID)
			if err != nil {
				return fmt.Errorf("debit unit: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				result.Unavailable = append(result.Unavailable, it)
				_, err = q.ExecContext(ctx,
					`INSERT INTO admin_log (actor_id, action, details, created_at) VALUES (0, 'finalize_unavailable', ?, ?)`,
					fmt.Sprintf("payment %s: product %d had no unit to deliver", paymentID, it.ProductID), unixOf(now))
				if err != nil {
					return err
				}
				continue
			}

			_, err = q.ExecContext(ctx,
				`INSERT INTO purchases (user_id, payment_id, product_id, product_type, size, city, district, price_paid_cents, bot_id, purchased_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				dep.UserID, paymentID, it.ProductID, it.ProductType, it.Size, it.City, it.District, it.Price.Cents(), dep.BotID, unixOf(now))
			if err != nil {
				return fmt.Errorf("record purchase: %w", err)
			}
			result.Delivered = append(result.Delivered, it)
		}

		if len(result.Delivered) > 0 {
			_, err = q.ExecContext(ctx,
				`UPDATE users SET total_purchases = total_purchases + ? WHERE telegram_id = ?`,
				len(result.Delivered), dep.UserID)
			if err != nil {
				return fmt.Errorf("bump purchase count: %w", err)
			}
		}

		if overpay.IsPositive() {
			newBalance, err := creditBalanceTx(ctx, q, dep.UserID, overpay, overpayReason, now)
			if err != nil {
				return err
			}
			result.NewBalance = newBalance
		}
		return nil
	})
	if err != nil {
		return SettleResult{}, err
	}
	return result, nil
}

// SettleRefill credits the reconciled EUR value to the depositor's balance.
func (s *SQLiteStore) SettleRefill(ctx context.Context, paymentID string, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	var newBalance money.Amount
	err := s.withTx(ctx, func(q querier) error {
		dep, err := takeDeposit(ctx, q, paymentID)
		if err != nil {
			return err
		}
		if dep.IsPurchase {
			return fmt.Errorf("deposit %s is a purchase, not a refill", paymentID)
		}
		newBalance, err = creditBalanceTx(ctx, q, dep.UserID, amount, reason, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// SettleUnderpayment refunds whatever arrived to the balance and frees all
// snapshot units: the purchase attempt is over.
func (s *SQLiteStore) SettleUnderpayment(ctx context.Context, paymentID string, refund money.Amount, reason string, now time.Time) (money.Amount, error) {
	var newBalance money.Amount
	err := s.withTx(ctx, func(q querier) error {
		dep, err := takeDeposit(ctx, q, paymentID)
		if err != nil {
			return err
		}
		for _, it := range dep.Items {
			if _, err := releaseReserved(ctx, q, it.ProductID, "underpayment release"); err != nil {
				return err
			}
		}
		if refund.IsPositive() {
			newBalance, err = creditBalanceTx(ctx, q, dep.UserID, refund, reason, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// SettleExpiry terminates a deposit nobody paid. Snapshot units whose
// reservation is still younger than the basket timeout go back to the
// user's basket; the rest return to the free pool.
func (s *SQLiteStore) SettleExpiry(ctx context.Context, paymentID string, basketCutoff time.Time) (ExpireResult, error) {
	var result ExpireResult
	err := s.withTx(ctx, func(q querier) error {
		dep, err := takeDeposit(ctx, q, paymentID)
		if err != nil {
			return err
		}
		res, err := restoreOrRelease(ctx, q, dep, basketCutoff)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return ExpireResult{}, err
	}
	return result, nil
}

func restoreOrRelease(ctx context.Context, q querier, dep PendingDeposit, basketCutoff time.Time) (ExpireResult, error) {
	var result ExpireResult
	for _, it := range dep.Items {
		if it.ReservedAt.After(basketCutoff) {
			_, err := q.ExecContext(ctx,
				`INSERT INTO basket_entries (user_id, product_id, product_type, price_cents, reserved_at) VALUES (?, ?, ?, ?, ?)`,
				dep.UserID, it.ProductID, it.ProductType, it.Price.Cents(), unixOf(it.ReservedAt))
			if err != nil {
				return ExpireResult{}, fmt.Errorf("restore basket entry: %w", err)
			}
			result.Restored++
			continue
		}
		clamped, err := releaseReserved(ctx, q, it.ProductID, "deposit expiry")
		if err != nil {
			return ExpireResult{}, err
		}
		if clamped {
			result.Clamps++
		}
		result.Released = append(result.Released, BasketEntry{
			UserID:      dep.UserID,
			ProductID:   it.ProductID,
			ProductType: it.ProductType,
			Price:       it.Price,
			ReservedAt:  it.ReservedAt,
		})
	}
	return result, nil
}

// DiscardDeposit frees every snapshot unit and drops the deposit. Used
// when an event disqualifies the payment entirely (currency mismatch,
// admin release).
func (s *SQLiteStore) DiscardDeposit(ctx context.Context, paymentID string) (ExpireResult, error) {
	var result ExpireResult
	err := s.withTx(ctx, func(q querier) error {
		dep, err := takeDeposit(ctx, q, paymentID)
		if err != nil {
			return err
		}
		for _, it := range dep.Items {
			clamped, err := releaseReserved(ctx, q, it.ProductID, "deposit discard")
			if err != nil {
				return err
			}
			if clamped {
				result.Clamps++
			}
			result.Released = append(result.Released, BasketEntry{
				UserID:      dep.UserID,
				ProductID:   it.ProductID,
				ProductType: it.ProductType,
				Price:       it.Price,
				ReservedAt:  it.ReservedAt,
			})
		}
		return nil
	})
	if err != nil {
		return ExpireResult{}, err
	}
	return result, nil
}

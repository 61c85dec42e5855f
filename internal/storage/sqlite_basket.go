package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropline/server/internal/money"
)

const basketCols = `id, user_id, product_id, product_type, price_cents, reserved_at`

func scanBasketEntry(sc rowScanner) (BasketEntry, error) {
	var (
		e          BasketEntry
		price      int64
		reservedAt int64
	)
	if err := sc.Scan(&e.ID, &e.UserID, &e.ProductID, &e.ProductType, &price, &reservedAt); err != nil {
		return BasketEntry{}, err
	}
	e.Price = money.FromCents(price)
	e.ReservedAt = timeOf(reservedAt)
	return e, nil
}

// ReserveUnit atomically claims one free unit matching the selector. The
// conditional increment is the whole race story: two buyers contending for
// a last unit serialize on the write lock, and the loser's guard
// (available > reserved) no longer holds.
func (s *SQLiteStore) ReserveUnit(ctx context.Context, userID int64, sel ProductSelector, now time.Time) (BasketEntry, Product, error) {
	var (
		entry BasketEntry
		prod  Product
	)
	err := s.withTx(ctx, func(q querier) error {
		conds, args := selectorConds(sel)
		conds = append(conds, "available > reserved")
		query := `SELECT ` + productCols + ` FROM products WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY id LIMIT 1`

		p, err := scanProduct(q.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOutOfStock
		}
		if err != nil {
			return fmt.Errorf("select candidate: %w", err)
		}

		res, err := q.ExecContext(ctx,
			`UPDATE products SET reserved = reserved + 1 WHERE id = ? AND available > reserved`, p.ID)
		if err != nil {
			return fmt.Errorf("reserve unit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrOutOfStock
		}
		p.Reserved++

		ins, err := q.ExecContext(ctx,
			`INSERT INTO basket_entries (user_id, product_id, product_type, price_cents, reserved_at) VALUES (?, ?, ?, ?, ?)`,
			userID, p.ID, p.ProductType, p.Price.Cents(), unixOf(now))
		if err != nil {
			return fmt.Errorf("insert basket entry: %w", err)
		}
		id, err := ins.LastInsertId()
		if err != nil {
			return err
		}

		entry = BasketEntry{
			ID:          id,
			UserID:      userID,
			ProductID:   p.ID,
			ProductType: p.ProductType,
			Price:       p.Price,
			ReservedAt:  now.UTC().Truncate(time.Second),
		}
		prod = p
		return nil
	})
	if err != nil {
		return BasketEntry{}, Product{}, err
	}
	return entry, prod, nil
}

// ReleaseBasketEntry removes the oldest entry for (user, product) and
// returns its unit to the free pool. The decrement clamps at zero; a clamp
// is audited because it means the counter had already diverged.
func (s *SQLiteStore) ReleaseBasketEntry(ctx context.Context, userID, productID int64) (ReleaseResult, error) {
	var result ReleaseResult
	err := s.withTx(ctx, func(q querier) error {
		row := q.QueryRowContext(ctx,
			`SELECT `+basketCols+` FROM basket_entries WHERE user_id = ? AND product_id = ? ORDER BY reserved_at, id LIMIT 1`,
			userID, productID)
		entry, err := scanBasketEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select basket entry: %w", err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM basket_entries WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("delete basket entry: %w", err)
		}

		clamped, err := releaseReserved(ctx, q, entry.ProductID, "basket release")
		if err != nil {
			return err
		}
		result = ReleaseResult{Entry: entry, Clamped: clamped}
		return nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}
	return result, nil
}

// releaseReserved decrements a product's reserved counter, clamping at
// zero. Returns true when the clamp fired.
func releaseReserved(ctx context.Context, q querier, productID int64, op string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE products SET reserved = reserved - 1 WHERE id = ? AND reserved > 0`, productID)
	if err != nil {
		return false, fmt.Errorf("release reserved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	// The product row may also be gone entirely (deleted listing); both
	// cases mean there was no counted unit to return.
	if err := auditClamp(ctx, q, productID, op, time.Now()); err != nil {
		return true, err
	}
	return true, nil
}

func (s *SQLiteStore) BasketEntries(ctx context.Context, userID int64) ([]BasketEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+basketCols+` FROM basket_entries WHERE user_id = ? ORDER BY reserved_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list basket: %w", err)
	}
	defer rows.Close()

	var out []BasketEntry
	for rows.Next() {
		e, err := scanBasketEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpireBasketEntries releases every entry reserved before cutoff.
// Units a checkout has promised are not here anymore: CreateDeposit
// moved their rows into deposit_items, so whatever is left in the
// basket expires on age alone.
func (s *SQLiteStore) ExpireBasketEntries(ctx context.Context, userID int64, cutoff time.Time) (ExpireResult, error) {
	var result ExpireResult
	err := s.withTx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+basketCols+` FROM basket_entries WHERE user_id = ? AND reserved_at < ? ORDER BY reserved_at, id`,
			userID, unixOf(cutoff))
		if err != nil {
			return fmt.Errorf("select expired entries: %w", err)
		}
		expired, err := collectBasketEntries(rows)
		if err != nil {
			return err
		}

		for _, e := range expired {
			if _, err := q.ExecContext(ctx, `DELETE FROM basket_entries WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("delete expired entry: %w", err)
			}
			clamped, err := releaseReserved(ctx, q, e.ProductID, "basket expiry")
			if err != nil {
				return err
			}
			if clamped {
				result.Clamps++
			}
			result.Released = append(result.Released, e)
		}
		return nil
	})
	if err != nil {
		return ExpireResult{}, err
	}
	return result, nil
}

func collectBasketEntries(rows *sql.Rows) ([]BasketEntry, error) {
	defer rows.Close()
	var out []BasketEntry
	for rows.Next() {
		e, err := scanBasketEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UserIDsWithBaskets(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM basket_entries`)
	if err != nil {
		return nil, fmt.Errorf("users with baskets: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const discountCols = `code, kind, value, active, total_cap, per_user_cap, uses_count, expires_at, cities, product_types, sizes, created_at`

func scanDiscountCode(sc rowScanner) (DiscountCode, error) {
	var (
		c          DiscountCode
		kind       string
		value      string
		totalCap   sql.NullInt64
		perUserCap sql.NullInt64
		expiresAt  sql.NullInt64
		cities     string
		types      string
		sizes      string
		createdAt  int64
	)
	err := sc.Scan(&c.Code, &kind, &value, &c.Active, &totalCap, &perUserCap, &c.UsesCount, &expiresAt, &cities, &types, &sizes, &createdAt)
	if err != nil {
		return DiscountCode{}, err
	}
	c.Kind = DiscountKind(kind)
	c.Value, err = decimal.NewFromString(value)
	if err != nil {
		return DiscountCode{}, fmt.Errorf("corrupt discount value %q: %w", value, err)
	}
	if totalCap.Valid {
		v := int(totalCap.Int64)
		c.TotalCap = &v
	}
	if perUserCap.Valid {
		v := int(perUserCap.Int64)
		c.PerUserCap = &v
	}
	if expiresAt.Valid {
		t := timeOf(expiresAt.Int64)
		c.ExpiresAt = &t
	}
	c.Cities = splitList(cities)
	c.ProductTypes = splitList(types)
	c.Sizes = splitList(sizes)
	c.CreatedAt = timeOf(createdAt)
	return c, nil
}

func (s *SQLiteStore) CreateDiscountCode(ctx context.Context, code DiscountCode) error {
	code.Code = normalizeCode(code.Code)
	if code.Code == "" {
		return fmt.Errorf("discount code must not be empty")
	}
	if code.Kind != DiscountPercentage && code.Kind != DiscountFixed {
		return fmt.Errorf("unknown discount kind %q", code.Kind)
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now()
	}
	return s.withTx(ctx, func(q querier) error {
		var exists bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM discount_codes WHERE code = ?)`, code.Code).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check code: %w", err)
		}
		if exists {
			return ErrCodeExists
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO discount_codes (code, kind, value, active, total_cap, per_user_cap, uses_count, expires_at, cities, product_types, sizes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			code.Code, string(code.Kind), code.Value.String(), code.Active,
			nullInt(code.TotalCap), nullInt(code.PerUserCap), nullUnix(code.ExpiresAt),
			joinList(code.Cities), joinList(code.ProductTypes), joinList(code.Sizes), unixOf(code.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert discount code: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) DiscountCodeByCode(ctx context.Context, code string) (DiscountCode, error) {
	c, err := scanDiscountCode(s.db.QueryRowContext(ctx,
		`SELECT `+discountCols+` FROM discount_codes WHERE code = ?`, normalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return DiscountCode{}, ErrCodeNotFound
	}
	if err != nil {
		return DiscountCode{}, fmt.Errorf("select discount code: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListDiscountCodes(ctx context.Context) ([]DiscountCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+discountCols+` FROM discount_codes ORDER BY created_at, code`)
	if err != nil {
		return nil, fmt.Errorf("list discount codes: %w", err)
	}
	defer rows.Close()

	var out []DiscountCode
	for rows.Next() {
		c, err := scanDiscountCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetDiscountCodeActive(ctx context.Context, code string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discount_codes SET active = ? WHERE code = ?`, active, normalizeCode(code))
	if err != nil {
		return fmt.Errorf("update discount code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// ApplyDiscountCode validates and consumes one use atomically. The counter
// increment is conditional on the cap, so of N concurrent callers on a
// code's last use exactly one consumes it; every recorded usage row pairs
// with exactly one increment.
func (s *SQLiteStore) ApplyDiscountCode(ctx context.Context, p ApplyCodeParams) (ApplyCodeResult, error) {
	code := normalizeCode(p.Code)
	var result ApplyCodeResult
	err := s.withTx(ctx, func(q querier) error {
		c, err := scanDiscountCode(q.QueryRowContext(ctx,
			`SELECT `+discountCols+` FROM discount_codes WHERE code = ?`, code))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		if err != nil {
			return fmt.Errorf("select discount code: %w", err)
		}

		if err := c.Usable(p.Now); err != nil {
			return err
		}
		if !c.MatchesScope(p.Cities, p.ProductTypes, p.Sizes) {
			return ErrCodeScopeMismatch
		}
		if c.PerUserCap != nil {
			var used int
			err := q.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM discount_usages WHERE code = ? AND user_id = ?`, code, p.UserID).
				Scan(&used)
			if err != nil {
				return fmt.Errorf("count user usages: %w", err)
			}
			if used >= *c.PerUserCap {
				return ErrCodePerUserLimit
			}
		}

		res, err := q.ExecContext(ctx,
			`UPDATE discount_codes SET uses_count = uses_count + 1
			 WHERE code = ? AND (total_cap IS NULL OR uses_count < total_cap)`, code)
		if err != nil {
			return fmt.Errorf("consume discount code: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrCodeLimitReached
		}
		c.UsesCount++

		discount := c.Discount(p.Base)
		_, err = q.ExecContext(ctx,
			`INSERT INTO discount_usages (user_id, code, amount_cents, used_at) VALUES (?, ?, ?, ?)`,
			p.UserID, code, discount.Cents(), unixOf(p.Now))
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}

		result = ApplyCodeResult{
			Code:     c,
			Discount: discount,
			NewTotal: p.Base.SubClamped(discount),
		}
		return nil
	})
	if err != nil {
		return ApplyCodeResult{}, err
	}
	return result, nil
}

func (s *SQLiteStore) UserCodeUsages(ctx context.Context, code string, userID int64) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discount_usages WHERE code = ? AND user_id = ?`, normalizeCode(code), userID).
		Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("count user usages: %w", err)
	}
	return used, nil
}

func (s *SQLiteStore) SetResellerRule(ctx context.Context, rule ResellerRule) error {
	if rule.Percent.IsNegative() || rule.Percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("reseller percent %s out of range", rule.Percent)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reseller_rules (user_id, product_type, percent) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, product_type) DO UPDATE SET percent = excluded.percent`,
		rule.UserID, rule.ProductType, rule.Percent.String())
	if err != nil {
		return fmt.Errorf("set reseller rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteResellerRule(ctx context.Context, userID int64, productType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reseller_rules WHERE user_id = ? AND product_type = ?`, userID, productType)
	if err != nil {
		return fmt.Errorf("delete reseller rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ResellerRules(ctx context.Context, userID int64) ([]ResellerRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, product_type, percent FROM reseller_rules WHERE user_id = ? ORDER BY product_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reseller rules: %w", err)
	}
	defer rows.Close()

	var out []ResellerRule
	for rows.Next() {
		var (
			r   ResellerRule
			pct string
		)
		if err := rows.Scan(&r.UserID, &r.ProductType, &pct); err != nil {
			return nil, err
		}
		r.Percent, err = decimal.NewFromString(pct)
		if err != nil {
			return nil, fmt.Errorf("corrupt reseller percent %q: %w", pct, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}


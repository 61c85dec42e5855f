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

const productCols = `id, city, district, product_type, size, price_cents, available, reserved, details, created_at`

func scanProduct(sc rowScanner) (Product, error) {
	var (
		p         Product
		price     int64
		createdAt int64
	)
	err := sc.Scan(&p.ID, &p.City, &p.District, &p.ProductType, &p.Size, &price, &p.Available, &p.Reserved, &p.Details, &createdAt)
	if err != nil {
		return Product{}, err
	}
	p.Price = money.FromCents(price)
	p.CreatedAt = timeOf(createdAt)
	return p, nil
}

// selectorConds translates a selector into WHERE conditions. Empty fields
// match anything.
func selectorConds(sel ProductSelector) ([]string, []any) {
	var conds []string
	var args []any
	if sel.City != "" {
		conds = append(conds, "city = ?")
		args = append(args, sel.City)
	}
	if sel.District != "" {
		conds = append(conds, "district = ?")
		args = append(args, sel.District)
	}
	if sel.ProductType != "" {
		conds = append(conds, "product_type = ?")
		args = append(args, sel.ProductType)
	}
	if sel.Size != "" {
		conds = append(conds, "size = ?")
		args = append(args, sel.Size)
	}
	if sel.Price != nil {
		conds = append(conds, "price_cents = ?")
		args = append(args, sel.Price.Cents())
	}
	return conds, args
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, p Product) (int64, error) {
	if p.Available <= 0 {
		p.Available = 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (city, district, product_type, size, price_cents, available, reserved, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.City, p.District, p.ProductType, p.Size, p.Price.Cents(), p.Available, p.Details, unixOf(p.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("product id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ProductByID(ctx context.Context, id int64) (Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// DeleteProduct removes the listing together with any basket entries
// holding its units. Deposit snapshots keep their own frozen copy, so
// in-flight payments survive the deletion.
func (s *SQLiteStore) DeleteProduct(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete product: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM basket_entries WHERE product_id = ?`, id); err != nil {
			return fmt.Errorf("delete basket entries: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListProducts(ctx context.Context, sel ProductSelector) ([]Product, error) {
	conds, args := selectorConds(sel)
	query := `SELECT ` + productCols + ` FROM products`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Cities(ctx context.Context) ([]string, error) {
	return s.distinctStrings(ctx,
		`SELECT DISTINCT city FROM products WHERE available > reserved ORDER BY city`)
}

func (s *SQLiteStore) Districts(ctx context.Context, city string) ([]string, error) {
	return s.distinctStrings(ctx,
		`SELECT DISTINCT district FROM products WHERE city = ? AND available > reserved ORDER BY district`, city)
}

func (s *SQLiteStore) CatalogTypes(ctx context.Context, city, district string) ([]string, error) {
	return s.distinctStrings(ctx,
		`SELECT DISTINCT product_type FROM products WHERE city = ? AND district = ? AND available > reserved ORDER BY product_type`,
		city, district)
}

func (s *SQLiteStore) distinctStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Offers(ctx context.Context, city, district, productType string) ([]Offer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT size, price_cents, SUM(available - reserved)
		 FROM products
		 WHERE city = ? AND district = ? AND product_type = ? AND available > reserved
		 GROUP BY size, price_cents
		 ORDER BY price_cents, size`,
		city, district, productType)
	if err != nil {
		return nil, fmt.Errorf("offers query: %w", err)
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		var o Offer
		var price int64
		if err := rows.Scan(&o.Size, &price, &o.Available); err != nil {
			return nil, err
		}
		o.Price = money.FromCents(price)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ReconcileReserved clamps reserved counters down to what live basket
// entries and deposit items actually hold. Upward adjustment is never
// performed; a too-low counter only oversells, which the finalize guards
// catch, while a too-high counter silently blocks stock forever.
func (s *SQLiteStore) ReconcileReserved(ctx context.Context) (int64, error) {
	var adjusted int64
	err := s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			UPDATE products
			SET reserved = (SELECT COUNT(*) FROM basket_entries b WHERE b.product_id = products.id)
			             + (SELECT COUNT(*) FROM deposit_items d WHERE d.product_id = products.id)
			WHERE reserved > (SELECT COUNT(*) FROM basket_entries b WHERE b.product_id = products.id)
			               + (SELECT COUNT(*) FROM deposit_items d WHERE d.product_id = products.id)`)
		if err != nil {
			return fmt.Errorf("reconcile reserved: %w", err)
		}
		adjusted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if adjusted > 0 {
			_, err = q.ExecContext(ctx,
				`INSERT INTO admin_log (actor_id, action, details, created_at) VALUES (0, 'reserved_reconcile', ?, ?)`,
				fmt.Sprintf("clamped reserved on %d products", adjusted), unixOf(time.Now()))
			if err != nil {
				return err
			}
		}
		return nil
	})
	return adjusted, err
}

func (s *SQLiteStore) InventorySummary(ctx context.Context) ([]InventoryRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT city, district, product_type, size, price_cents, SUM(available), SUM(reserved)
		 FROM products
		 GROUP BY city, district, product_type, size, price_cents
		 ORDER BY city, district, product_type, size`)
	if err != nil {
		return nil, fmt.Errorf("inventory summary: %w", err)
	}
	defer rows.Close()

	var out []InventoryRow
	for rows.Next() {
		var r InventoryRow
		var price int64
		if err := rows.Scan(&r.City, &r.District, &r.ProductType, &r.Size, &price, &r.Available, &r.Reserved); err != nil {
			return nil, err
		}
		r.Price = money.FromCents(price)
		out = append(out, r)
	}
	return out, rows.Err()
}

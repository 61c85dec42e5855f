package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dropline/server/internal/money"
)

func (s *SQLiteStore) PurchasesByUser(ctx context.Context, userID int64, limit int) ([]Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, payment_id, product_id, product_type, size, city, district, price_paid_cents, bot_id, purchased_at
		 FROM purchases WHERE user_id = ? ORDER BY purchased_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var (
			p           Purchase
			price       int64
			purchasedAt int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.PaymentID, &p.ProductID, &p.ProductType, &p.Size, &p.City, &p.District, &price, &p.BotID, &purchasedAt); err != nil {
			return nil, err
		}
		p.PricePaid = money.FromCents(price)
		p.PurchasedAt = timeOf(purchasedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SalesSummary(ctx context.Context, since time.Time) (SalesSummary, error) {
	var (
		count int
		total int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(price_paid_cents), 0) FROM purchases WHERE purchased_at >= ?`,
		unixOf(since)).Scan(&count, &total)
	if err != nil {
		return SalesSummary{}, fmt.Errorf("sales summary: %w", err)
	}
	return SalesSummary{Count: count, Total: money.FromCents(total)}, nil
}

func (s *SQLiteStore) AppendAdminLog(ctx context.Context, entry AdminLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_log (actor_id, action, details, created_at) VALUES (?, ?, ?, ?)`,
		entry.ActorID, entry.Action, entry.Details, unixOf(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append admin log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AdminLog(ctx context.Context, limit int) ([]AdminLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor_id, action, details, created_at FROM admin_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read admin log: %w", err)
	}
	defer rows.Close()

	var out []AdminLogEntry
	for rows.Next() {
		var (
			e       AdminLogEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.Details, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = timeOf(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, unixOf(time.Now()))
	if err != nil {
		return fmt.Errorf("write setting: %w", err)
	}
	return nil
}

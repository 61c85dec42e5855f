package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dropline/server/internal/money"
)

const userCols = `telegram_id, balance_cents, total_purchases, language, is_reseller, banned, blocked, applied_code, last_seen, created_at`

func scanUser(sc rowScanner) (User, error) {
	var (
		u        User
		balance  int64
		lastSeen int64
		created  int64
	)
	err := sc.Scan(&u.TelegramID, &balance, &u.TotalPurchases, &u.Language, &u.IsReseller, &u.Banned, &u.Blocked, &u.AppliedCode, &lastSeen, &created)
	if err != nil {
		return User{}, err
	}
	u.Balance = money.FromCents(balance)
	u.LastSeen = timeOf(lastSeen)
	u.CreatedAt = timeOf(created)
	return u, nil
}

// EnsureUser creates the account on first contact and refreshes last_seen
// afterwards. The stored language is never overwritten here; it only
// changes through SetUserLanguage.
func (s *SQLiteStore) EnsureUser(ctx context.Context, telegramID int64, language string, now time.Time) (User, error) {
	if language == "" {
		language = "en"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id, language, last_seen, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(telegram_id) DO UPDATE SET last_seen = excluded.last_seen`,
		telegramID, language, unixOf(now), unixOf(now))
	if err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.UserByID(ctx, telegramID)
}

func (s *SQLiteStore) UserByID(ctx context.Context, telegramID int64) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE telegram_id = ?`, telegramID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

// AllUserIDs returns broadcast targets: every account that has not blocked
// the bot.
func (s *SQLiteStore) AllUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT telegram_id FROM users WHERE blocked = 0 ORDER BY telegram_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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

func (s *SQLiteStore) SetUserLanguage(ctx context.Context, telegramID int64, language string) error {
	return s.updateUser(ctx, `UPDATE users SET language = ? WHERE telegram_id = ?`, language, telegramID)
}

func (s *SQLiteStore) SetUserBanned(ctx context.Context, telegramID int64, banned bool) error {
	return s.updateUser(ctx, `UPDATE users SET banned = ? WHERE telegram_id = ?`, banned, telegramID)
}

func (s *SQLiteStore) SetUserBlocked(ctx context.Context, telegramID int64, blocked bool) error {
	return s.updateUser(ctx, `UPDATE users SET blocked = ? WHERE telegram_id = ?`, blocked, telegramID)
}

func (s *SQLiteStore) SetUserReseller(ctx context.Context, telegramID int64, reseller bool) error {
	return s.updateUser(ctx, `UPDATE users SET is_reseller = ? WHERE telegram_id = ?`, reseller, telegramID)
}

func (s *SQLiteStore) SetAppliedCode(ctx context.Context, telegramID int64, code string) error {
	return s.updateUser(ctx, `UPDATE users SET applied_code = ? WHERE telegram_id = ?`, normalizeCode(code), telegramID)
}

func (s *SQLiteStore) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
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

// CreditBalance adjusts a balance and writes the matching ledger line.
// Negative deltas are allowed for admin corrections.
func (s *SQLiteStore) CreditBalance(ctx context.Context, telegramID int64, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	var newBalance money.Amount
	err := s.withTx(ctx, func(q querier) error {
		var err error
		newBalance, err = creditBalanceTx(ctx, q, telegramID, amount, reason, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func creditBalanceTx(ctx context.Context, q querier, telegramID int64, amount money.Amount, reason string, now time.Time) (money.Amount, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET balance_cents = balance_cents + ? WHERE telegram_id = ?`,
		amount.Cents(), telegramID)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO balance_ledger (user_id, delta_cents, reason, created_at) VALUES (?, ?, ?, ?)`,
		telegramID, amount.Cents(), reason, unixOf(now))
	if err != nil {
		return 0, fmt.Errorf("ledger entry: %w", err)
	}

	var balance int64
	if err := q.QueryRowContext(ctx, `SELECT balance_cents FROM users WHERE telegram_id = ?`, telegramID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return money.FromCents(balance), nil
}

func (s *SQLiteStore) BalanceHistory(ctx context.Context, telegramID int64, limit int) ([]BalanceEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, delta_cents, reason, created_at FROM balance_ledger
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`, telegramID, limit)
	if err != nil {
		return nil, fmt.Errorf("balance history: %w", err)
	}
	defer rows.Close()

	var out []BalanceEntry
	for rows.Next() {
		var (
			e       BalanceEntry
			delta   int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &delta, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.Delta = money.FromCents(delta)
		e.CreatedAt = timeOf(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backend: a single embedded SQLite file
// in WAL mode. All multi-statement operations run inside immediate
// transactions, which serialize writers up front and keep the conditional
// update guards race-free.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// FileDSN builds the DSN for a database file, creating the parent
// directory. WAL keeps readers unblocked during writes, the busy timeout
// absorbs short writer contention, and foreign keys stay on for hygiene.
func FileDSN(path string, busyTimeout time.Duration) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create database directory: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		abs, busyTimeout.Milliseconds()), nil
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	dsn, err := FileDSN(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// querier is the statement surface shared by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// Immediate mode takes the write lock at BEGIN, so a transaction never
// hits the deferred-upgrade deadlock and its read-check-write sequences
// observe a stable snapshot.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(q querier) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(conn); err != nil {
		// Roll back on a context-free deadline so a canceled request
		// cannot leave the connection mid-transaction.
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if _, err := conn.ExecContext(context.WithoutCancel(ctx), "COMMIT"); err != nil {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func unixOf(t time.Time) int64 {
	return t.UTC().Unix()
}

func timeOf(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixOf(*t)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// joinList flattens a scope list into its stored form: lowercase,
// trimmed, comma separated. Empty means unrestricted.
func joinList(items []string) string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			out = append(out, it)
		}
	}
	return strings.Join(out, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeCode is the canonical form for discount code storage and lookup.
func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// auditClamp records a reserved-counter clamp: releasing a unit found the
// counter already at zero, which means reservation accounting diverged
// earlier and was corrected here.
func auditClamp(ctx context.Context, q querier, productID int64, op string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO admin_log (actor_id, action, details, created_at) VALUES (0, 'reserved_clamp', ?, ?)`,
		fmt.Sprintf("product %d: reserved already zero during %s", productID, op), unixOf(now))
	return err
}

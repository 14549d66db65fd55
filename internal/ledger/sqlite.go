package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteMigrations are executed one statement at a time.
var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS seller_accounts (
		seller_id           TEXT PRIMARY KEY,
		total_earnings      INTEGER NOT NULL DEFAULT 0,
		total_orders        INTEGER NOT NULL DEFAULT 0,
		current_balance     INTEGER NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
		pending_withdrawals INTEGER NOT NULL DEFAULT 0 CHECK (pending_withdrawals >= 0),
		withdrawn_total     INTEGER NOT NULL DEFAULT 0 CHECK (withdrawn_total >= 0),
		version             INTEGER NOT NULL DEFAULT 0,
		last_updated        TEXT NOT NULL,
		CHECK (total_earnings = current_balance + pending_withdrawals + withdrawn_total)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		seller_id     TEXT NOT NULL REFERENCES seller_accounts (seller_id),
		kind          TEXT NOT NULL,
		amount        INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		order_ref     TEXT NOT NULL DEFAULT '',
		withdrawal_id TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		resolved_at   TEXT,
		metadata      TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_seller ON ledger_entries (seller_id, seq)`,
	`CREATE TABLE IF NOT EXISTS seller_withdrawals (
		id                  TEXT PRIMARY KEY,
		seller_id           TEXT NOT NULL REFERENCES seller_accounts (seller_id),
		amount              INTEGER NOT NULL CHECK (amount > 0),
		status              TEXT NOT NULL,
		requested_at        TEXT NOT NULL,
		processed_at        TEXT,
		completed_at        TEXT,
		cancelled_at        TEXT,
		notes               TEXT NOT NULL DEFAULT '',
		cancellation_reason TEXT NOT NULL DEFAULT '',
		settlement_ref      TEXT NOT NULL DEFAULT '',
		gateway_ref         TEXT NOT NULL DEFAULT '',
		entry_id            TEXT NOT NULL,
		metadata            TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seller_withdrawals_seller ON seller_withdrawals (seller_id)`,
	`CREATE INDEX IF NOT EXISTS idx_seller_withdrawals_status ON seller_withdrawals (status, requested_at)`,
}

// SQLiteStore is an embedded single-file store for local runs and the operator CLI.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteMigrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Load(ctx context.Context, sellerID string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback() // nolint:errcheck

	var (
		acct    Account
		updated string
	)
	err = tx.QueryRowContext(ctx, `SELECT seller_id, total_earnings, total_orders, current_balance,
		pending_withdrawals, withdrawn_total, version, last_updated
		FROM seller_accounts WHERE seller_id = ?`, sellerID).Scan(
		&acct.SellerID, &acct.TotalEarnings, &acct.TotalOrders, &acct.CurrentBalance,
		&acct.PendingWithdrawals, &acct.WithdrawnTotal, &acct.Version, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	if acct.LastUpdated, err = parseTime(updated); err != nil {
		return Account{}, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM seller_withdrawals WHERE seller_id = ?`, sellerID)
	if err != nil {
		return Account{}, err
	}
	defer rows.Close()

	acct.Withdrawals = make(map[string]Withdrawal)
	for rows.Next() {
		var (
			w                                  Withdrawal
			status, requested, meta            string
			processed, completed, cancelledStr sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.SellerID, &w.Amount, &status, &requested, &processed, &completed,
			&cancelledStr, &w.Notes, &w.CancellationReason, &w.SettlementRef, &w.GatewayRef, &w.EntryID, &meta); err != nil {
			return Account{}, err
		}
		w.Status = WithdrawalStatus(status)
		if w.RequestedAt, err = parseTime(requested); err != nil {
			return Account{}, err
		}
		if w.ProcessedAt, err = parseNullTime(processed); err != nil {
			return Account{}, err
		}
		if w.CompletedAt, err = parseNullTime(completed); err != nil {
			return Account{}, err
		}
		if w.CancelledAt, err = parseNullTime(cancelledStr); err != nil {
			return Account{}, err
		}
		if w.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return Account{}, err
		}
		acct.Withdrawals[w.ID] = w
	}
	return acct, rows.Err()
}

func (s *SQLiteStore) Create(ctx context.Context, sellerID string, at time.Time) (Account, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO seller_accounts (seller_id, last_updated) VALUES (?, ?)
		ON CONFLICT (seller_id) DO NOTHING`, sellerID, formatTime(at)); err != nil {
		return Account{}, err
	}
	return s.Load(ctx, sellerID)
}

func (s *SQLiteStore) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	a := c.Account
	res, err := tx.ExecContext(ctx, `UPDATE seller_accounts SET
			total_earnings = ?, total_orders = ?, current_balance = ?,
			pending_withdrawals = ?, withdrawn_total = ?, version = ?, last_updated = ?
		WHERE seller_id = ? AND version = ?`,
		a.TotalEarnings, a.TotalOrders, a.CurrentBalance, a.PendingWithdrawals, a.WithdrawnTotal,
		a.Version, formatTime(a.LastUpdated), a.SellerID, c.PrevVersion,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrVersionConflict
	}

	for _, e := range c.Appended {
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SellerID, string(e.Kind), e.Amount, e.BalanceAfter, e.OrderRef, e.WithdrawalID,
			string(e.Status), e.Description, formatTime(e.CreatedAt), formatNullTime(e.ResolvedAt), meta,
		); err != nil {
			return mapSQLiteError(err)
		}
	}

	for _, r := range c.Resolved {
		res, err := tx.ExecContext(ctx, `UPDATE ledger_entries SET status = ?, resolved_at = ?
			WHERE id = ? AND status = ?`, string(r.Status), formatTime(r.At), r.EntryID, string(EntryPending))
		if err != nil {
			return mapSQLiteError(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("resolve entry %s: %w", r.EntryID, ErrVersionConflict)
		}
	}

	for _, w := range c.Withdrawals {
		meta, err := encodeMetadata(w.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO seller_withdrawals (`+withdrawalColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				processed_at = excluded.processed_at,
				completed_at = excluded.completed_at,
				cancelled_at = excluded.cancelled_at,
				cancellation_reason = excluded.cancellation_reason,
				settlement_ref = excluded.settlement_ref,
				gateway_ref = excluded.gateway_ref`,
			w.ID, w.SellerID, w.Amount, string(w.Status), formatTime(w.RequestedAt),
			formatNullTime(w.ProcessedAt), formatNullTime(w.CompletedAt), formatNullTime(w.CancelledAt),
			w.Notes, w.CancellationReason, w.SettlementRef, w.GatewayRef, w.EntryID, meta,
		); err != nil {
			return mapSQLiteError(err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Entries(ctx context.Context, sellerID string, filter EntryFilter) (EntryPage, error) {
	filter = filter.normalize()
	const where = `WHERE seller_id = ? AND (? = '' OR kind = ?) AND (? = '' OR withdrawal_id = ?)`
	kind := string(filter.Kind)
	args := []any{sellerID, kind, kind, filter.WithdrawalID, filter.WithdrawalID}

	page := EntryPage{Page: filter.Page, Limit: filter.Limit, Entries: []Entry{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries `+where, args...).Scan(&page.Total); err != nil {
		return EntryPage{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries `+where+`
		ORDER BY seq DESC LIMIT ? OFFSET ?`, append(args, filter.Limit, filter.offset())...)
	if err != nil {
		return EntryPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                     Entry
			kind, status, created string
			meta                  string
			resolved              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SellerID, &kind, &e.Amount, &e.BalanceAfter, &e.OrderRef,
			&e.WithdrawalID, &status, &e.Description, &created, &resolved, &meta); err != nil {
			return EntryPage{}, err
		}
		e.Kind = EntryKind(kind)
		e.Status = EntryStatus(status)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return EntryPage{}, err
		}
		if e.ResolvedAt, err = parseNullTime(resolved); err != nil {
			return EntryPage{}, err
		}
		if e.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return EntryPage{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

func (s *SQLiteStore) StaleWithdrawals(ctx context.Context, before time.Time, limit int) ([]WithdrawalRef, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seller_id, id, status, requested_at FROM seller_withdrawals
		WHERE status IN ('pending', 'processing') AND requested_at < ?
		ORDER BY requested_at LIMIT ?`, formatTime(before), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []WithdrawalRef
	for rows.Next() {
		var (
			ref               WithdrawalRef
			status, requested string
		)
		if err := rows.Scan(&ref.SellerID, &ref.WithdrawalID, &status, &requested); err != nil {
			return nil, err
		}
		ref.Status = WithdrawalStatus(status)
		if ref.RequestedAt, err = parseTime(requested); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// sqliteTimeLayout sorts lexically in chronological order, which the stale
// withdrawal query relies on.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func mapSQLiteError(err error) error {
	if strings.Contains(err.Error(), "CHECK constraint failed") {
		return fmt.Errorf("%v: %w", err, ErrInvariant)
	}
	return err
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS seller_accounts (
    seller_id           TEXT PRIMARY KEY,
    total_earnings      BIGINT NOT NULL DEFAULT 0,
    total_orders        BIGINT NOT NULL DEFAULT 0,
    current_balance     BIGINT NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
    pending_withdrawals BIGINT NOT NULL DEFAULT 0 CHECK (pending_withdrawals >= 0),
    withdrawn_total     BIGINT NOT NULL DEFAULT 0 CHECK (withdrawn_total >= 0),
    version             BIGINT NOT NULL DEFAULT 0,
    last_updated        TIMESTAMPTZ NOT NULL,
    CHECK (total_earnings = current_balance + pending_withdrawals + withdrawn_total)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq           BIGSERIAL PRIMARY KEY,
    id            TEXT NOT NULL UNIQUE,
    seller_id     TEXT NOT NULL REFERENCES seller_accounts (seller_id),
    kind          TEXT NOT NULL,
    amount        BIGINT NOT NULL,
    balance_after BIGINT NOT NULL,
    order_ref     TEXT NOT NULL DEFAULT '',
    withdrawal_id TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    resolved_at   TIMESTAMPTZ,
    metadata      JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_seller ON ledger_entries (seller_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_withdrawal ON ledger_entries (seller_id, withdrawal_id);

CREATE TABLE IF NOT EXISTS seller_withdrawals (
    id                  TEXT PRIMARY KEY,
    seller_id           TEXT NOT NULL REFERENCES seller_accounts (seller_id),
    amount              BIGINT NOT NULL CHECK (amount > 0),
    status              TEXT NOT NULL,
    requested_at        TIMESTAMPTZ NOT NULL,
    processed_at        TIMESTAMPTZ,
    completed_at        TIMESTAMPTZ,
    cancelled_at        TIMESTAMPTZ,
    notes               TEXT NOT NULL DEFAULT '',
    cancellation_reason TEXT NOT NULL DEFAULT '',
    settlement_ref      TEXT NOT NULL DEFAULT '',
    gateway_ref         TEXT NOT NULL DEFAULT '',
    entry_id            TEXT NOT NULL,
    metadata            JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_seller_withdrawals_seller ON seller_withdrawals (seller_id);
CREATE INDEX IF NOT EXISTS idx_seller_withdrawals_reserved ON seller_withdrawals (requested_at)
    WHERE status IN ('pending', 'processing');
`

const (
	pgCheckViolation = "23514"

	entryColumns      = `id, seller_id, kind, amount, balance_after, order_ref, withdrawal_id, status, description, created_at, resolved_at, metadata`
	withdrawalColumns = `id, seller_id, amount, status, requested_at, processed_at, completed_at, cancelled_at, notes, cancellation_reason, settlement_ref, gateway_ref, entry_id, metadata`
)

// PostgresStore persists accounts, entries and withdrawals in PostgreSQL. Commits
// run in one transaction guarded by the account version.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Load reads the account and its withdrawals from one snapshot.
func (s *PostgresStore) Load(ctx context.Context, sellerID string) (Account, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Account{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	const query = `SELECT seller_id, total_earnings, total_orders, current_balance,
        pending_withdrawals, withdrawn_total, version, last_updated
        FROM seller_accounts WHERE seller_id = $1`

	var acct Account
	err = tx.QueryRow(ctx, query, sellerID).Scan(
		&acct.SellerID,
		&acct.TotalEarnings,
		&acct.TotalOrders,
		&acct.CurrentBalance,
		&acct.PendingWithdrawals,
		&acct.WithdrawnTotal,
		&acct.Version,
		&acct.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	acct.LastUpdated = acct.LastUpdated.UTC()

	rows, err := tx.Query(ctx, `SELECT `+withdrawalColumns+` FROM seller_withdrawals WHERE seller_id = $1`, sellerID)
	if err != nil {
		return Account{}, err
	}
	defer rows.Close()

	acct.Withdrawals = make(map[string]Withdrawal)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return Account{}, err
		}
		acct.Withdrawals[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// Create inserts an empty account unless it already exists.
func (s *PostgresStore) Create(ctx context.Context, sellerID string, at time.Time) (Account, error) {
	if _, err := s.db.Exec(ctx, `INSERT INTO seller_accounts (seller_id, last_updated) VALUES ($1, $2)
        ON CONFLICT (seller_id) DO NOTHING`, sellerID, at.UTC()); err != nil {
		return Account{}, err
	}
	return s.Load(ctx, sellerID)
}

// Commit applies an engine operation atomically.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	a := c.Account
	tag, err := tx.Exec(ctx, `UPDATE seller_accounts SET
            total_earnings = $1, total_orders = $2, current_balance = $3,
            pending_withdrawals = $4, withdrawn_total = $5, version = $6, last_updated = $7
        WHERE seller_id = $8 AND version = $9`,
		a.TotalEarnings, a.TotalOrders, a.CurrentBalance,
		a.PendingWithdrawals, a.WithdrawnTotal, a.Version, a.LastUpdated.UTC(),
		a.SellerID, c.PrevVersion,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for _, e := range c.Appended {
		meta, err := encodeMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)`,
			e.ID, e.SellerID, string(e.Kind), e.Amount, e.BalanceAfter, e.OrderRef, e.WithdrawalID,
			string(e.Status), e.Description, e.CreatedAt.UTC(), e.ResolvedAt, meta,
		); err != nil {
			return mapPgError(err)
		}
	}

	for _, r := range c.Resolved {
		tag, err := tx.Exec(ctx, `UPDATE ledger_entries SET status = $1, resolved_at = $2
            WHERE id = $3 AND status = $4`, string(r.Status), r.At.UTC(), r.EntryID, string(EntryPending))
		if err != nil {
			return mapPgError(err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("resolve entry %s: %w", r.EntryID, ErrVersionConflict)
		}
	}

	for _, w := range c.Withdrawals {
		meta, err := encodeMetadata(w.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO seller_withdrawals (`+withdrawalColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb)
            ON CONFLICT (id) DO UPDATE SET
                status = EXCLUDED.status,
                processed_at = EXCLUDED.processed_at,
                completed_at = EXCLUDED.completed_at,
                cancelled_at = EXCLUDED.cancelled_at,
                cancellation_reason = EXCLUDED.cancellation_reason,
                settlement_ref = EXCLUDED.settlement_ref,
                gateway_ref = EXCLUDED.gateway_ref`,
			w.ID, w.SellerID, w.Amount, string(w.Status), w.RequestedAt.UTC(),
			utcPtr(w.ProcessedAt), utcPtr(w.CompletedAt), utcPtr(w.CancelledAt),
			w.Notes, w.CancellationReason, w.SettlementRef, w.GatewayRef, w.EntryID, meta,
		); err != nil {
			return mapPgError(err)
		}
	}

	return tx.Commit(ctx)
}

// Entries lists a seller's entries newest first.
func (s *PostgresStore) Entries(ctx context.Context, sellerID string, filter EntryFilter) (EntryPage, error) {
	filter = filter.normalize()
	const where = `WHERE seller_id = $1 AND ($2 = '' OR kind = $2) AND ($3 = '' OR withdrawal_id = $3)`

	page := EntryPage{Page: filter.Page, Limit: filter.Limit, Entries: []Entry{}}
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries `+where,
		sellerID, string(filter.Kind), filter.WithdrawalID).Scan(&page.Total); err != nil {
		return EntryPage{}, err
	}

	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries `+where+`
        ORDER BY seq DESC LIMIT $4 OFFSET $5`,
		sellerID, string(filter.Kind), filter.WithdrawalID, filter.Limit, filter.offset())
	if err != nil {
		return EntryPage{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        Entry
			kind     string
			status   string
			resolved *time.Time
			meta     []byte
		)
		if err := rows.Scan(&e.ID, &e.SellerID, &kind, &e.Amount, &e.BalanceAfter, &e.OrderRef,
			&e.WithdrawalID, &status, &e.Description, &e.CreatedAt, &resolved, &meta); err != nil {
			return EntryPage{}, err
		}
		e.Kind = EntryKind(kind)
		e.Status = EntryStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		e.ResolvedAt = utcPtr(resolved)
		if e.Metadata, err = decodeMetadata(meta); err != nil {
			return EntryPage{}, err
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

// StaleWithdrawals lists reserved withdrawals requested before the cutoff.
func (s *PostgresStore) StaleWithdrawals(ctx context.Context, before time.Time, limit int) ([]WithdrawalRef, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `SELECT seller_id, id, status, requested_at FROM seller_withdrawals
        WHERE status IN ('pending', 'processing') AND requested_at < $1
        ORDER BY requested_at LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []WithdrawalRef
	for rows.Next() {
		var (
			ref    WithdrawalRef
			status string
		)
		if err := rows.Scan(&ref.SellerID, &ref.WithdrawalID, &status, &ref.RequestedAt); err != nil {
			return nil, err
		}
		ref.Status = WithdrawalStatus(status)
		ref.RequestedAt = ref.RequestedAt.UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var (
		w      Withdrawal
		status string
		meta   []byte
	)
	if err := row.Scan(&w.ID, &w.SellerID, &w.Amount, &status, &w.RequestedAt, &w.ProcessedAt,
		&w.CompletedAt, &w.CancelledAt, &w.Notes, &w.CancellationReason, &w.SettlementRef,
		&w.GatewayRef, &w.EntryID, &meta); err != nil {
		return Withdrawal{}, err
	}
	w.Status = WithdrawalStatus(status)
	w.RequestedAt = w.RequestedAt.UTC()
	w.ProcessedAt = utcPtr(w.ProcessedAt)
	w.CompletedAt = utcPtr(w.CompletedAt)
	w.CancelledAt = utcPtr(w.CancelledAt)
	var err error
	w.Metadata, err = decodeMetadata(meta)
	return w, err
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrInvariant)
	}
	return err
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

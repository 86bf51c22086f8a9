package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/PixelProbe/server/internal/config"
	"github.com/PixelProbe/server/internal/pricing"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// chargeRetries bounds optimistic retries when a serializable charge
// transaction loses to a concurrent writer.
const chargeRetries = 3

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() failure here is not actionable; the connection error is the
		// one the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	applyPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing
// connection pool, allowing the pool to be shared across repositories.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func applyPoolSettings(db *sql.DB, cfg config.PostgresPoolConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	if cfg.ConnMaxIdleTime.Duration > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime.Duration)
	}
}

// Close releases the connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// createTables creates the schema if it does not exist.
func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			provider_customer_id TEXT,
			tier TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credit_balances (
			id TEXT PRIMARY KEY,
			user_id TEXT UNIQUE,
			session_id TEXT UNIQUE,
			credits BIGINT NOT NULL DEFAULT 0 CHECK (credits >= 0),
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK ((user_id IS NULL) <> (session_id IS NULL))
		);

		CREATE TABLE IF NOT EXISTS credit_grants (
			id TEXT PRIMARY KEY,
			balance_id TEXT NOT NULL REFERENCES credit_balances(id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			remaining BIGINT NOT NULL CHECK (remaining >= 0 AND remaining <= amount),
			source TEXT NOT NULL,
			pack_id TEXT,
			external_payment_id TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			balance_id TEXT NOT NULL REFERENCES credit_balances(id),
			grant_id TEXT,
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL,
			description TEXT,
			external_payment_id TEXT,
			legs JSONB,
			refund_of TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS quotes (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT,
			files JSONB NOT NULL,
			ops INTEGER NOT NULL,
			credits_total BIGINT NOT NULL CHECK (credits_total >= 0),
			per_file JSONB NOT NULL,
			schedule JSONB NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS device_quota (
			device_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			extraction_count INTEGER NOT NULL DEFAULT 0 CHECK (extraction_count >= 0),
			last_used_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (device_id, session_id)
		);

		CREATE TABLE IF NOT EXISTS trial_usage (
			email TEXT PRIMARY KEY,
			extraction_count INTEGER NOT NULL DEFAULT 0 CHECK (extraction_count >= 0),
			last_used_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS processed_webhooks (
			event_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			result TEXT,
			processed_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_credit_grants_balance_created ON credit_grants(balance_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_credit_transactions_balance ON credit_transactions(balance_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_quotes_session ON quotes(session_id);
		CREATE INDEX IF NOT EXISTS idx_quotes_expires ON quotes(expires_at);
		CREATE INDEX IF NOT EXISTS idx_quotes_status ON quotes(status);
		CREATE INDEX IF NOT EXISTS idx_users_customer ON users(provider_customer_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertUser stores or updates a user record.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, provider_customer_id, tier, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			provider_customer_id = EXCLUDED.provider_customer_id,
			tier = EXCLUDED.tier
	`, user.ID, nullString(user.Email), nullString(user.ProviderCustomerID), nullString(user.Tier), user.CreatedAt.UTC())
	return err
}

// GetUserByEmail retrieves a user by unique email.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, provider_customer_id, tier, created_at FROM users WHERE lower(email) = lower($1)`, email)
}

// GetUserByProviderCustomerID retrieves a user by the payment provider's customer id.
func (s *PostgresStore) GetUserByProviderCustomerID(ctx context.Context, customerID string) (User, error) {
	return s.getUser(ctx, `SELECT id, email, provider_customer_id, tier, created_at FROM users WHERE provider_customer_id = $1`, customerID)
}

func (s *PostgresStore) getUser(ctx context.Context, query, arg string) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var u User
	var email, customerID, tier sql.NullString
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &email, &customerID, &tier, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Email = email.String
	u.ProviderCustomerID = customerID.String
	u.Tier = tier.String
	return u, nil
}

// ensureBalance finds or creates the balance row for key inside tx.
func ensureBalance(ctx context.Context, tx *sql.Tx, key BalanceKey) (string, error) {
	var (
		id    string
		query string
		owner string
	)
	if key.UserID != "" {
		query, owner = `SELECT id FROM credit_balances WHERE user_id = $1`, key.UserID
	} else {
		query, owner = `SELECT id FROM credit_balances WHERE session_id = $1`, key.SessionID
	}
	err := tx.QueryRowContext(ctx, query, owner).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_balances (id, user_id, session_id, credits, updated_at)
		VALUES ($1, $2, $3, 0, $4)
	`, id, nullString(key.UserID), nullString(key.SessionID), time.Now().UTC())
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateGrant creates a credit grant, idempotent on externalPaymentID.
func (s *PostgresStore) CreateGrant(ctx context.Context, key BalanceKey, amount int64, source GrantSource, packID, externalPaymentID string, expiresAt *time.Time) (CreditGrant, bool, error) {
	if err := key.Validate(); err != nil {
		return CreditGrant{}, false, err
	}
	if amount <= 0 {
		return CreditGrant{}, false, fmt.Errorf("grant amount must be > 0")
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if externalPaymentID != "" {
		grant, err := s.getGrantByExternalID(ctx, externalPaymentID)
		if err == nil {
			return grant, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CreditGrant{}, false, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditGrant{}, false, err
	}
	defer tx.Rollback()

	balanceID, err := ensureBalance(ctx, tx, key)
	if err != nil {
		return CreditGrant{}, false, err
	}

	now := time.Now().UTC()
	grant := CreditGrant{
		ID:                uuid.NewString(),
		BalanceID:         balanceID,
		Amount:            amount,
		Remaining:         amount,
		Source:            source,
		PackID:            packID,
		ExternalPaymentID: externalPaymentID,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_grants (id, balance_id, amount, remaining, source, pack_id, external_payment_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, grant.ID, grant.BalanceID, grant.Amount, grant.Remaining, string(grant.Source),
		nullString(grant.PackID), nullString(grant.ExternalPaymentID), grant.CreatedAt, nullTime(grant.ExpiresAt))
	if err != nil {
		// A concurrent ingest with the same payment id won the insert race.
		if isUniqueViolation(err) && externalPaymentID != "" {
			_ = tx.Rollback()
			existing, lookupErr := s.getGrantByExternalID(ctx, externalPaymentID)
			if lookupErr != nil {
				return CreditGrant{}, false, lookupErr
			}
			return existing, false, nil
		}
		return CreditGrant{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE credit_balances SET credits = credits + $1, updated_at = $2 WHERE id = $3
	`, amount, now, balanceID); err != nil {
		return CreditGrant{}, false, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, balance_id, grant_id, kind, amount, description, external_payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.NewString(), balanceID, grant.ID, string(TransactionGrant), amount,
		fmt.Sprintf("grant %s", source), nullString(externalPaymentID), now); err != nil {
		return CreditGrant{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return CreditGrant{}, false, err
	}
	return grant, true, nil
}

func (s *PostgresStore) getGrantByExternalID(ctx context.Context, externalPaymentID string) (CreditGrant, error) {
	var g CreditGrant
	var packID, extID sql.NullString
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance_id, amount, remaining, source, pack_id, external_payment_id, created_at, expires_at
		FROM credit_grants WHERE external_payment_id = $1
	`, externalPaymentID).Scan(&g.ID, &g.BalanceID, &g.Amount, &g.Remaining, &g.Source, &packID, &extID, &g.CreatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditGrant{}, ErrNotFound
	}
	if err != nil {
		return CreditGrant{}, err
	}
	g.PackID = packID.String
	g.ExternalPaymentID = extID.String
	if expiresAt.Valid {
		t := expiresAt.Time
		g.ExpiresAt = &t
	}
	return g, nil
}

// ChargeCredits consumes grants FIFO inside a serializable transaction with
// bounded retries. Concurrent chargers contend on the same grant rows; the
// loser retries from scratch and fails with ErrInsufficientCredits if the
// picture changed.
func (s *PostgresStore) ChargeCredits(ctx context.Context, key BalanceKey, amount int64, description string) (CreditTransaction, error) {
	if err := key.Validate(); err != nil {
		return CreditTransaction{}, err
	}
	if amount <= 0 {
		return CreditTransaction{}, fmt.Errorf("charge amount must be > 0")
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < chargeRetries; attempt++ {
		tx, err := s.chargeOnce(ctx, key, amount, description)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, ErrInsufficientCredits) {
			return CreditTransaction{}, err
		}
		if !isRetryableTxError(err) {
			return CreditTransaction{}, err
		}
		lastErr = err
	}
	return CreditTransaction{}, fmt.Errorf("charge contention not resolved after %d attempts: %w", chargeRetries, lastErr)
}

func (s *PostgresStore) chargeOnce(ctx context.Context, key BalanceKey, amount int64, description string) (CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return CreditTransaction{}, err
	}
	defer tx.Rollback()

	balanceID, err := ensureBalance(ctx, tx, key)
	if err != nil {
		return CreditTransaction{}, err
	}

	now := time.Now().UTC()

	// Lock candidate grants oldest-first; the row lock serializes concurrent
	// chargers on the same balance.
	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining FROM credit_grants
		WHERE balance_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at ASC
		FOR UPDATE
	`, balanceID, now)
	if err != nil {
		return CreditTransaction{}, err
	}

	type candidate struct {
		id        string
		remaining int64
	}
	var candidates []candidate
	var available int64
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.remaining); err != nil {
			rows.Close()
			return CreditTransaction{}, err
		}
		candidates = append(candidates, c)
		available += c.remaining
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return CreditTransaction{}, err
	}
	rows.Close()

	if available < amount {
		return CreditTransaction{}, ErrInsufficientCredits
	}

	var legs []ChargeLeg
	left := amount
	for _, c := range candidates {
		if left == 0 {
			break
		}
		take := c.remaining
		if take > left {
			take = left
		}
		// Per-row guard: if the row no longer qualifies the whole attempt
		// aborts and the caller retries from scratch.
		res, err := tx.ExecContext(ctx, `
			UPDATE credit_grants SET remaining = remaining - $1 WHERE id = $2 AND remaining >= $1
		`, take, c.id)
		if err != nil {
			return CreditTransaction{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return CreditTransaction{}, err
		}
		if affected != 1 {
			return CreditTransaction{}, errChargeContention
		}
		legs = append(legs, ChargeLeg{GrantID: c.id, Taken: take})
		left -= take
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET credits = credits - $1, updated_at = $2 WHERE id = $3 AND credits >= $1
	`, amount, now, balanceID)
	if err != nil {
		return CreditTransaction{}, err
	}
	if affected, err := res.RowsAffected(); err != nil || affected != 1 {
		if err != nil {
			return CreditTransaction{}, err
		}
		return CreditTransaction{}, errChargeContention
	}

	legsJSON, err := json.Marshal(legs)
	if err != nil {
		return CreditTransaction{}, fmt.Errorf("marshal charge legs: %w", err)
	}
	charge := CreditTransaction{
		ID:          uuid.NewString(),
		BalanceID:   balanceID,
		Kind:        TransactionCharge,
		Amount:      -amount,
		Description: description,
		Legs:        legs,
		CreatedAt:   now,
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, balance_id, kind, amount, description, legs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, charge.ID, charge.BalanceID, string(charge.Kind), charge.Amount, charge.Description, legsJSON, charge.CreatedAt); err != nil {
		return CreditTransaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return CreditTransaction{}, err
	}
	return charge, nil
}

// errChargeContention marks an in-transaction conflict worth retrying.
var errChargeContention = errors.New("storage: charge contention")

func isRetryableTxError(err error) bool {
	if errors.Is(err, errChargeContention) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure or deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// RefundCharge restores the exact grants a charge debited. The unique
// constraint on refund_of makes the refund idempotent per charge.
func (s *PostgresStore) RefundCharge(ctx context.Context, chargeTransactionID string) (CreditTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return CreditTransaction{}, err
	}
	defer tx.Rollback()

	var charge CreditTransaction
	var legsJSON []byte
	err = tx.QueryRowContext(ctx, `
		SELECT id, balance_id, kind, amount, description, legs FROM credit_transactions WHERE id = $1
	`, chargeTransactionID).Scan(&charge.ID, &charge.BalanceID, &charge.Kind, &charge.Amount, &charge.Description, &legsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditTransaction{}, ErrNotFound
	}
	if err != nil {
		return CreditTransaction{}, err
	}
	if charge.Kind != TransactionCharge {
		return CreditTransaction{}, ErrNotFound
	}
	if err := json.Unmarshal(legsJSON, &charge.Legs); err != nil {
		return CreditTransaction{}, fmt.Errorf("unmarshal charge legs: %w", err)
	}

	now := time.Now().UTC()
	var restored int64
	for _, leg := range charge.Legs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credit_grants SET remaining = remaining + $1 WHERE id = $2
		`, leg.Taken, leg.GrantID); err != nil {
			return CreditTransaction{}, err
		}
		restored += leg.Taken
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET credits = credits + $1, updated_at = $2 WHERE id = $3
	`, restored, now, charge.BalanceID); err != nil {
		return CreditTransaction{}, err
	}

	refund := CreditTransaction{
		ID:          uuid.NewString(),
		BalanceID:   charge.BalanceID,
		Kind:        TransactionRefund,
		Amount:      restored,
		Description: "refund of " + charge.Description,
		Legs:        charge.Legs,
		RefundOf:    chargeTransactionID,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, balance_id, kind, amount, description, legs, refund_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, refund.ID, refund.BalanceID, string(refund.Kind), refund.Amount, refund.Description, legsJSON, refund.RefundOf, refund.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			// Lost to an earlier refund; roll back and return the original.
			tx.Rollback()
			existing, lookupErr := s.getRefundByCharge(ctx, chargeTransactionID)
			if lookupErr != nil {
				return CreditTransaction{}, ErrAlreadyRefunded
			}
			return existing, ErrAlreadyRefunded
		}
		return CreditTransaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return CreditTransaction{}, err
	}
	return refund, nil
}

// getRefundByCharge loads the refund transaction recorded for a charge.
func (s *PostgresStore) getRefundByCharge(ctx context.Context, chargeTransactionID string) (CreditTransaction, error) {
	var refund CreditTransaction
	var legsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance_id, kind, amount, description, legs, refund_of, created_at
		FROM credit_transactions WHERE refund_of = $1
	`, chargeTransactionID).Scan(&refund.ID, &refund.BalanceID, &refund.Kind, &refund.Amount, &refund.Description, &legsJSON, &refund.RefundOf, &refund.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CreditTransaction{}, ErrNotFound
	}
	if err != nil {
		return CreditTransaction{}, err
	}
	if err := json.Unmarshal(legsJSON, &refund.Legs); err != nil {
		return CreditTransaction{}, fmt.Errorf("unmarshal refund legs: %w", err)
	}
	return refund, nil
}

// GetBalance reads the cached balance; zero for unknown keys.
func (s *PostgresStore) GetBalance(ctx context.Context, key BalanceKey) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var query, owner string
	if key.UserID != "" {
		query, owner = `SELECT credits FROM credit_balances WHERE user_id = $1`, key.UserID
	} else {
		query, owner = `SELECT credits FROM credit_balances WHERE session_id = $1`, key.SessionID
	}
	var credits int64
	err := s.db.QueryRowContext(ctx, query, owner).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return credits, err
}

// RecomputeBalance sums grant remainders for consistency checks.
func (s *PostgresStore) RecomputeBalance(ctx context.Context, key BalanceKey) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var query, owner string
	if key.UserID != "" {
		query, owner = `
			SELECT COALESCE(SUM(g.remaining), 0) FROM credit_grants g
			JOIN credit_balances b ON b.id = g.balance_id WHERE b.user_id = $1`, key.UserID
	} else {
		query, owner = `
			SELECT COALESCE(SUM(g.remaining), 0) FROM credit_grants g
			JOIN credit_balances b ON b.id = g.balance_id WHERE b.session_id = $1`, key.SessionID
	}
	var sum int64
	err := s.db.QueryRowContext(ctx, query, owner).Scan(&sum)
	return sum, err
}

// ListTransactions returns the newest transactions for a balance.
func (s *PostgresStore) ListTransactions(ctx context.Context, key BalanceKey, limit int) ([]CreditTransaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var query, owner string
	if key.UserID != "" {
		query, owner = `
			SELECT t.id, t.balance_id, t.grant_id, t.kind, t.amount, t.description, t.external_payment_id, t.legs, t.refund_of, t.created_at
			FROM credit_transactions t JOIN credit_balances b ON b.id = t.balance_id
			WHERE b.user_id = $1 ORDER BY t.created_at DESC LIMIT $2`, key.UserID
	} else {
		query, owner = `
			SELECT t.id, t.balance_id, t.grant_id, t.kind, t.amount, t.description, t.external_payment_id, t.legs, t.refund_of, t.created_at
			FROM credit_transactions t JOIN credit_balances b ON b.id = t.balance_id
			WHERE b.session_id = $1 ORDER BY t.created_at DESC LIMIT $2`, key.SessionID
	}

	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var grantID, description, extID, refundOf sql.NullString
		var legsJSON []byte
		if err := rows.Scan(&t.ID, &t.BalanceID, &grantID, &t.Kind, &t.Amount, &description, &extID, &legsJSON, &refundOf, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.GrantID = grantID.String
		t.Description = description.String
		t.ExternalPaymentID = extID.String
		t.RefundOf = refundOf.String
		if len(legsJSON) > 0 {
			if err := json.Unmarshal(legsJSON, &t.Legs); err != nil {
				return nil, fmt.Errorf("unmarshal transaction legs: %w", err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// SaveQuote persists a quote.
func (s *PostgresStore) SaveQuote(ctx context.Context, quote Quote) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filesJSON, err := json.Marshal(quote.Files)
	if err != nil {
		return fmt.Errorf("marshal quote files: %w", err)
	}
	perFileJSON, err := json.Marshal(quote.PerFileCredits)
	if err != nil {
		return fmt.Errorf("marshal quote per-file costs: %w", err)
	}
	scheduleJSON, err := json.Marshal(quote.Schedule)
	if err != nil {
		return fmt.Errorf("marshal quote schedule: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quotes (id, session_id, user_id, files, ops, credits_total, per_file, schedule, status, created_at, expires_at, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, quote.ID, quote.SessionID, nullString(quote.UserID), filesJSON, int(quote.Ops), quote.CreditsTotal,
		perFileJSON, scheduleJSON, string(quote.Status), quote.CreatedAt.UTC(), quote.ExpiresAt.UTC(), nullTime(quote.UsedAt))
	return err
}

// GetQuote retrieves a quote by id.
func (s *PostgresStore) GetQuote(ctx context.Context, quoteID string) (Quote, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var q Quote
	var userID sql.NullString
	var usedAt sql.NullTime
	var filesJSON, perFileJSON, scheduleJSON []byte
	var ops int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, files, ops, credits_total, per_file, schedule, status, created_at, expires_at, used_at
		FROM quotes WHERE id = $1
	`, quoteID).Scan(&q.ID, &q.SessionID, &userID, &filesJSON, &ops, &q.CreditsTotal, &perFileJSON, &scheduleJSON, &q.Status, &q.CreatedAt, &q.ExpiresAt, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrNotFound
	}
	if err != nil {
		return Quote{}, err
	}
	q.UserID = userID.String
	q.Ops = pricing.OpMask(ops)
	if usedAt.Valid {
		t := usedAt.Time
		q.UsedAt = &t
	}
	if err := json.Unmarshal(filesJSON, &q.Files); err != nil {
		return Quote{}, fmt.Errorf("unmarshal quote files: %w", err)
	}
	if err := json.Unmarshal(perFileJSON, &q.PerFileCredits); err != nil {
		return Quote{}, fmt.Errorf("unmarshal quote per-file costs: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &q.Schedule); err != nil {
		return Quote{}, fmt.Errorf("unmarshal quote schedule: %w", err)
	}
	return q, nil
}

// MarkQuoteUsed is the compare-and-set guarding quote replay. Exactly one
// concurrent caller observes success.
func (s *PostgresStore) MarkQuoteUsed(ctx context.Context, quoteID string, now time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE quotes SET status = $1, used_at = $2
		WHERE id = $3 AND status = $4 AND expires_at > $2
	`, string(QuoteUsed), now.UTC(), quoteID, string(QuoteActive))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return ErrQuoteNotActive
	}
	return nil
}

// SweepExpiredQuotes physically deletes quotes expired before cutoff.
func (s *PostgresStore) SweepExpiredQuotes(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM quotes WHERE id IN (
			SELECT id FROM quotes WHERE expires_at < $1 LIMIT $2
		)
	`, cutoff.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReserveDeviceSlot is an atomic conditional increment; the limit is a hard
// ceiling under any concurrency.
func (s *PostgresStore) ReserveDeviceSlot(ctx context.Context, deviceID, sessionID string, limit int) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit < 1 {
		used, _ := s.GetDeviceUsage(ctx, deviceID, sessionID)
		return used, ErrQuotaExceeded
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO device_quota (device_id, session_id, extraction_count, last_used_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (device_id, session_id) DO UPDATE
		SET extraction_count = device_quota.extraction_count + 1, last_used_at = EXCLUDED.last_used_at
		WHERE device_quota.extraction_count < $4
		RETURNING extraction_count
	`, deviceID, sessionID, time.Now().UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		used, usageErr := s.GetDeviceUsage(ctx, deviceID, sessionID)
		if usageErr != nil {
			return 0, usageErr
		}
		return used, ErrQuotaExceeded
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ReleaseDeviceSlot decrements the device counter, bounded at zero.
func (s *PostgresStore) ReleaseDeviceSlot(ctx context.Context, deviceID, sessionID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE device_quota SET extraction_count = extraction_count - 1
		WHERE device_id = $1 AND session_id = $2 AND extraction_count > 0
	`, deviceID, sessionID)
	return err
}

// GetDeviceUsage reads the device counter.
func (s *PostgresStore) GetDeviceUsage(ctx context.Context, deviceID, sessionID string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT extraction_count FROM device_quota WHERE device_id = $1 AND session_id = $2
	`, deviceID, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// ReserveTrialSlot is the trial-email twin of ReserveDeviceSlot.
func (s *PostgresStore) ReserveTrialSlot(ctx context.Context, email string, limit int) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if limit < 1 {
		used, _ := s.GetTrialUsage(ctx, email)
		return used, ErrQuotaExceeded
	}

	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trial_usage (email, extraction_count, last_used_at)
		VALUES ($1, 1, $2)
		ON CONFLICT (email) DO UPDATE
		SET extraction_count = trial_usage.extraction_count + 1, last_used_at = EXCLUDED.last_used_at
		WHERE trial_usage.extraction_count < $3
		RETURNING extraction_count
	`, email, time.Now().UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		used, usageErr := s.GetTrialUsage(ctx, email)
		if usageErr != nil {
			return 0, usageErr
		}
		return used, ErrQuotaExceeded
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ReleaseTrialSlot decrements the trial counter, bounded at zero.
func (s *PostgresStore) ReleaseTrialSlot(ctx context.Context, email string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE trial_usage SET extraction_count = extraction_count - 1
		WHERE email = $1 AND extraction_count > 0
	`, email)
	return err
}

// GetTrialUsage reads the trial counter.
func (s *PostgresStore) GetTrialUsage(ctx context.Context, email string) (int, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT extraction_count FROM trial_usage WHERE email = $1
	`, email).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// MarkWebhookProcessed inserts the dedup row; false means a duplicate event.
func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, record ProcessedWebhook) (bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhooks (event_id, provider, result, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, record.EventID, record.Provider, record.Result, record.ProcessedAt.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseWebhookEvent drops the dedup row so a redelivery can retry.
func (s *PostgresStore) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_webhooks WHERE event_id = $1
	`, eventID)
	return err
}

// PurgeProcessedWebhooks removes dedup rows older than the retention cutoff.
func (s *PostgresStore) PurgeProcessedWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_webhooks WHERE processed_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInsufficientFunds is returned when a debit would drive a balance negative.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDuplicateIdempotencyKey is returned when a session insert loses a race
// on the (user, idempotency key) unique constraint.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// Store provides data access to the global PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}

	return nil
}

// notFound maps pgx.ErrNoRows onto ErrNotFound so callers can use errors.Is.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- User operations ---

type User struct {
	ID          uuid.UUID `json:"id"`
	DiscordID   string    `json:"discordId"`
	Email       *string   `json:"email,omitempty"`
	Username    string    `json:"username"`
	DisplayName *string   `json:"displayName,omitempty"`
	Coins       int       `json:"coins"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const userColumns = `id, discord_id, email, username, display_name, coins, is_admin, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.DiscordID, &u.Email, &u.Username, &u.DisplayName,
		&u.Coins, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, discordID, username string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`INSERT INTO users (discord_id, username) VALUES ($1, $2)
		 RETURNING `+userColumns,
		discordID, username,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", notFound(err))
	}
	return user, nil
}

func (s *Store) GetUserByDiscordID(ctx context.Context, discordID string) (*User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE discord_id = $1`, discordID,
	))
	if err != nil {
		return nil, fmt.Errorf("user not found: %w", notFound(err))
	}
	return user, nil
}

// --- Wallet operations ---

type LedgerEntry struct {
	ID        uuid.UUID         `json:"id"`
	UserID    uuid.UUID         `json:"userId"`
	Type      string            `json:"type"`
	Amount    int               `json:"amount"`
	Balance   int               `json:"balance"`
	RefID     *uuid.UUID        `json:"refId,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// GetBalance returns the user's current coin balance.
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	var balance int
	err := s.pool.QueryRow(ctx, `SELECT coins FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("user not found: %w", notFound(err))
	}
	return balance, nil
}

// adjustBalanceTx applies a signed coin amount to a user inside an existing
// transaction and appends the matching ledger entry. The users.coins CHECK
// constraint is the backstop; the explicit guard gives a typed error.
func adjustBalanceTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int, entryType string, refID *uuid.UUID, meta map[string]string) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `SELECT coins FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("user not found: %w", notFound(err))
	}
	newBalance := balance + amount
	if newBalance < 0 {
		return 0, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET coins = $1, updated_at = now() WHERE id = $2`,
		newBalance, userID,
	); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	var metaJSON []byte
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal ledger meta: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, type, amount, balance, ref_id, meta)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, entryType, amount, newBalance, refID, metaJSON,
	); err != nil {
		return 0, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return newBalance, nil
}

// AdjustBalance atomically applies a signed coin amount and records a ledger
// entry. It fails with ErrInsufficientFunds if the result would be negative.
func (s *Store) AdjustBalance(ctx context.Context, userID uuid.UUID, amount int, entryType string, refID *uuid.UUID, meta map[string]string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := adjustBalanceTx(ctx, tx, userID, amount, entryType, refID, meta)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit balance adjustment: %w", err)
	}
	return balance, nil
}

// HasLedgerEntry reports whether a ledger entry of the given type already
// references the given session. Used to keep compensating credits idempotent.
func (s *Store) HasLedgerEntry(ctx context.Context, userID, refID uuid.UUID, entryType string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM ledger_entries WHERE user_id = $1 AND ref_id = $2 AND type = $3
		)`,
		userID, refID, entryType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return exists, nil
}

// ListLedgerEntries returns the most recent ledger entries for a user.
func (s *Store) ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount, balance, ref_id, meta, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.Balance, &e.RefID, &metaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &e.Meta)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

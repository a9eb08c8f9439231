package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/losocloud/losocloud/internal/crypto"
	"github.com/losocloud/losocloud/pkg/types"
)

// --- Session operations ---

type Session struct {
	ID             uuid.UUID             `json:"id"`
	UserID         uuid.UUID             `json:"userId"`
	ProductID      uuid.UUID             `json:"productId"`
	WorkerID       *uuid.UUID            `json:"workerId,omitempty"`
	SessionToken   string                `json:"-"`
	Status         types.SessionStatus   `json:"status"`
	Checklist      []types.ChecklistItem `json:"checklist"`
	RDPHost        *string               `json:"rdpHost,omitempty"`
	RDPPort        *int                  `json:"rdpPort,omitempty"`
	RDPUser        *string               `json:"rdpUser,omitempty"`
	RDPPassword    *string               `json:"rdpPassword,omitempty"`
	WorkerRoute    *string               `json:"workerRoute,omitempty"`
	LogURL         *string               `json:"logUrl,omitempty"`
	IdempotencyKey string                `json:"idempotencyKey"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
	ExpiresAt      *time.Time            `json:"expiresAt,omitempty"`
}

const sessionColumns = `id, user_id, product_id, worker_id, session_token, status, checklist,
	rdp_host, rdp_port, rdp_user, rdp_password, worker_route, log_url,
	idempotency_key, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	var checklistJSON []byte
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.ProductID, &sess.WorkerID, &sess.SessionToken,
		&sess.Status, &checklistJSON,
		&sess.RDPHost, &sess.RDPPort, &sess.RDPUser, &sess.RDPPassword,
		&sess.WorkerRoute, &sess.LogURL,
		&sess.IdempotencyKey, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if len(checklistJSON) > 0 {
		if err := json.Unmarshal(checklistJSON, &sess.Checklist); err != nil {
			return nil, fmt.Errorf("failed to decode checklist: %w", err)
		}
	}
	if sess.RDPPassword != nil {
		opened, err := crypto.Open(*sess.RDPPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to open rdp credential: %w", err)
		}
		sess.RDPPassword = &opened
	}
	return sess, nil
}

func checklistJSON(items []types.ChecklistItem) ([]byte, error) {
	if items == nil {
		items = []types.ChecklistItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checklist: %w", err)
	}
	return data, nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", notFound(err))
	}
	return sess, nil
}

// GetSessionByIdempotencyKey returns the session previously created for the
// given (user, key) pair, or ErrNotFound.
func (s *Store) GetSessionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	))
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", notFound(err))
	}
	return sess, nil
}

// ListSessionsForUser returns all of a user's sessions, newest first.
func (s *Store) ListSessionsForUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsOlderThan returns sessions created before the cutoff whose
// status is one of the given statuses.
func (s *Store) ListSessionsOlderThan(ctx context.Context, cutoff time.Time, statuses []types.SessionStatus) ([]Session, error) {
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE created_at < $1 AND status = ANY($2)
		 ORDER BY created_at`,
		cutoff, strs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// UpdateSession persists the mutable fields of a session and refreshes
// updated_at. The caller's struct is updated with the stored timestamps.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	checklist, err := checklistJSON(sess.Checklist)
	if err != nil {
		return err
	}
	rdpPassword := sess.RDPPassword
	if rdpPassword != nil {
		sealed, err := crypto.Seal(*rdpPassword)
		if err != nil {
			return fmt.Errorf("failed to seal rdp credential: %w", err)
		}
		rdpPassword = &sealed
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE sessions SET
			worker_id = $1, status = $2, checklist = $3,
			rdp_host = $4, rdp_port = $5, rdp_user = $6, rdp_password = $7,
			worker_route = $8, log_url = $9, expires_at = $10, updated_at = now()
		 WHERE id = $11
		 RETURNING updated_at`,
		sess.WorkerID, sess.Status, checklist,
		sess.RDPHost, sess.RDPPort, sess.RDPUser, rdpPassword,
		sess.WorkerRoute, sess.LogURL, sess.ExpiresAt, sess.ID,
	).Scan(&sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", notFound(err))
	}
	return nil
}

// CreateSessionWithDebit inserts a session row and debits the owner's wallet
// by price in a single transaction. Either both commit or neither does. The
// ledger entry references the new session id.
func (s *Store) CreateSessionWithDebit(ctx context.Context, sess *Session, price int, meta map[string]string) error {
	checklist, err := checklistJSON(sess.Checklist)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO sessions
			(user_id, product_id, worker_id, session_token, status, checklist, idempotency_key, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		sess.UserID, sess.ProductID, sess.WorkerID, sess.SessionToken,
		sess.Status, checklist, sess.IdempotencyKey, sess.ExpiresAt,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}

	refID := sess.ID
	if _, err := adjustBalanceTx(ctx, tx, sess.UserID, -price, "vps.purchase", &refID, meta); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session creation: %w", err)
	}
	return nil
}

// MarkSessionFailedWithRefund marks the session failed, clears its remote
// handles and credits the wallet the full amount, all in one transaction.
func (s *Store) MarkSessionFailedWithRefund(ctx context.Context, sess *Session, amount int, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE sessions SET
			status = 'failed', worker_route = NULL, log_url = NULL, updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		sess.ID,
	).Scan(&sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", notFound(err))
	}

	refID := sess.ID
	if _, err := adjustBalanceTx(ctx, tx, sess.UserID, amount, "vps.refund", &refID, map[string]string{"reason": reason}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}

	sess.Status = types.SessionStatusFailed
	sess.WorkerRoute = nil
	sess.LogURL = nil
	return nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/losocloud/losocloud/pkg/types"
)

// --- Worker operations ---

type Worker struct {
	ID          uuid.UUID          `json:"id"`
	Name        *string            `json:"name,omitempty"`
	BaseURL     string             `json:"baseUrl"`
	Status      types.WorkerStatus `json:"status"`
	MaxSessions int                `json:"maxSessions"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

const workerColumns = `id, name, base_url, status, max_sessions, created_at, updated_at`

func scanWorker(row pgx.Row) (*Worker, error) {
	w := &Worker{}
	err := row.Scan(&w.ID, &w.Name, &w.BaseURL, &w.Status, &w.MaxSessions, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func collectWorkers(rows pgx.Rows) ([]Worker, error) {
	defer rows.Close()
	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

func (s *Store) CreateWorker(ctx context.Context, name, baseURL string, maxSessions int) (*Worker, error) {
	worker, err := scanWorker(s.pool.QueryRow(ctx,
		`INSERT INTO workers (name, base_url, max_sessions) VALUES ($1, $2, $3)
		 RETURNING `+workerColumns,
		name, baseURL, maxSessions,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	return worker, nil
}

func (s *Store) GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error) {
	worker, err := scanWorker(s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("worker not found: %w", notFound(err))
	}
	return worker, nil
}

// ListWorkers returns all workers regardless of status.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return collectWorkers(rows)
}

// ListActiveWorkers returns all workers with status 'active'.
func (s *Store) ListActiveWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE status = 'active' ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	return collectWorkers(rows)
}

// WorkersForProduct returns the active workers explicitly associated with a product.
func (s *Store) WorkersForProduct(ctx context.Context, productID uuid.UUID) ([]Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixedWorkerColumns+`
		 FROM workers w
		 JOIN product_workers pw ON pw.worker_id = w.id
		 WHERE pw.product_id = $1 AND w.status = 'active'
		 ORDER BY w.created_at DESC`,
		productID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list product workers: %w", err)
	}
	return collectWorkers(rows)
}

const prefixedWorkerColumns = `w.id, w.name, w.base_url, w.status, w.max_sessions, w.created_at, w.updated_at`

// UpdateWorker patches the non-nil fields of a worker.
func (s *Store) UpdateWorker(ctx context.Context, id uuid.UUID, name, baseURL, status *string, maxSessions *int) (*Worker, error) {
	worker, err := scanWorker(s.pool.QueryRow(ctx,
		`UPDATE workers SET
			name = COALESCE($1, name),
			base_url = COALESCE($2, base_url),
			status = COALESCE($3, status),
			max_sessions = COALESCE($4, max_sessions),
			updated_at = now()
		 WHERE id = $5
		 RETURNING `+workerColumns,
		name, baseURL, status, maxSessions, id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update worker: %w", notFound(err))
	}
	return worker, nil
}

func (s *Store) DeleteWorker(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker not found: %w", ErrNotFound)
	}
	return nil
}

// ActiveSessionCounts returns, per worker, the number of sessions currently
// in an active status (pending/provisioning/ready).
func (s *Store) ActiveSessionCounts(ctx context.Context, workerIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(workerIDs))
	if len(workerIDs) == 0 {
		return counts, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, COUNT(*) FROM sessions
		 WHERE worker_id = ANY($1) AND status IN ('pending', 'provisioning', 'ready')
		 GROUP BY worker_id`,
		workerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var workerID uuid.UUID
		var count int
		if err := rows.Scan(&workerID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan session count: %w", err)
		}
		counts[workerID] = count
	}
	return counts, rows.Err()
}

// --- Product operations ---

type Product struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Description     *string   `json:"description,omitempty"`
	PriceCoins      int       `json:"priceCoins"`
	ProvisionAction int       `json:"provisionAction"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

const productColumns = `id, name, description, price_coins, provision_action, is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	p := &Product{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCoins, &p.ProvisionAction, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) CreateProduct(ctx context.Context, name, description string, priceCoins, provisionAction int) (*Product, error) {
	product, err := scanProduct(s.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price_coins, provision_action)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+productColumns,
		name, description, priceCoins, provisionAction,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return product, nil
}

func (s *Store) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	product, err := scanProduct(s.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("product not found: %w", notFound(err))
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products ORDER BY created_at DESC`
	if activeOnly {
		query = `SELECT ` + productColumns + ` FROM products WHERE is_active ORDER BY created_at DESC`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// UpdateProduct patches the non-nil fields of a product.
func (s *Store) UpdateProduct(ctx context.Context, id uuid.UUID, name, description *string, priceCoins, provisionAction *int, isActive *bool) (*Product, error) {
	product, err := scanProduct(s.pool.QueryRow(ctx,
		`UPDATE products SET
			name = COALESCE($1, name),
			description = COALESCE($2, description),
			price_coins = COALESCE($3, price_coins),
			provision_action = COALESCE($4, provision_action),
			is_active = COALESCE($5, is_active),
			updated_at = now()
		 WHERE id = $6
		 RETURNING `+productColumns,
		name, description, priceCoins, provisionAction, isActive, id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", notFound(err))
	}
	return product, nil
}

// SetProductWorkers replaces the set of workers eligible for a product.
func (s *Store) SetProductWorkers(ctx context.Context, productID uuid.UUID, workerIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM product_workers WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("failed to clear product workers: %w", err)
	}
	for _, workerID := range workerIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO product_workers (product_id, worker_id) VALUES ($1, $2)`,
			productID, workerID,
		); err != nil {
			return fmt.Errorf("failed to assign worker %s: %w", workerID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit product workers: %w", err)
	}
	return nil
}

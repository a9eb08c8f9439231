package types

import "time"

// WorkerStatus is the administrative state of a worker.
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusDisabled WorkerStatus = "disabled"
)

// Worker is the wire representation of a provisioning worker.
type Worker struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	BaseURL     string       `json:"base_url"`
	Status      WorkerStatus `json:"status"`
	MaxSessions int          `json:"max_sessions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// WorkerRegisterRequest is the admin request body for registering a worker.
type WorkerRegisterRequest struct {
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	MaxSessions int    `json:"max_sessions"`
}

// WorkerUpdateRequest is the admin request body for patching a worker.
// Nil fields are left unchanged.
type WorkerUpdateRequest struct {
	Name        *string `json:"name,omitempty"`
	BaseURL     *string `json:"base_url,omitempty"`
	Status      *string `json:"status,omitempty"`
	MaxSessions *int    `json:"max_sessions,omitempty"`
}

// WorkerAvailability is the capacity summary for one worker as reported by
// the availability endpoint. TokensLeft is -1 when the probe failed.
type WorkerAvailability struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TokensLeft int    `json:"tokens_left"`
	Available  bool   `json:"available"`
	Error      string `json:"error,omitempty"`
}

// AvailabilityResponse summarizes capacity across workers for a product.
type AvailabilityResponse struct {
	Available  bool                 `json:"available"`
	Workers    []WorkerAvailability `json:"workers"`
	TokensLeft int                  `json:"tokens_left"`
	Reason     string               `json:"reason,omitempty"`
}

// Product is the wire representation of a purchasable VPS product.
type Product struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	PriceCoins      int       `json:"price_coins"`
	ProvisionAction int       `json:"provision_action"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProductCreateRequest is the admin request body for creating a product.
type ProductCreateRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	PriceCoins      int    `json:"price_coins"`
	ProvisionAction int    `json:"provision_action"`
}

// LedgerEntry is the wire representation of one wallet ledger line.
type LedgerEntry struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Amount    int               `json:"amount"`
	Balance   int               `json:"balance"`
	RefID     string            `json:"ref_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// WalletResponse is the response for the wallet endpoint.
type WalletResponse struct {
	Balance int           `json:"balance"`
	Entries []LedgerEntry `json:"entries"`
}

package types

import "time"

// SessionStatus represents the lifecycle state of a VPS session.
type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "pending"
	SessionStatusProvisioning SessionStatus = "provisioning"
	SessionStatusReady        SessionStatus = "ready"
	SessionStatusFailed       SessionStatus = "failed"
	SessionStatusExpired      SessionStatus = "expired"
	SessionStatusDeleted      SessionStatus = "deleted"
)

// ActiveStatuses are the states in which a session counts against a
// worker's concurrency cap.
var ActiveStatuses = []SessionStatus{
	SessionStatusPending,
	SessionStatusProvisioning,
	SessionStatusReady,
}

// Terminal reports whether the status is final from the broker's
// perspective. "failed" sessions may still be promoted to "ready" by an
// external updater, so only deleted/expired count as terminal here.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusDeleted || s == SessionStatusExpired
}

// ChecklistItem is one provisioning milestone recorded on a session.
type ChecklistItem struct {
	Key   string            `json:"key"`
	Label string            `json:"label"`
	Done  bool              `json:"done"`
	TS    *time.Time        `json:"ts"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// RDPInfo holds remote-desktop connection details, populated only once a
// session reaches "ready".
type RDPInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// SessionPayload is the wire representation of a session returned by the API.
type SessionPayload struct {
	ID           string          `json:"id"`
	Status       SessionStatus   `json:"status"`
	Checklist    []ChecklistItem `json:"checklist"`
	CreatedAt    *time.Time      `json:"created_at"`
	UpdatedAt    *time.Time      `json:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	Product      *ProductSummary `json:"product"`
	WorkerID     string          `json:"worker_id,omitempty"`
	HasLog       bool            `json:"has_log"`
	WorkerRoute  string          `json:"worker_route,omitempty"`
	LogURL       string          `json:"log_url,omitempty"`
	WorkerAction int             `json:"worker_action,omitempty"`
	Stream       string          `json:"stream,omitempty"`
	RDP          *RDPInfo        `json:"rdp,omitempty"`
}

// ProductSummary is the product block embedded in a session payload.
type ProductSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	PriceCoins      int    `json:"price_coins,omitempty"`
	ProvisionAction int    `json:"provision_action,omitempty"`
}

// PurchaseRequest is the request body for purchase-and-create.
type PurchaseRequest struct {
	ProductID    string `json:"product_id"`
	WorkerAction *int   `json:"worker_action,omitempty"`
	VMType       string `json:"vm_type,omitempty"`
	WorkerID     string `json:"worker_id,omitempty"`
}

// PurchaseResponse wraps the created (or replayed) session.
type PurchaseResponse struct {
	Session SessionPayload `json:"session"`
}

// SessionListResponse is the response for listing a user's sessions.
type SessionListResponse struct {
	Sessions []SessionPayload `json:"sessions"`
}

// VMTypes maps the client-facing vm_type strings to worker action codes.
// Action codes: 1 = linux, 2 = windows, 3 = test.
var VMTypes = map[string]int{
	"linux":   1,
	"windows": 2,
	"win":     2,
	"dummy":   3,
	"test":    3,
}

// ValidAction reports whether the worker action code is supported.
func ValidAction(action int) bool {
	return action >= 1 && action <= 3
}

// Package vps implements the provisioning broker: purchase, worker
// selection, remote provisioning with failover, refund on failure, and
// session lifecycle reconciliation.
package vps

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/events"
	"github.com/losocloud/losocloud/internal/metrics"
	"github.com/losocloud/losocloud/internal/workerapi"
	"github.com/losocloud/losocloud/pkg/types"
)

// Ledger entry types written by the broker.
const (
	LedgerTypePurchase          = "vps.purchase"
	LedgerTypeRefund            = "vps.refund"
	LedgerTypeRefundUnreachable = "vps.auto_refund_unreachable"
)

// ipPattern matches "IP: a.b.c.d[:port]" lines embedded in worker logs.
var ipPattern = regexp.MustCompile(`(?i)\bIP:\s*([0-9]{1,3}(?:\.[0-9]{1,3}){3}(?::[0-9]{1,5})?)`)

// Store is the persistence surface the broker depends on.
type Store interface {
	SelectorStore

	GetProduct(ctx context.Context, id uuid.UUID) (*db.Product, error)
	GetWorker(ctx context.Context, id uuid.UUID) (*db.Worker, error)

	GetSession(ctx context.Context, id uuid.UUID) (*db.Session, error)
	GetSessionByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*db.Session, error)
	ListSessionsForUser(ctx context.Context, userID uuid.UUID) ([]db.Session, error)
	ListSessionsOlderThan(ctx context.Context, cutoff time.Time, statuses []types.SessionStatus) ([]db.Session, error)
	UpdateSession(ctx context.Context, sess *db.Session) error
	CreateSessionWithDebit(ctx context.Context, sess *db.Session, price int, meta map[string]string) error
	MarkSessionFailedWithRefund(ctx context.Context, sess *db.Session, amount int, reason string) error

	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	AdjustBalance(ctx context.Context, userID uuid.UUID, amount int, entryType string, refID *uuid.UUID, meta map[string]string) (int, error)
	HasLedgerEntry(ctx context.Context, userID, refID uuid.UUID, entryType string) (bool, error)
}

// Transport performs the remote calls against a worker base URL.
type Transport interface {
	CreateVM(ctx context.Context, baseURL string, action int) (route, logURL string, err error)
	StopVM(ctx context.Context, baseURL, route string) error
	FetchLog(ctx context.Context, baseURL, route string) (string, error)
	TokenLeft(ctx context.Context, baseURL string) (int, error)
}

// Config holds the broker's tunables.
type Config struct {
	SessionTTL             time.Duration // horizon set on new sessions
	MaxWorkerRetries       int           // worker attempts per purchase
	UnreachableRefundCoins int           // fixed credit for confirmed-unreachable sessions
	ReachabilityTimeout    time.Duration // per-probe timeout for the post-provision check
	CleanupMaxAge          time.Duration // age past which active sessions are force-stopped
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:             5 * time.Hour,
		MaxWorkerRetries:       3,
		UnreachableRefundCoins: 15,
		ReachabilityTimeout:    5 * time.Second,
		CleanupMaxAge:          6 * time.Hour,
	}
}

// Broker orchestrates VPS purchases against the worker pool.
type Broker struct {
	store     Store
	transport Transport
	selector  *Selector
	bus       events.Bus
	cfg       Config

	// probeClient is only used for the post-provision reachability check.
	// Provisioned instances often serve self-signed certificates, hence
	// the disabled verification.
	probeClient *http.Client
}

// New creates a provisioning broker.
func New(store Store, transport Transport, bus events.Bus, cfg Config) *Broker {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Hour
	}
	if cfg.MaxWorkerRetries <= 0 {
		cfg.MaxWorkerRetries = 3
	}
	if cfg.UnreachableRefundCoins <= 0 {
		cfg.UnreachableRefundCoins = 15
	}
	if cfg.ReachabilityTimeout <= 0 {
		cfg.ReachabilityTimeout = 5 * time.Second
	}
	if cfg.CleanupMaxAge <= 0 {
		cfg.CleanupMaxAge = 6 * time.Hour
	}
	return &Broker{
		store:     store,
		transport: transport,
		selector:  NewSelector(store),
		bus:       bus,
		cfg:       cfg,
		probeClient: &http.Client{
			Timeout: cfg.ReachabilityTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// Selector exposes the broker's worker selector (used by availability checks).
func (b *Broker) Selector() *Selector {
	return b.selector
}

// CleanupMaxAge returns the configured stale-session horizon.
func (b *Broker) CleanupMaxAge() time.Duration {
	return b.cfg.CleanupMaxAge
}

func newSessionToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// PurchaseAndCreate debits the user's wallet, creates a session and drives
// remote provisioning with bounded failover across the worker pool. The
// returned bool is false when the idempotency key matched an existing
// session (replay). After the debit commits, every failure path issues a
// matching refund before the error is returned.
func (b *Broker) PurchaseAndCreate(ctx context.Context, userID, productID uuid.UUID, idempotencyKey string, workerAction *int, workerID *uuid.UUID) (*db.Session, bool, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, false, ErrMissingIdempotencyKey
	}

	existing, err := b.store.GetSessionByIdempotencyKey(ctx, userID, key)
	if err == nil {
		b.ensureNotExpired(ctx, existing)
		return existing, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	product, err := b.store.GetProduct(ctx, productID)
	if err != nil || !product.IsActive {
		return nil, false, ErrProductUnavailable
	}

	action := product.ProvisionAction
	if workerAction != nil {
		if !types.ValidAction(*workerAction) {
			return nil, false, ErrInvalidAction
		}
		action = *workerAction
	}

	balance, err := b.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("balance lookup failed: %w", err)
	}
	if balance < product.PriceCoins {
		return nil, false, ErrInsufficientBalance
	}

	attempted := make(map[uuid.UUID]bool)
	var worker *db.Worker
	if workerID != nil {
		worker, err = b.store.GetWorker(ctx, *workerID)
		if err != nil || worker.Status != types.WorkerStatusActive {
			return nil, false, ErrWorkerUnavailable
		}
	} else {
		worker, err = b.selector.SelectForProduct(ctx, productID, nil)
		if err != nil {
			return nil, false, err
		}
		if worker == nil {
			return nil, false, &UnavailableError{Reason: ReasonNoWorkerAvailable}
		}
	}
	attempted[worker.ID] = true

	now := time.Now().UTC()
	expires := now.Add(b.cfg.SessionTTL)
	wid := worker.ID
	sess := &db.Session{
		UserID:         userID,
		ProductID:      product.ID,
		WorkerID:       &wid,
		SessionToken:   newSessionToken(),
		Status:         types.SessionStatusPending,
		Checklist:      []types.ChecklistItem{},
		IdempotencyKey: key,
		ExpiresAt:      &expires,
	}

	if err := b.store.CreateSessionWithDebit(ctx, sess, product.PriceCoins, map[string]string{
		"product_id": product.ID.String(),
	}); err != nil {
		if errors.Is(err, db.ErrInsufficientFunds) {
			return nil, false, ErrInsufficientBalance
		}
		if errors.Is(err, db.ErrDuplicateIdempotencyKey) {
			// A concurrent purchase with the same key won the insert;
			// serve its session as a replay.
			winner, lookupErr := b.store.GetSessionByIdempotencyKey(ctx, userID, key)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency lookup failed: %w", lookupErr)
			}
			b.ensureNotExpired(ctx, winner)
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}
	metrics.PurchasesTotal.WithLabelValues("created").Inc()

	b.publishChecklist(sess)
	b.publishStatus(sess)

	start := time.Now()
	if err := b.provision(ctx, sess, product, worker, action, attempted); err != nil {
		metrics.PurchasesTotal.WithLabelValues("failed").Inc()
		return nil, false, err
	}
	metrics.PurchasesTotal.WithLabelValues("provisioned").Inc()
	metrics.ProvisionDuration.Observe(time.Since(start).Seconds())

	return sess, true, nil
}

// provision runs the capacity-probe / create / failover loop for a freshly
// debited session. Any terminal failure refunds before returning.
func (b *Broker) provision(ctx context.Context, sess *db.Session, product *db.Product, worker *db.Worker, action int, attempted map[uuid.UUID]bool) error {
	var route, logURL string

	for attempt := 1; ; attempt++ {
		tokens, err := b.transport.TokenLeft(ctx, worker.BaseURL)
		if err != nil {
			log.Printf("broker: worker %s unreachable during capacity probe: %v", worker.ID, err)
			next, switchErr := b.switchWorker(ctx, sess, product.ID, attempted)
			if switchErr != nil {
				return switchErr
			}
			if next == nil {
				return b.refundAndFail(ctx, sess, product, ReasonAllUnreachable, &UnavailableError{Reason: ReasonAllUnreachable})
			}
			worker = next
			continue
		}

		if tokens == 0 {
			next, switchErr := b.switchWorker(ctx, sess, product.ID, attempted)
			if switchErr != nil {
				return switchErr
			}
			if next == nil {
				return b.refundAndFail(ctx, sess, product, ReasonNoTokensAvailable, &UnavailableError{Reason: ReasonNoTokensAvailable})
			}
			worker = next
			continue
		}

		route, logURL, err = b.transport.CreateVM(ctx, worker.BaseURL, action)
		if err == nil {
			break
		}

		if workerapi.Retryable(err) && attempt < b.cfg.MaxWorkerRetries {
			log.Printf("broker: worker %s busy (attempt %d/%d): %v", worker.ID, attempt, b.cfg.MaxWorkerRetries, err)
			metrics.FailoversTotal.Inc()
			next, switchErr := b.switchWorker(ctx, sess, product.ID, attempted)
			if switchErr != nil {
				return switchErr
			}
			if next != nil {
				worker = next
				continue
			}
		}

		reason := ReasonWorkerCreationFailed
		var ge *workerapi.GatewayError
		if errors.As(err, &ge) && ge.Detail != "" {
			reason = ge.Detail
		}
		return b.refundAndFail(ctx, sess, product, reason, fmt.Errorf("worker creation failed: %w", err))
	}

	now := time.Now().UTC()
	sess.WorkerRoute = &route
	sess.LogURL = &logURL
	sess.Status = types.SessionStatusProvisioning
	sess.Checklist = []types.ChecklistItem{{
		Key:   "worker_action",
		Label: strconv.Itoa(action),
		Done:  true,
		TS:    &now,
		Meta:  map[string]string{"worker_action": strconv.Itoa(action)},
	}}
	if err := b.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to record provisioning result: %w", err)
	}

	b.publishChecklist(sess)
	b.publishStatus(sess)
	return nil
}

// switchWorker reassigns the session to another untried eligible worker and
// persists the reassignment before the next remote attempt, so observers
// never see an uncommitted in-flight worker identity.
func (b *Broker) switchWorker(ctx context.Context, sess *db.Session, productID uuid.UUID, attempted map[uuid.UUID]bool) (*db.Worker, error) {
	next, err := b.selector.SelectForProduct(ctx, productID, attempted)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	attempted[next.ID] = true
	nid := next.ID
	sess.WorkerID = &nid
	if err := b.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist worker reassignment: %w", err)
	}
	return next, nil
}

// refundAndFail marks the session failed, credits back the full product price
// and publishes the status change, then returns cause. A refund failure
// propagates instead of cause: a debited-but-unrefunded session must never
// be silently reported as merely failed.
func (b *Broker) refundAndFail(ctx context.Context, sess *db.Session, product *db.Product, reason string, cause error) error {
	if err := b.store.MarkSessionFailedWithRefund(ctx, sess, product.PriceCoins, reason); err != nil {
		return fmt.Errorf("refund failed for session %s: %w", sess.ID, err)
	}
	metrics.RefundsTotal.WithLabelValues(LedgerTypeRefund).Inc()
	b.publishStatus(sess)
	return cause
}

// GetSessionForUser loads a session scoped to its owner, applying lazy expiry.
func (b *Broker) GetSessionForUser(ctx context.Context, sessionID, userID uuid.UUID) (*db.Session, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil || sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	b.ensureNotExpired(ctx, sess)
	return sess, nil
}

// ListSessionsForUser returns the user's non-terminal sessions, newest first.
func (b *Broker) ListSessionsForUser(ctx context.Context, userID uuid.UUID) ([]db.Session, error) {
	sessions, err := b.store.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	filtered := sessions[:0:0]
	for i := range sessions {
		b.ensureNotExpired(ctx, &sessions[i])
		if sessions[i].Status.Terminal() {
			continue
		}
		filtered = append(filtered, sessions[i])
	}
	return filtered, nil
}

// ensureNotExpired lazily transitions a session past its horizon to expired.
func (b *Broker) ensureNotExpired(ctx context.Context, sess *db.Session) {
	if sess.ExpiresAt == nil || sess.ExpiresAt.After(time.Now()) || sess.Status.Terminal() {
		return
	}
	sess.Status = types.SessionStatusExpired
	if err := b.store.UpdateSession(ctx, sess); err != nil {
		log.Printf("broker: failed to expire session %s: %v", sess.ID, err)
	}
}

// StopSession stops the remote VM (best effort) and marks the session
// deleted. A remote stop failure is logged but never blocks the local
// transition: an orphaned remote VM beats a client-visible stuck session.
func (b *Broker) StopSession(ctx context.Context, sess *db.Session) error {
	if sess.WorkerID != nil && sess.WorkerRoute != nil {
		worker, err := b.store.GetWorker(ctx, *sess.WorkerID)
		if err == nil {
			if err := b.transport.StopVM(ctx, worker.BaseURL, *sess.WorkerRoute); err != nil {
				log.Printf("broker: worker stop failed for session %s (worker %s): %v", sess.ID, worker.ID, err)
			}
		}
	}

	now := time.Now().UTC()
	sess.Status = types.SessionStatusDeleted
	sess.ExpiresAt = &now
	sess.WorkerRoute = nil
	sess.LogURL = nil
	sess.RDPHost = nil
	sess.RDPPort = nil
	sess.RDPUser = nil
	sess.RDPPassword = nil
	if err := b.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to mark session deleted: %w", err)
	}

	b.publishStatus(sess)
	return nil
}

// FetchSessionLog retrieves the remote provisioning log and then verifies
// that any address the log advertises actually responds. A confirmed-dead
// address terminates and refunds the session.
func (b *Broker) FetchSessionLog(ctx context.Context, sess *db.Session) (string, error) {
	if sess.WorkerID == nil || sess.WorkerRoute == nil {
		return "", ErrLogNotAvailable
	}
	worker, err := b.store.GetWorker(ctx, *sess.WorkerID)
	if err != nil {
		return "", ErrLogNotAvailable
	}
	logText, err := b.transport.FetchLog(ctx, worker.BaseURL, *sess.WorkerRoute)
	if err != nil {
		return "", fmt.Errorf("unable to fetch log: %w", err)
	}
	if err := b.verifyRemoteAccess(ctx, sess, logText); err != nil {
		return "", err
	}
	return logText, nil
}

// verifyRemoteAccess scans the log for an advertised IP and probes it.
func (b *Broker) verifyRemoteAccess(ctx context.Context, sess *db.Session, logText string) error {
	if sess.Status.Terminal() {
		return nil
	}
	match := ipPattern.FindStringSubmatch(logText)
	if match == nil {
		return nil
	}
	target := strings.TrimSpace(match[1])
	if target == "" {
		return nil
	}

	host := target
	port := 0
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		host = target[:idx]
		if p, err := strconv.Atoi(target[idx+1:]); err == nil && p >= 1 && p <= 65535 {
			port = p
		}
	}

	var candidates []string
	if port > 0 {
		candidates = []string{
			fmt.Sprintf("http://%s:%d", host, port),
			fmt.Sprintf("https://%s:%d", host, port),
		}
	} else {
		candidates = []string{"http://" + host, "https://" + host}
	}

	var lastErr error
	lastStatus := 0
	for _, url := range candidates {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := b.probeClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		if resp.StatusCode < 400 && strings.TrimSpace(string(body)) != "" {
			return nil
		}
		lastStatus = resp.StatusCode
		lastErr = nil
	}

	if err := b.StopSession(ctx, sess); err != nil {
		log.Printf("broker: failed to stop unreachable session %s: %v", sess.ID, err)
	}
	b.creditUnreachable(ctx, sess)

	detail := "remote did not respond with content"
	if lastErr != nil && lastStatus == 0 {
		detail = "remote IP is unreachable"
	}
	log.Printf("broker: connectivity post-check failed for session %s (target %s): lastErr=%v lastStatus=%d",
		sess.ID, target, lastErr, lastStatus)
	return &GoneError{Detail: detail}
}

// creditUnreachable issues the one-time compensating credit for a session
// terminated by the reachability check. The ledger is consulted first so
// repeated checks can never double-credit.
func (b *Broker) creditUnreachable(ctx context.Context, sess *db.Session) {
	exists, err := b.store.HasLedgerEntry(ctx, sess.UserID, sess.ID, LedgerTypeRefundUnreachable)
	if err != nil {
		log.Printf("broker: ledger check failed for session %s: %v", sess.ID, err)
		return
	}
	if exists {
		return
	}
	refID := sess.ID
	if _, err := b.store.AdjustBalance(ctx, sess.UserID, b.cfg.UnreachableRefundCoins, LedgerTypeRefundUnreachable, &refID, map[string]string{
		"source": "unreachable_ip_check",
	}); err != nil {
		log.Printf("broker: failed to credit unreachable refund for session %s: %v", sess.ID, err)
		return
	}
	metrics.RefundsTotal.WithLabelValues(LedgerTypeRefundUnreachable).Inc()
}

// CleanupExpiredSessions force-stops sessions older than maxAge that are
// still in an active status. Per-session failures are logged and do not
// abort the batch. Returns the number of sessions cleaned.
func (b *Broker) CleanupExpiredSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	sessions, err := b.store.ListSessionsOlderThan(ctx, cutoff, types.ActiveStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	cleaned := 0
	for i := range sessions {
		if err := b.StopSession(ctx, &sessions[i]); err != nil {
			log.Printf("broker: auto cleanup failed for session %s: %v", sessions[i].ID, err)
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (b *Broker) publishStatus(sess *db.Session) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(sess.ID, events.Event{
		Event: events.TypeStatusUpdate,
		Data:  map[string]any{"status": sess.Status},
	}); err != nil {
		log.Printf("broker: status publish failed for session %s: %v", sess.ID, err)
	}
}

func (b *Broker) publishChecklist(sess *db.Session) {
	if b.bus == nil {
		return
	}
	if err := b.bus.Publish(sess.ID, events.Event{
		Event: events.TypeChecklistUpdate,
		Data:  map[string]any{"items": sess.Checklist},
	}); err != nil {
		log.Printf("broker: checklist publish failed for session %s: %v", sess.ID, err)
	}
}

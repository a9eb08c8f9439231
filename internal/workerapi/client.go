// Package workerapi is the HTTP façade over a provisioning worker's API.
// Workers are third-party remote processes, so every call here degrades to a
// typed error the broker can act on instead of a raw transport failure.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrBusy signals transient worker overload (HTTP 429) that survived the
// local retry budget. The broker treats it as a failover trigger.
var ErrBusy = errors.New("worker busy")

// ErrNoLogURL is returned when a worker's create response carries no usable log URL.
var ErrNoLogURL = errors.New("worker did not return a valid log url")

// GatewayError is a non-recoverable upstream failure (malformed payload or
// an unexpected HTTP status).
type GatewayError struct {
	Status int
	Detail string
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("worker gateway error (status %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("worker gateway error (status %d)", e.Status)
}

// InputError is a worker-reported client error (HTTP 400), passed through.
type InputError struct {
	Detail string
}

func (e *InputError) Error() string { return "worker rejected input: " + e.Detail }

// RejectedError is a business-level rejection (HTTP 401 from the worker,
// e.g. an authentication requirement on the remote side).
type RejectedError struct {
	Detail string
}

func (e *RejectedError) Error() string { return "worker rejected request: " + e.Detail }

// Retryable reports whether an error from CreateVM warrants failing over to
// another worker rather than surfacing immediately.
func Retryable(err error) bool {
	if errors.Is(err, ErrBusy) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		detail := strings.ToLower(ge.Detail)
		return strings.Contains(detail, "no available tokens") || strings.Contains(detail, "server busy")
	}
	return false
}

// Options configures a Client. Zero values fall back to the defaults below.
type Options struct {
	CreateTimeout time.Duration // provisioning may involve real machine bring-up
	ProbeTimeout  time.Duration // capacity probes and log fetches
	BusyRetries   int           // local retries on 429 before surfacing ErrBusy
	BusyBackoff   time.Duration
}

// Client performs remote calls against worker base URLs.
type Client struct {
	createClient *http.Client
	probeClient  *http.Client
	busyRetries  int
	busyBackoff  time.Duration
}

// New creates a worker API client.
func New(opts Options) *Client {
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 300 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.BusyRetries <= 0 {
		opts.BusyRetries = 2
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = time.Second
	}
	return &Client{
		createClient: &http.Client{Timeout: opts.CreateTimeout},
		probeClient:  &http.Client{Timeout: opts.ProbeTimeout},
		busyRetries:  opts.BusyRetries,
		busyBackoff:  opts.BusyBackoff,
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// extractRoute pulls the worker route out of a log URL. Workers follow a
// "/log/{route}" convention; anything else falls back to the final path segment.
func extractRoute(logURL string) (string, error) {
	raw := strings.TrimSpace(logURL)
	if raw == "" {
		return "", ErrNoLogURL
	}
	var route string
	if idx := strings.Index(raw, "/log/"); idx >= 0 {
		route = raw[idx+len("/log/"):]
	} else {
		parts := strings.Split(raw, "/")
		route = parts[len(parts)-1]
	}
	route = strings.TrimSpace(route)
	if route == "" {
		return "", ErrNoLogURL
	}
	return route, nil
}

// normalizeLogURL resolves a worker-returned log URL against the worker base.
// Absolute URLs pass through untouched.
func normalizeLogURL(base, logURL string) string {
	raw := strings.TrimSpace(logURL)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return joinURL(base, raw)
}

// detailText extracts a human-readable detail from a worker response body.
// Workers usually answer {"detail": "..."}; plain text is used as-is.
func detailText(body []byte) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(body))
}

// CreateVM asks the worker to provision a VM for the given action code and
// returns the worker route plus the normalized log URL.
func (c *Client) CreateVM(ctx context.Context, baseURL string, action int) (route, logURL string, err error) {
	reqBody, _ := json.Marshal(map[string]int{"action": action})

	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "vm-loso"), bytes.NewReader(reqBody))
		if err != nil {
			return "", "", fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err = c.createClient.Do(req)
		if err != nil {
			return "", "", fmt.Errorf("worker unreachable: %w", err)
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if attempt >= c.busyRetries {
			return "", "", fmt.Errorf("worker still busy after %d retries: %w", attempt, ErrBusy)
		}
		select {
		case <-time.After(c.busyBackoff << attempt):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return "", "", &InputError{Detail: detailText(body)}
	case resp.StatusCode == http.StatusUnauthorized:
		return "", "", &RejectedError{Detail: detailText(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", "", &GatewayError{Status: resp.StatusCode, Detail: detailText(body)}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return "", "", &GatewayError{Status: resp.StatusCode, Detail: "worker returned unexpected payload"}
	}
	rawLogURL, _ := payload["logUrl"].(string)
	if rawLogURL == "" {
		rawLogURL, _ = payload["log_url"].(string)
	}
	if rawLogURL == "" {
		return "", "", &GatewayError{Status: resp.StatusCode, Detail: ErrNoLogURL.Error()}
	}

	route, err = extractRoute(rawLogURL)
	if err != nil {
		return "", "", &GatewayError{Status: resp.StatusCode, Detail: err.Error()}
	}
	return route, normalizeLogURL(baseURL, rawLogURL), nil
}

// StopVM stops a provisioned VM. Safe to call on an already-stopped route;
// the caller is expected to treat failures as non-blocking.
func (c *Client) StopVM(ctx context.Context, baseURL, route string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "stop/"+route), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{Status: resp.StatusCode, Detail: detailText(body)}
	}
	return nil
}

// FetchLog retrieves the provisioning log text for a route.
func (c *Client) FetchLog(ctx context.Context, baseURL, route string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, "log/"+route), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read log body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &GatewayError{Status: resp.StatusCode, Detail: detailText(body)}
	}
	return string(body), nil
}

// TokenLeft probes how many more sessions the worker can accept. A transport
// failure is returned as an error; a response that cannot be parsed yields
// -1 ("unknown") with no error, so callers block only on an explicit 0.
func (c *Client) TokenLeft(ctx context.Context, baseURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, "tokenleft"), nil)
	if err != nil {
		return -1, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return -1, fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return -1, &GatewayError{Status: resp.StatusCode}
	}

	var payload struct {
		TotalSlots *int `json:"totalSlots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.TotalSlots == nil {
		return -1, nil
	}
	return *payload.TotalSlots, nil
}

// Health checks the worker health endpoint and returns its structured status.
func (c *Client) Health(ctx context.Context, baseURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(baseURL, "health"), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &GatewayError{Status: resp.StatusCode, Detail: detailText(body)}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		return payload, nil
	}
	return map[string]any{"status": strings.TrimSpace(string(body))}, nil
}

// RegisterAccount registers an upstream account on the worker (used by the
// rewarded-ads token flow). A 409 means the mail is already registered.
func (c *Client) RegisterAccount(ctx context.Context, baseURL, email, password string) (bool, error) {
	reqBody, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "yud-ranyisi"), bytes.NewReader(reqBody))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.createClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusOK:
		var ok bool
		if err := json.Unmarshal(body, &ok); err != nil {
			return false, nil
		}
		return ok, nil
	case resp.StatusCode == http.StatusConflict:
		return false, &RejectedError{Detail: "duplicate_mail"}
	default:
		return false, &GatewayError{Status: resp.StatusCode, Detail: detailText(body)}
	}
}

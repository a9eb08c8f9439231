// Package client is an HTTP client for the losocloud admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/losocloud/losocloud/pkg/types"
)

// Client is an HTTP client for the losocloud API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new losocloud API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// decode checks the response status and unmarshals the body into out.
// Pass a nil out to discard the body.
func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListWorkers lists all registered workers.
func (c *Client) ListWorkers(ctx context.Context) ([]types.Worker, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/admin/workers", nil)
	if err != nil {
		return nil, err
	}
	var workers []types.Worker
	if err := decode(resp, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// CreateWorker registers a new worker.
func (c *Client) CreateWorker(ctx context.Context, req types.WorkerRegisterRequest) (*types.Worker, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/workers", req)
	if err != nil {
		return nil, err
	}
	var worker types.Worker
	if err := decode(resp, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// GetWorker gets a worker by ID.
func (c *Client) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/admin/workers/"+id, nil)
	if err != nil {
		return nil, err
	}
	var worker types.Worker
	if err := decode(resp, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// UpdateWorker patches a worker. Nil fields are left unchanged.
func (c *Client) UpdateWorker(ctx context.Context, id string, req types.WorkerUpdateRequest) (*types.Worker, error) {
	resp, err := c.doRequest(ctx, http.MethodPatch, "/admin/workers/"+id, req)
	if err != nil {
		return nil, err
	}
	var worker types.Worker
	if err := decode(resp, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// DeleteWorker removes a worker. Fails while the worker has active sessions.
func (c *Client) DeleteWorker(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/admin/workers/"+id, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// EnableWorker marks a worker active.
func (c *Client) EnableWorker(ctx context.Context, id string) (*types.Worker, error) {
	return c.workerStatus(ctx, id, "enable")
}

// DisableWorker marks a worker disabled.
func (c *Client) DisableWorker(ctx context.Context, id string) (*types.Worker, error) {
	return c.workerStatus(ctx, id, "disable")
}

func (c *Client) workerStatus(ctx context.Context, id, action string) (*types.Worker, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/workers/"+id+"/"+action, nil)
	if err != nil {
		return nil, err
	}
	var worker types.Worker
	if err := decode(resp, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// WorkerHealth probes a worker's health and remaining capacity.
func (c *Client) WorkerHealth(ctx context.Context, id string) (map[string]any, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/workers/"+id+"/health", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterWorkerTokens registers an upstream account on the worker.
func (c *Client) RegisterWorkerTokens(ctx context.Context, id, email, password string) (bool, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/workers/"+id+"/tokens", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return false, err
	}
	var out struct {
		Registered bool `json:"registered"`
	}
	if err := decode(resp, &out); err != nil {
		return false, err
	}
	return out.Registered, nil
}

// ListProducts lists all products, including inactive ones.
func (c *Client) ListProducts(ctx context.Context) ([]types.Product, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/admin/products", nil)
	if err != nil {
		return nil, err
	}
	var products []types.Product
	if err := decode(resp, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// CreateProduct creates a new product.
func (c *Client) CreateProduct(ctx context.Context, req types.ProductCreateRequest) (*types.Product, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/products", req)
	if err != nil {
		return nil, err
	}
	var product types.Product
	if err := decode(resp, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// SetProductWorkers replaces a product's worker assignment.
func (c *Client) SetProductWorkers(ctx context.Context, productID string, workerIDs []string) error {
	resp, err := c.doRequest(ctx, http.MethodPut, "/admin/products/"+productID+"/workers", map[string][]string{
		"worker_ids": workerIDs,
	})
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// Cleanup runs the stale-session sweep immediately and returns the count.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/admin/cleanup", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Cleaned int `json:"cleaned"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Cleaned, nil
}

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/metrics"
	"github.com/losocloud/losocloud/internal/workerapi"
	"github.com/losocloud/losocloud/pkg/types"
)

func workerWire(w *db.Worker) types.Worker {
	out := types.Worker{
		ID:          w.ID.String(),
		BaseURL:     w.BaseURL,
		Status:      w.Status,
		MaxSessions: w.MaxSessions,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if w.Name != nil {
		out.Name = *w.Name
	}
	return out
}

func paramID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

func (s *Server) adminListWorkers(c echo.Context) error {
	workers, err := s.store.ListWorkers(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]types.Worker, 0, len(workers))
	for i := range workers {
		out = append(out, workerWire(&workers[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) adminCreateWorker(c echo.Context) error {
	var req types.WorkerRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	if req.BaseURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing base_url"})
	}
	worker, err := s.store.CreateWorker(c.Request().Context(), req.Name, req.BaseURL, req.MaxSessions)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, workerWire(worker))
}

func (s *Server) adminGetWorker(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	worker, err := s.store.GetWorker(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, workerWire(worker))
}

func (s *Server) adminUpdateWorker(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	var req types.WorkerUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Status != nil {
		st := types.WorkerStatus(*req.Status)
		if st != types.WorkerStatusActive && st != types.WorkerStatusDisabled {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}
	}
	worker, err := s.store.UpdateWorker(c.Request().Context(), id, req.Name, req.BaseURL, req.Status, req.MaxSessions)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, workerWire(worker))
}

// adminDeleteWorker removes a worker. Deletion is refused while the worker
// still backs active sessions.
func (s *Server) adminDeleteWorker(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	ctx := c.Request().Context()

	counts, err := s.store.ActiveSessionCounts(ctx, []uuid.UUID{id})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if counts[id] > 0 {
		return c.JSON(http.StatusConflict, map[string]string{"error": "worker has active sessions"})
	}

	if err := s.store.DeleteWorker(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setWorkerStatus(c echo.Context, status types.WorkerStatus) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	st := string(status)
	worker, err := s.store.UpdateWorker(c.Request().Context(), id, nil, nil, &st, nil)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, workerWire(worker))
}

func (s *Server) adminEnableWorker(c echo.Context) error {
	return s.setWorkerStatus(c, types.WorkerStatusActive)
}

func (s *Server) adminDisableWorker(c echo.Context) error {
	return s.setWorkerStatus(c, types.WorkerStatusDisabled)
}

// adminWorkerHealth probes the worker's health endpoint and reports
// remaining capacity alongside.
func (s *Server) adminWorkerHealth(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	ctx := c.Request().Context()
	worker, err := s.store.GetWorker(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	health, err := s.transport.Health(ctx, worker.BaseURL)
	if err != nil {
		metrics.WorkerProbesTotal.WithLabelValues("unreachable").Inc()
		return c.JSON(http.StatusOK, map[string]any{
			"reachable": false,
			"error":     err.Error(),
		})
	}
	metrics.WorkerProbesTotal.WithLabelValues("ok").Inc()

	tokens := -1
	if n, err := s.transport.TokenLeft(ctx, worker.BaseURL); err == nil {
		tokens = n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"reachable":   true,
		"health":      health,
		"tokens_left": tokens,
	})
}

type workerTokensRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// adminWorkerTokens registers an upstream account on the worker to grant
// additional provisioning tokens.
func (s *Server) adminWorkerTokens(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id"})
	}
	var req workerTokensRequest
	if err := c.Bind(&req); err != nil || req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "email and password required"})
	}

	ctx := c.Request().Context()
	worker, err := s.store.GetWorker(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "worker not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	registered, err := s.transport.RegisterAccount(ctx, worker.BaseURL, req.Email, req.Password)
	if err != nil {
		var rejected *workerapi.RejectedError
		if errors.As(err, &rejected) {
			return c.JSON(http.StatusConflict, map[string]string{"error": rejected.Detail})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"registered": registered})
}

func (s *Server) adminListProducts(c echo.Context) error {
	products, err := s.store.ListProducts(c.Request().Context(), false)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]types.Product, 0, len(products))
	for i := range products {
		out = append(out, productWire(&products[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) adminCreateProduct(c echo.Context) error {
	var req types.ProductCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing name"})
	}
	if !types.ValidAction(req.ProvisionAction) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid provision_action"})
	}
	if req.PriceCoins < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "price_coins must not be negative"})
	}
	product, err := s.store.CreateProduct(c.Request().Context(), req.Name, req.Description, req.PriceCoins, req.ProvisionAction)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, productWire(product))
}

type productUpdateRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	PriceCoins      *int    `json:"price_coins,omitempty"`
	ProvisionAction *int    `json:"provision_action,omitempty"`
	IsActive        *bool   `json:"is_active,omitempty"`
}

func (s *Server) adminUpdateProduct(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid product id"})
	}
	var req productUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ProvisionAction != nil && !types.ValidAction(*req.ProvisionAction) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid provision_action"})
	}
	product, err := s.store.UpdateProduct(c.Request().Context(), id, req.Name, req.Description, req.PriceCoins, req.ProvisionAction, req.IsActive)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "product not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, productWire(product))
}

type productWorkersRequest struct {
	WorkerIDs []string `json:"worker_ids"`
}

func (s *Server) adminSetProductWorkers(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid product id"})
	}
	var req productWorkersRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetProduct(ctx, id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "product not found"})
	}

	workerIDs := make([]uuid.UUID, 0, len(req.WorkerIDs))
	for _, raw := range req.WorkerIDs {
		wid, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker id: " + raw})
		}
		workerIDs = append(workerIDs, wid)
	}

	if err := s.store.SetProductWorkers(ctx, id, workerIDs); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"worker_ids": req.WorkerIDs})
}

// adminCleanup runs the expiry sweep immediately.
func (s *Server) adminCleanup(c echo.Context) error {
	maxAge := s.broker.CleanupMaxAge()
	cleaned, err := s.broker.CleanupExpiredSessions(c.Request().Context(), maxAge)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	metrics.SessionsCleanedTotal.Add(float64(cleaned))
	return c.JSON(http.StatusOK, map[string]int{"cleaned": cleaned})
}

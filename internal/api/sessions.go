package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/auth"
	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/vps"
	"github.com/losocloud/losocloud/internal/workerapi"
	"github.com/losocloud/losocloud/pkg/types"
)

// sessionPayload builds the wire representation of a session. The stream
// URL is included only where the original surface exposes it (list,
// purchase, stop).
func (s *Server) sessionPayload(c echo.Context, sess *db.Session, includeStream bool) types.SessionPayload {
	created := sess.CreatedAt
	updated := sess.UpdatedAt
	p := types.SessionPayload{
		ID:        sess.ID.String(),
		Status:    sess.Status,
		Checklist: sess.Checklist,
		CreatedAt: &created,
		UpdatedAt: &updated,
		ExpiresAt: sess.ExpiresAt,
		HasLog:    sess.WorkerRoute != nil,
	}
	if p.Checklist == nil {
		p.Checklist = []types.ChecklistItem{}
	}
	if sess.WorkerID != nil {
		p.WorkerID = sess.WorkerID.String()
	}
	if sess.WorkerRoute != nil {
		p.WorkerRoute = *sess.WorkerRoute
	}
	if sess.LogURL != nil {
		p.LogURL = *sess.LogURL
	}

	product, err := s.store.GetProduct(c.Request().Context(), sess.ProductID)
	if err == nil {
		p.Product = &types.ProductSummary{
			ID:              product.ID.String(),
			Name:            product.Name,
			PriceCoins:      product.PriceCoins,
			ProvisionAction: product.ProvisionAction,
		}
		if product.Description != nil {
			p.Product.Description = *product.Description
		}
		p.WorkerAction = product.ProvisionAction
	} else {
		p.Product = &types.ProductSummary{ID: sess.ProductID.String()}
	}

	// A per-session action override lives in the checklist meta.
	for _, item := range sess.Checklist {
		if raw, ok := item.Meta["worker_action"]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				p.WorkerAction = n
			}
			break
		}
	}

	if includeStream {
		scheme := c.Scheme()
		if forwarded := c.Request().Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		}
		p.Stream = fmt.Sprintf("%s://%s/vps/sessions/%s/events", scheme, c.Request().Host, sess.ID)
	}

	if sess.Status == types.SessionStatusReady && sess.RDPHost != nil {
		rdp := &types.RDPInfo{Host: *sess.RDPHost}
		if sess.RDPPort != nil {
			rdp.Port = *sess.RDPPort
		}
		if sess.RDPUser != nil {
			rdp.User = *sess.RDPUser
		}
		if sess.RDPPassword != nil {
			rdp.Password = *sess.RDPPassword
		}
		p.RDP = rdp
	}

	return p
}

// brokerError maps broker and transport errors to HTTP responses.
func brokerError(c echo.Context, err error) error {
	var unavailable *vps.UnavailableError
	var gone *vps.GoneError
	var gateway *workerapi.GatewayError
	var input *workerapi.InputError

	switch {
	case errors.Is(err, vps.ErrMissingIdempotencyKey):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing Idempotency-Key"})
	case errors.Is(err, vps.ErrInvalidAction):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker_action"})
	case errors.Is(err, vps.ErrProductUnavailable):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Product unavailable"})
	case errors.Is(err, vps.ErrInsufficientBalance):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Insufficient coin balance"})
	case errors.Is(err, vps.ErrWorkerUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Worker unavailable"})
	case errors.Is(err, vps.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Session not found"})
	case errors.Is(err, vps.ErrLogNotAvailable):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Log not available"})
	case errors.As(err, &unavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": unavailable.Reason})
	case errors.As(err, &gone):
		return c.JSON(http.StatusGone, map[string]string{"error": gone.Detail})
	case errors.As(err, &input):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": input.Error()})
	case errors.As(err, &gateway):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": gateway.Detail})
	case errors.Is(err, workerapi.ErrBusy):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "worker busy"})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) purchaseAndCreate(c echo.Context) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	var req types.PurchaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ProductID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing product_id"})
	}
	productID, err := uuid.Parse(req.ProductID)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid product_id"})
	}

	action := req.WorkerAction
	if action == nil && req.VMType != "" {
		code, ok := types.VMTypes[req.VMType]
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid vm_type"})
		}
		action = &code
	}

	var workerID *uuid.UUID
	if req.WorkerID != "" {
		id, err := uuid.Parse(req.WorkerID)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid worker_id"})
		}
		workerID = &id
	}

	key := c.Request().Header.Get("Idempotency-Key")
	sess, created, err := s.broker.PurchaseAndCreate(c.Request().Context(), userID, productID, key, action, workerID)
	if err != nil {
		return brokerError(c, err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	return c.JSON(status, types.PurchaseResponse{Session: s.sessionPayload(c, sess, true)})
}

func (s *Server) listSessions(c echo.Context) error {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	}

	sessions, err := s.broker.ListSessionsForUser(c.Request().Context(), userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	payload := make([]types.SessionPayload, 0, len(sessions))
	for i := range sessions {
		payload = append(payload, s.sessionPayload(c, &sessions[i], true))
	}
	return c.JSON(http.StatusOK, types.SessionListResponse{Sessions: payload})
}

// sessionForUser resolves the :id param to a session owned by the caller.
func (s *Server) sessionForUser(c echo.Context) (*db.Session, error) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, vps.ErrSessionNotFound
	}
	return s.broker.GetSessionForUser(c.Request().Context(), sessionID, userID)
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessionForUser(c)
	if err != nil {
		return brokerError(c, err)
	}
	return c.JSON(http.StatusOK, s.sessionPayload(c, sess, false))
}

func (s *Server) stopSession(c echo.Context) error {
	sess, err := s.sessionForUser(c)
	if err != nil {
		return brokerError(c, err)
	}
	if err := s.broker.StopSession(c.Request().Context(), sess); err != nil {
		return brokerError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session": s.sessionPayload(c, sess, true),
	})
}

func (s *Server) deleteSession(c echo.Context) error {
	sess, err := s.sessionForUser(c)
	if err != nil {
		return brokerError(c, err)
	}
	if err := s.broker.StopSession(c.Request().Context(), sess); err != nil {
		return brokerError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getSessionLog(c echo.Context) error {
	sess, err := s.sessionForUser(c)
	if err != nil {
		return brokerError(c, err)
	}
	logText, err := s.broker.FetchSessionLog(c.Request().Context(), sess)
	if err != nil {
		var gone *vps.GoneError
		if errors.Is(err, vps.ErrLogNotAvailable) || errors.As(err, &gone) {
			return brokerError(c, err)
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "unable to fetch log"})
	}
	return c.String(http.StatusOK, logText)
}

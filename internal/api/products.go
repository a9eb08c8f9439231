package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/metrics"
	"github.com/losocloud/losocloud/pkg/types"
)

// availabilityCacheTTL bounds how stale a cached capacity summary may be.
const availabilityCacheTTL = 20 * time.Second

func productWire(p *db.Product) types.Product {
	out := types.Product{
		ID:              p.ID.String(),
		Name:            p.Name,
		PriceCoins:      p.PriceCoins,
		ProvisionAction: p.ProvisionAction,
		IsActive:        p.IsActive,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	return out
}

func (s *Server) listProducts(c echo.Context) error {
	activeOnly := c.QueryParam("active") != "false"
	products, err := s.store.ListProducts(c.Request().Context(), activeOnly)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	out := make([]types.Product, 0, len(products))
	for i := range products {
		out = append(out, productWire(&products[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// checkAvailability probes capacity across a product's workers (or all
// active workers without a product filter). Results are cached in Redis
// when configured; probes hit every worker otherwise.
func (s *Server) checkAvailability(c echo.Context) error {
	ctx := c.Request().Context()

	var workers []db.Worker
	cacheKey := "losocloud:availability:all"
	if raw := c.QueryParam("product_id"); raw != "" {
		productID, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid product_id"})
		}
		if _, err := s.store.GetProduct(ctx, productID); err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Product unavailable"})
		}
		workers, err = s.store.WorkersForProduct(ctx, productID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		cacheKey = "losocloud:availability:" + productID.String()
	} else {
		var err error
		workers, err = s.store.ListActiveWorkers(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	if cached, ok := s.cachedAvailability(ctx, cacheKey); ok {
		return c.JSON(http.StatusOK, cached)
	}

	resp := types.AvailabilityResponse{Workers: []types.WorkerAvailability{}}
	if len(workers) == 0 {
		resp.Reason = "No worker available"
		s.storeAvailability(ctx, cacheKey, &resp)
		return c.JSON(http.StatusOK, resp)
	}

	for i := range workers {
		w := &workers[i]
		entry := types.WorkerAvailability{ID: w.ID.String()}
		if w.Name != nil {
			entry.Name = *w.Name
		}
		tokens, err := s.transport.TokenLeft(ctx, w.BaseURL)
		if err != nil {
			metrics.WorkerProbesTotal.WithLabelValues("unreachable").Inc()
			entry.TokensLeft = -1
			entry.Error = "Unable to check worker status"
		} else {
			metrics.WorkerProbesTotal.WithLabelValues("ok").Inc()
			entry.TokensLeft = tokens
			entry.Available = tokens > 0
			if entry.Available {
				resp.TokensLeft += tokens
			}
		}
		if entry.Available {
			resp.Available = true
		}
		resp.Workers = append(resp.Workers, entry)
	}
	if !resp.Available {
		resp.Reason = "No tokens available"
	}

	s.storeAvailability(ctx, cacheKey, &resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cachedAvailability(ctx context.Context, key string) (*types.AvailabilityResponse, bool) {
	if s.redis == nil {
		return nil, false
	}
	raw, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp types.AvailabilityResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *Server) storeAvailability(ctx context.Context, key string, resp *types.AvailabilityResponse) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, key, raw, availabilityCacheTTL).Err(); err != nil {
		log.Printf("api: availability cache write failed: %v", err)
	}
}

package vps

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/losocloud/losocloud/internal/db"
)

// SelectorStore is the read-side view of the registry the selector needs.
type SelectorStore interface {
	WorkersForProduct(ctx context.Context, productID uuid.UUID) ([]db.Worker, error)
	ListActiveWorkers(ctx context.Context) ([]db.Worker, error)
	ActiveSessionCounts(ctx context.Context, workerIDs []uuid.UUID) (map[uuid.UUID]int, error)
}

// Selector picks the worker a new session should be provisioned on. It is
// stateless: load is re-read at call time and no reservation is taken, so
// two concurrent selections may pick the same worker. That race is tolerated
// and rebalanced by subsequent selections.
type Selector struct {
	store SelectorStore
}

// NewSelector creates a worker selector over the given registry view.
func NewSelector(store SelectorStore) *Selector {
	return &Selector{store: store}
}

// SelectForProduct chooses an active worker for the product, skipping ids in
// exclude. Product-specific workers are preferred; with none configured, any
// active worker qualifies. Among workers under their max_sessions cap the
// least loaded wins, ties broken uniformly at random. If every candidate is
// at capacity the least loaded one is returned anyway; nil is returned only
// when no active worker exists at all.
func (s *Selector) SelectForProduct(ctx context.Context, productID uuid.UUID, exclude map[uuid.UUID]bool) (*db.Worker, error) {
	workers, err := s.store.WorkersForProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product workers: %w", err)
	}
	workers = filterExcluded(workers, exclude)

	if len(workers) == 0 {
		workers, err = s.store.ListActiveWorkers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load active workers: %w", err)
		}
		workers = filterExcluded(workers, exclude)
		if len(workers) == 0 {
			return nil, nil
		}
	}

	ids := make([]uuid.UUID, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	counts, err := s.store.ActiveSessionCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load session counts: %w", err)
	}

	type candidate struct {
		worker db.Worker
		active int
	}
	var candidates []candidate
	for _, w := range workers {
		active := counts[w.ID]
		if w.MaxSessions > 0 && active >= w.MaxSessions {
			continue
		}
		candidates = append(candidates, candidate{worker: w, active: active})
	}

	if len(candidates) == 0 {
		// Every worker is at capacity; hand back the least loaded one
		// rather than refusing outright.
		least := workers[0]
		for _, w := range workers[1:] {
			if counts[w.ID] < counts[least.ID] {
				least = w
			}
		}
		return &least, nil
	}

	minActive := candidates[0].active
	for _, c := range candidates[1:] {
		if c.active < minActive {
			minActive = c.active
		}
	}
	var leastLoaded []db.Worker
	for _, c := range candidates {
		if c.active == minActive {
			leastLoaded = append(leastLoaded, c.worker)
		}
	}

	picked := leastLoaded[rand.Intn(len(leastLoaded))]
	return &picked, nil
}

func filterExcluded(workers []db.Worker, exclude map[uuid.UUID]bool) []db.Worker {
	if len(exclude) == 0 {
		return workers
	}
	filtered := workers[:0:0]
	for _, w := range workers {
		if !exclude[w.ID] {
			filtered = append(filtered, w)
		}
	}
	return filtered
}

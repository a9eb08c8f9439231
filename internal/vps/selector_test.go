package vps

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/pkg/types"
)

// registryFake is a canned SelectorStore.
type registryFake struct {
	productWorkers map[uuid.UUID][]db.Worker
	active         []db.Worker
	counts         map[uuid.UUID]int
}

func (f *registryFake) WorkersForProduct(ctx context.Context, productID uuid.UUID) ([]db.Worker, error) {
	return f.productWorkers[productID], nil
}

func (f *registryFake) ListActiveWorkers(ctx context.Context) ([]db.Worker, error) {
	return f.active, nil
}

func (f *registryFake) ActiveSessionCounts(ctx context.Context, workerIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(workerIDs))
	for _, id := range workerIDs {
		out[id] = f.counts[id]
	}
	return out, nil
}

func testWorker(maxSessions int) db.Worker {
	return db.Worker{
		ID:          uuid.New(),
		BaseURL:     "http://worker.test",
		Status:      types.WorkerStatusActive,
		MaxSessions: maxSessions,
	}
}

func TestSelectPrefersProductWorkers(t *testing.T) {
	productID := uuid.New()
	assigned := testWorker(5)
	other := testWorker(5)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {assigned}},
		active:         []db.Worker{other},
		counts:         map[uuid.UUID]int{},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != assigned.ID {
		t.Fatalf("expected product-assigned worker %s, got %v", assigned.ID, picked)
	}
}

func TestSelectFallsBackToActiveWorkers(t *testing.T) {
	fallback := testWorker(5)
	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{},
		active:         []db.Worker{fallback},
		counts:         map[uuid.UUID]int{},
	})

	picked, err := sel.SelectForProduct(context.Background(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != fallback.ID {
		t.Fatalf("expected fallback worker %s, got %v", fallback.ID, picked)
	}
}

func TestSelectReturnsNilWhenNoWorkers(t *testing.T) {
	sel := NewSelector(&registryFake{counts: map[uuid.UUID]int{}})

	picked, err := sel.SelectForProduct(context.Background(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked != nil {
		t.Fatalf("expected nil worker, got %s", picked.ID)
	}
}

func TestSelectSkipsExcluded(t *testing.T) {
	productID := uuid.New()
	w1 := testWorker(5)
	w2 := testWorker(5)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {w1, w2}},
		counts:         map[uuid.UUID]int{},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, map[uuid.UUID]bool{w1.ID: true})
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != w2.ID {
		t.Fatalf("expected worker %s, got %v", w2.ID, picked)
	}
}

func TestSelectPicksLeastLoaded(t *testing.T) {
	productID := uuid.New()
	busy := testWorker(10)
	idle := testWorker(10)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {busy, idle}},
		counts:         map[uuid.UUID]int{busy.ID: 4, idle.ID: 1},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != idle.ID {
		t.Fatalf("expected least-loaded worker %s, got %v", idle.ID, picked)
	}
}

func TestSelectRespectsSessionCap(t *testing.T) {
	productID := uuid.New()
	capped := testWorker(2)
	open := testWorker(2)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {capped, open}},
		counts:         map[uuid.UUID]int{capped.ID: 2, open.ID: 1},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != open.ID {
		t.Fatalf("expected uncapped worker %s, got %v", open.ID, picked)
	}
}

func TestSelectAllCappedReturnsLeastLoaded(t *testing.T) {
	productID := uuid.New()
	heavy := testWorker(2)
	light := testWorker(2)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {heavy, light}},
		counts:         map[uuid.UUID]int{heavy.ID: 5, light.ID: 2},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != light.ID {
		t.Fatalf("expected least-loaded capped worker %s, got %v", light.ID, picked)
	}
}

func TestSelectZeroCapMeansUncapped(t *testing.T) {
	productID := uuid.New()
	uncapped := testWorker(0)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {uncapped}},
		counts:         map[uuid.UUID]int{uncapped.ID: 100},
	})

	picked, err := sel.SelectForProduct(context.Background(), productID, nil)
	if err != nil {
		t.Fatalf("SelectForProduct returned error: %v", err)
	}
	if picked == nil || picked.ID != uncapped.ID {
		t.Fatalf("expected uncapped worker despite load, got %v", picked)
	}
}

func TestSelectTieBreakTouchesAllCandidates(t *testing.T) {
	productID := uuid.New()
	w1 := testWorker(10)
	w2 := testWorker(10)

	sel := NewSelector(&registryFake{
		productWorkers: map[uuid.UUID][]db.Worker{productID: {w1, w2}},
		counts:         map[uuid.UUID]int{},
	})

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 200; i++ {
		picked, err := sel.SelectForProduct(context.Background(), productID, nil)
		if err != nil {
			t.Fatalf("SelectForProduct returned error: %v", err)
		}
		seen[picked.ID] = true
		if len(seen) == 2 {
			return
		}
	}
	t.Fatalf("tie-break never picked both equally loaded workers: %v", seen)
}

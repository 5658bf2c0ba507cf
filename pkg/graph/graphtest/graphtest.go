// Package graphtest provides Store helpers for tests.
package graphtest

import (
	"context"
	"sync"
	"time"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/storage"
)

// ErrInjected is returned by FaultyStore for failing methods.
var ErrInjected = errors.Mark(errors.New("injected store failure"), errors.ErrStoreUnavailable)

// NewMemoryStore returns an EngineStore over a fresh MemoryEngine.
func NewMemoryStore() *graph.EngineStore {
	return graph.NewEngineStore(storage.NewMemoryEngine(graph.ModuleIDAttribute))
}

// FaultyStore wraps a Store and fails the methods named in Fail.
// Method names match the Store interface, e.g. "ModulesContaining".
type FaultyStore struct {
	graph.Store

	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
	delay time.Duration
}

// NewFaultyStore wraps inner, failing every method in failing.
func NewFaultyStore(inner graph.Store, failing ...string) *FaultyStore {
	f := &FaultyStore{Store: inner, fail: make(map[string]bool), calls: make(map[string]int)}
	for _, m := range failing {
		f.fail[m] = true
	}
	return f
}

// SetFailing toggles failure for method.
func (f *FaultyStore) SetFailing(method string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = failing
}

// SetDelay makes every call sleep first, honoring context cancellation.
func (f *FaultyStore) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns how many times method was invoked.
func (f *FaultyStore) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FaultyStore) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	failing, delay := f.fail[method], f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return ErrInjected
	}
	return nil
}

func (f *FaultyStore) UpsertPatternSummary(ctx context.Context, s graph.PatternSummary) error {
	if err := f.enter(ctx, "UpsertPatternSummary"); err != nil {
		return err
	}
	return f.Store.UpsertPatternSummary(ctx, s)
}

func (f *FaultyStore) PatternSummaries(ctx context.Context) ([]graph.PatternSummary, error) {
	if err := f.enter(ctx, "PatternSummaries"); err != nil {
		return nil, err
	}
	return f.Store.PatternSummaries(ctx)
}

func (f *FaultyStore) ModulesContaining(ctx context.Context, id string) ([]graph.Module, error) {
	if err := f.enter(ctx, "ModulesContaining"); err != nil {
		return nil, err
	}
	return f.Store.ModulesContaining(ctx, id)
}

func (f *FaultyStore) ModuleMembers(ctx context.Context, id string) ([]graph.Entity, error) {
	if err := f.enter(ctx, "ModuleMembers"); err != nil {
		return nil, err
	}
	return f.Store.ModuleMembers(ctx, id)
}

func (f *FaultyStore) GetModule(ctx context.Context, id string) (*graph.Module, error) {
	if err := f.enter(ctx, "GetModule"); err != nil {
		return nil, err
	}
	return f.Store.GetModule(ctx, id)
}

func (f *FaultyStore) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	if err := f.enter(ctx, "GetEntity"); err != nil {
		return nil, err
	}
	return f.Store.GetEntity(ctx, id)
}

func (f *FaultyStore) CreateEntity(ctx context.Context, e *graph.Entity) error {
	if err := f.enter(ctx, "CreateEntity"); err != nil {
		return err
	}
	return f.Store.CreateEntity(ctx, e)
}

func (f *FaultyStore) UpdateEntityAttribute(ctx context.Context, id, attr string, v any) error {
	if err := f.enter(ctx, "UpdateEntityAttribute"); err != nil {
		return err
	}
	return f.Store.UpdateEntityAttribute(ctx, id, attr, v)
}

func (f *FaultyStore) LinkEntityToModule(ctx context.Context, moduleID, entityID string) error {
	if err := f.enter(ctx, "LinkEntityToModule"); err != nil {
		return err
	}
	return f.Store.LinkEntityToModule(ctx, moduleID, entityID)
}

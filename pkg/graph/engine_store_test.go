package graph_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/graph/graphtest"
	"github.com/orneryd/organicdb/pkg/storage"
)

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

func entityIDs(es []graph.Entity) []string {
	return ids(es, func(e graph.Entity) string { return e.ID })
}

func moduleIDs(ms []graph.Module) []string {
	return ids(ms, func(m graph.Module) string { return m.ID })
}

// seedMembership builds one module per membership rule:
//
//	typed   targets type Lead
//	pointed targets entity lead-1 by id
//	linked  holds task-1 through a CONTAINS edge
//	named   is referenced by task-2's moduleId attribute
func seedMembership(t *testing.T, store graph.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, m := range []graph.Module{
		{ID: "typed", Name: "Leads", TargetEntityType: "Lead"},
		{ID: "pointed", Name: "Lead 1 board", TargetEntityID: "lead-1"},
		{ID: "linked", Name: "Sprint"},
		{ID: "named", Name: "Backlog"},
	} {
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateModule(ctx, &m))
	}

	for i, e := range []graph.Entity{
		{ID: "lead-1", Type: "Lead", Attributes: map[string]any{"email": "a@b.com"}},
		{ID: "lead-2", Type: "Lead"},
		{ID: "task-1", Type: "Task"},
		{ID: "task-2", Type: "Task", Attributes: map[string]any{graph.ModuleIDAttribute: "named"}},
	} {
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateEntity(ctx, &e))
	}

	require.NoError(t, store.LinkEntityToModule(ctx, "linked", "task-1"))
}

func TestEngineStore_ModulesContaining(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedMembership(t, store)
	ctx := context.Background()

	tests := []struct {
		entity string
		want   []string
	}{
		{"lead-1", []string{"typed", "pointed"}},
		{"lead-2", []string{"typed"}},
		{"task-1", []string{"linked"}},
		{"task-2", []string{"named"}},
	}
	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			modules, err := store.ModulesContaining(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, moduleIDs(modules))
		})
	}

	_, err := store.ModulesContaining(ctx, "ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEngineStore_ModuleMembers(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedMembership(t, store)
	ctx := context.Background()

	members, err := store.ModuleMembers(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-1", "lead-2"}, entityIDs(members))

	members, err = store.ModuleMembers(ctx, "linked")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-1"}, entityIDs(members))

	members, err = store.ModuleMembers(ctx, "named")
	require.NoError(t, err)
	assert.Equal(t, []string{"task-2"}, entityIDs(members))

	_, err = store.ModuleMembers(ctx, "lead-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound), "an entity is not a module")
}

func TestEngineStore_LinkIsIdempotent(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedMembership(t, store)
	ctx := context.Background()

	require.NoError(t, store.LinkEntityToModule(ctx, "linked", "task-1"))
	edges, err := store.Engine().EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), edges)

	err = store.LinkEntityToModule(ctx, "linked", "ghost")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEngineStore_Entities(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	e := &graph.Entity{Type: "Person", Attributes: map[string]any{"name": "Ada"}}
	require.NoError(t, store.CreateEntity(ctx, e))
	require.NotEmpty(t, e.ID, "id is generated")
	assert.False(t, e.CreatedAt.IsZero())

	require.NoError(t, store.UpdateEntityAttribute(ctx, e.ID, "email", "ada@example.com"))

	got, err := store.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Person", got.Type)
	assert.Equal(t, "Ada", got.Attributes["name"])
	assert.Equal(t, "ada@example.com", got.Attributes["email"])

	err = store.UpdateEntityAttribute(ctx, "ghost", "email", "x")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	err = store.CreateEntity(ctx, &graph.Entity{ID: "untyped"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	// Default-typed entities still carry their type.
	plain := &graph.Entity{ID: "plain", Type: graph.EntityLabel}
	require.NoError(t, store.CreateEntity(ctx, plain))
	got, err = store.GetEntity(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, graph.EntityLabel, got.Type)
}

func TestEngineStore_GetModuleRejectsEntities(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedMembership(t, store)
	ctx := context.Background()

	m, err := store.GetModule(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, "Leads", m.Name)
	assert.Equal(t, "Lead", m.TargetEntityType)

	_, err = store.GetModule(ctx, "lead-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	_, err = store.GetEntity(ctx, "typed")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestEngineStore_ReservedLabelTypes(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	for _, e := range []*graph.Entity{
		{ID: "x", Type: "module", Attributes: map[string]any{"name": "user module entity"}},
		{ID: "X2", Type: graph.ModuleLabel},
		{ID: "p", Type: "attributepattern", Attributes: map[string]any{"entityType": "Lead", "attributeName": "email"}},
		{ID: "y", Type: "Task", Attributes: map[string]any{graph.ModuleIDAttribute: "x"}},
	} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}
	require.NoError(t, store.CreateModule(ctx, &graph.Module{ID: "real", TargetEntityType: "Task"}))

	modules, err := store.ModulesContaining(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, moduleIDs(modules))

	for _, id := range []string{"x", "X2", "p"} {
		_, err = store.GetModule(ctx, id)
		assert.True(t, errors.Is(err, errors.ErrNotFound), id)

		got, err := store.GetEntity(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, id, got.ID)
	}

	_, err = store.ModuleMembers(ctx, "x")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	err = store.LinkEntityToModule(ctx, "x", "y")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	summaries, err := store.PatternSummaries(ctx)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestEngineStore_PatternSummaries(t *testing.T) {
	engine, err := storage.NewBadgerEngineInMemory()
	require.NoError(t, err)
	store := graph.NewEngineStore(engine)
	defer store.Close()
	ctx := context.Background()

	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	summary := graph.PatternSummary{
		EntityType:    "Lead",
		AttributeName: "email",
		DominantType:  "email",
		Frequency:     4,
		Confidence:    0.4,
		LastUsed:      last,
		SampleValues:  []any{"a@b.com", "c@d.com", "e@f.com", "g@h.com"},
	}
	require.NoError(t, store.UpsertPatternSummary(ctx, summary))

	summary.Frequency = 5
	summary.Confidence = 0.5
	require.NoError(t, store.UpsertPatternSummary(ctx, summary))

	got, err := store.PatternSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Lead", got[0].EntityType)
	assert.Equal(t, 5, got[0].Frequency, "numbers survive the JSON round trip")
	assert.InDelta(t, 0.5, got[0].Confidence, 1e-9)
	assert.True(t, last.Equal(got[0].LastUsed))
	assert.Len(t, got[0].SampleValues, graph.MaxSampleValues)

	err = store.UpsertPatternSummary(ctx, graph.PatternSummary{EntityType: "Lead"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestEngineStore_ClosedIsUnavailable(t *testing.T) {
	store := graphtest.NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.GetEntity(context.Background(), "x")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestEngineStore_CanceledContext(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.GetEntity(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPatternKey(t *testing.T) {
	a := graph.PatternKey("Lead", "email")
	assert.Equal(t, a, graph.PatternKey("Lead", "email"))
	assert.NotEqual(t, a, graph.PatternKey("Lead", "phone"))
	assert.NotEqual(t, graph.PatternKey("ab", "c"), graph.PatternKey("a", "bc"))
	assert.Regexp(t, `^pattern-[0-9a-f]{24}$`, a)
}

func TestModule_Contains(t *testing.T) {
	m := &graph.Module{ID: "m", TargetEntityType: "Lead", TargetEntityID: "x"}

	assert.True(t, m.Contains(&graph.Entity{ID: "x", Type: "Task"}, false))
	assert.True(t, m.Contains(&graph.Entity{ID: "y", Type: "Lead"}, false))
	assert.True(t, m.Contains(&graph.Entity{ID: "z", Type: "Task"}, true))
	assert.True(t, m.Contains(&graph.Entity{ID: "w", Type: "Task", Attributes: map[string]any{"moduleId": "m"}}, false))
	assert.False(t, m.Contains(&graph.Entity{ID: "v", Type: "Task"}, false))
}

package implicit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/graph/graphtest"
	"github.com/orneryd/organicdb/pkg/pattern"
	"github.com/orneryd/organicdb/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestResolver(store graph.Store, learner Learner) *Resolver {
	return New(store, learner, config.Default().Resolver, nil)
}

func relatedIDs(items []Related) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Entity.ID)
	}
	return out
}

// seedSales builds a Lead-targeted module with two leads created close to
// it and a company linked a day later. lead-2 is also linked to "west".
func seedSales(t *testing.T, store graph.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateModule(ctx, &graph.Module{ID: "sales", Name: "Sales", TemplateID: "crm", TargetEntityType: "Lead", CreatedAt: t0}))
	require.NoError(t, store.CreateModule(ctx, &graph.Module{ID: "west", Name: "West", CreatedAt: t0.Add(time.Hour)}))

	require.NoError(t, store.CreateEntity(ctx, &graph.Entity{ID: "lead-1", Type: "Lead", CreatedAt: t0.Add(10 * time.Minute)}))
	require.NoError(t, store.CreateEntity(ctx, &graph.Entity{ID: "lead-2", Type: "Lead", CreatedAt: t0.Add(30 * time.Minute)}))
	require.NoError(t, store.CreateEntity(ctx, &graph.Entity{ID: "acme", Type: "Company", CreatedAt: t0.Add(24 * time.Hour)}))

	require.NoError(t, store.LinkEntityToModule(ctx, "sales", "acme"))
	require.NoError(t, store.LinkEntityToModule(ctx, "west", "lead-2"))
	require.NoError(t, store.LinkEntityToModule(ctx, "west", "lead-1"))
}

func TestRelatedEntities(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedSales(t, store)
	r := newTestResolver(store, nil)

	res := r.RelatedEntities(context.Background(), "lead-1", r.DefaultRelatedOptions())

	assert.False(t, res.Degraded)
	require.Equal(t, []string{"lead-2", "acme"}, relatedIDs(res.Items), "deduplicated, first module wins")

	lead := res.Items[0].Context
	assert.Equal(t, RelationSharedModule, lead.Type)
	assert.Equal(t, "sales", lead.ModuleID)
	assert.Equal(t, "Sales", lead.ModuleName)
	assert.Equal(t, "crm", lead.ModuleType)
	assert.InDelta(t, 1.0, lead.Confidence, 1e-9)
	require.NotNil(t, lead.Semantic)
	assert.Equal(t, "peer_of", lead.Semantic.Relationship)

	company := res.Items[1].Context
	assert.InDelta(t, 0.5, company.Confidence, 1e-9)
	assert.Equal(t, "represents", company.Semantic.Relationship)
	assert.Equal(t, "Company", company.Semantic.TargetType)
}

func TestRelatedEntities_Options(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedSales(t, store)
	r := newTestResolver(store, nil)
	ctx := context.Background()

	res := r.RelatedEntities(ctx, "lead-1", RelatedOptions{Limit: 1})
	require.Len(t, res.Items, 1)
	assert.Nil(t, res.Items[0].Context.Semantic, "context only on request")

	res = r.RelatedEntities(ctx, "lead-1", RelatedOptions{RelationTypes: []string{"represents"}})
	assert.Equal(t, []string{"acme"}, relatedIDs(res.Items))

	res = r.RelatedEntities(ctx, "lead-1", RelatedOptions{RelationTypes: []string{RelationSharedModule}})
	assert.Len(t, res.Items, 2)

	res = r.RelatedEntities(ctx, "ghost", r.DefaultRelatedOptions())
	assert.Empty(t, res.Items)
	assert.False(t, res.Degraded)
}

func TestRelatedEntities_StoreFailure(t *testing.T) {
	inner := graphtest.NewMemoryStore()
	defer inner.Close()
	seedSales(t, inner)
	store := graphtest.NewFaultyStore(inner, "ModuleMembers")

	core, logs := observer.New(zapcore.WarnLevel)
	r := New(store, nil, config.Default().Resolver, zap.New(core).Sugar())

	res := r.RelatedEntities(context.Background(), "lead-1", r.DefaultRelatedOptions())
	assert.True(t, res.Degraded)
	assert.NotNil(t, res.Items)
	assert.Empty(t, res.Items)
	assert.Equal(t, 1, logs.FilterMessage("related entity lookup failed").Len())
}

func TestConfidence(t *testing.T) {
	r := newTestResolver(nil, nil)
	module := &graph.Module{TargetEntityType: "Lead", CreatedAt: t0}

	tests := []struct {
		name   string
		entity graph.Entity
		want   float64
	}{
		{"target type within window", graph.Entity{Type: "Lead", CreatedAt: t0.Add(59 * time.Minute)}, 1.0},
		{"target type created before module", graph.Entity{Type: "Lead", CreatedAt: t0.Add(-30 * time.Minute)}, 1.0},
		{"target type a day later", graph.Entity{Type: "Lead", CreatedAt: t0.Add(24 * time.Hour)}, 0.8},
		{"other type within window", graph.Entity{Type: "Task", CreatedAt: t0}, 0.7},
		{"other type a day later", graph.Entity{Type: "Task", CreatedAt: t0.Add(24 * time.Hour)}, 0.5},
		{"unknown creation time", graph.Entity{Type: "Task"}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, r.Confidence(&tt.entity, module), 1e-9)
		})
	}

	cfg := config.Default().Resolver
	cfg.BaseConfidence = 0.9
	capped := New(nil, nil, cfg, nil)
	e := graph.Entity{Type: "Lead", CreatedAt: t0}
	assert.Equal(t, 1.0, capped.Confidence(&e, module))
}

// seedBridge links x to m1, z to m2 and the bridge y to both. None of the
// entities has a type any module targets.
func seedBridge(t *testing.T, store graph.Store) {
	t.Helper()
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, store.CreateModule(ctx, &graph.Module{ID: id, Name: id, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}))
	}
	for i, id := range []string{"x", "y", "z", "w"} {
		require.NoError(t, store.CreateEntity(ctx, &graph.Entity{ID: id, Type: "Note", CreatedAt: t0.Add(time.Duration(i) * time.Second)}))
	}
	require.NoError(t, store.LinkEntityToModule(ctx, "m1", "x"))
	require.NoError(t, store.LinkEntityToModule(ctx, "m1", "y"))
	require.NoError(t, store.LinkEntityToModule(ctx, "m2", "y"))
	require.NoError(t, store.LinkEntityToModule(ctx, "m2", "z"))
	require.NoError(t, store.LinkEntityToModule(ctx, "m3", "x"))
	require.NoError(t, store.LinkEntityToModule(ctx, "m3", "y"))
}

func TestFindConnectionPath(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedBridge(t, store)
	r := newTestResolver(store, nil)
	ctx := context.Background()

	t.Run("direct", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "y", 2)
		assert.False(t, res.Degraded)
		assert.Equal(t, []Connection{
			{Type: ConnectionDirect, Strength: StrengthStrong, Path: []string{"x", "m1", "y"}},
			{Type: ConnectionDirect, Strength: StrengthStrong, Path: []string{"x", "m3", "y"}},
		}, res.Connections)
	})

	t.Run("indirect", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "z", 0)
		want := []Connection{
			{Type: ConnectionIndirect, Strength: StrengthMedium, Path: []string{"x", "m1", "y", "m2", "z"}},
			{Type: ConnectionIndirect, Strength: StrengthMedium, Path: []string{"x", "m3", "y", "m2", "z"}},
		}
		if diff := cmp.Diff(want, res.Connections); diff != "" {
			t.Errorf("one bridge per module of x (-want +got):\n%s", diff)
		}
	})

	t.Run("depth one stops at direct", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "z", 1)
		assert.Empty(t, res.Connections)
		assert.False(t, res.Degraded)
	})

	t.Run("disconnected", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "w", 2)
		assert.NotNil(t, res.Connections)
		assert.Empty(t, res.Connections)
		assert.False(t, res.Degraded)
	})

	t.Run("same entity", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "x", 2)
		assert.NotNil(t, res.Connections)
		assert.Empty(t, res.Connections)
		assert.False(t, res.Degraded)
	})

	t.Run("unknown entity", func(t *testing.T) {
		res := r.FindConnectionPath(ctx, "x", "ghost", 2)
		assert.Empty(t, res.Connections)
		assert.False(t, res.Degraded)
	})
}

func TestFindConnectionPath_StoreFailure(t *testing.T) {
	inner := graphtest.NewMemoryStore()
	defer inner.Close()
	seedBridge(t, inner)
	store := graphtest.NewFaultyStore(inner, "ModulesContaining")
	r := newTestResolver(store, nil)

	res := r.FindConnectionPath(context.Background(), "x", "z", 2)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Connections)
}

func TestRelationship(t *testing.T) {
	assert.Equal(t, "works_for", Relationship("Person", "Company"))
	assert.Equal(t, "works_for", Relationship("company", "PERSON"), "both orders, any case")
	assert.Equal(t, "part_of", Relationship("Project", "Task"))
	assert.Equal(t, DefaultRelationship, Relationship("Spaceship", "Company"))
}

// seedTeam builds a module with two engineers and a vendor company.
func seedTeam(t *testing.T, store graph.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateModule(ctx, &graph.Module{ID: "team", Name: "Team", CreatedAt: t0}))
	members := []graph.Entity{
		{ID: "p1", Type: "Person", Attributes: map[string]any{"role": "engineer", "office": "Rome"}, CreatedAt: t0.Add(time.Second)},
		{ID: "p2", Type: "Person", Attributes: map[string]any{"role": "engineer"}, CreatedAt: t0.Add(2 * time.Second)},
		{ID: "c1", Type: "Company", Attributes: map[string]any{"role": "vendor"}, CreatedAt: t0.Add(3 * time.Second)},
	}
	for i := range members {
		require.NoError(t, store.CreateEntity(ctx, &members[i]))
		require.NoError(t, store.LinkEntityToModule(ctx, "team", members[i].ID))
	}
}

func newTestLearner(t *testing.T) *pattern.Learner {
	t.Helper()
	l := pattern.New(nil, config.Default().Learner, nil, pattern.WithPropagation(config.PropagationConfig{}))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestModuleContext(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedTeam(t, store)
	r := newTestResolver(store, nil)

	mc, err := r.ModuleContext(context.Background(), "team")
	require.NoError(t, err)
	assert.True(t, mc.Known)
	assert.Equal(t, "Team", mc.ModuleName)
	assert.Equal(t, "Person", mc.EntityType)
	assert.Equal(t, map[string]any{"role": "engineer"}, mc.CommonAttributes)
	assert.Equal(t, 3, mc.MemberCount)

	ghost, err := r.ModuleContext(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ghost.Known)
	assert.Equal(t, "Entity", ghost.EntityType)
	assert.Empty(t, ghost.CommonAttributes)
}

func TestModuleContext_CarriesModuleDefinition(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.CreateModule(ctx, &graph.Module{
		ID: "pipeline", Name: "Pipeline", TemplateID: "crm-pipeline", TargetEntityType: "Deal",
	}))
	require.NoError(t, store.CreateEntity(ctx, &graph.Entity{ID: "d1", Type: "Deal", Attributes: map[string]any{"stage": "won"}}))
	r := newTestResolver(store, nil)

	mc, err := r.ModuleContext(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "crm-pipeline", mc.TemplateID)
	assert.Equal(t, "Deal", mc.TargetEntityType)
	assert.Equal(t, "Deal", mc.EntityType)
	assert.Equal(t, 1, mc.MemberCount)
}

func TestModuleContext_ThresholdIsConfigurable(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedTeam(t, store)

	cfg := config.Default().Resolver
	cfg.CommonAttributeThreshold = 0.3
	r := New(store, nil, cfg, nil)

	mc, err := r.ModuleContext(context.Background(), "team")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"role": "engineer", "office": "Rome"}, mc.CommonAttributes)
}

func TestModuleContext_CachedUntilCleanup(t *testing.T) {
	inner := graphtest.NewMemoryStore()
	defer inner.Close()
	seedTeam(t, inner)
	store := graphtest.NewFaultyStore(inner)
	store.SetDelay(20 * time.Millisecond)
	r := newTestResolver(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mc, err := r.ModuleContext(ctx, "team")
			assert.NoError(t, err)
			assert.Equal(t, "Person", mc.EntityType)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Calls("ModuleMembers"), "concurrent misses share one computation")

	_, err := r.ModuleContext(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Calls("ModuleMembers"))

	r.RelatedEntities(ctx, "p1", r.DefaultRelatedOptions())
	cleared := r.Cleanup()
	assert.Equal(t, CleanupResult{ContextsCleared: 1, IndexCleared: 1}, cleared)

	_, err = r.ModuleContext(ctx, "team")
	require.NoError(t, err)
	assert.Equal(t, 3, store.Calls("ModuleMembers"), "rebuilt after cleanup")
}

func TestAddEntityToGroup(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedTeam(t, store)
	l := newTestLearner(t)
	r := newTestResolver(store, l)
	ctx := context.Background()

	res, err := r.AddEntityToGroup(ctx, "team", graph.Entity{Attributes: map[string]any{"name": "Ada"}}, AddOptions{})
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.False(t, res.Linked)
	assert.NotEmpty(t, res.Entity.ID)
	assert.Equal(t, "Person", res.Entity.Type)
	assert.Equal(t, []string{"role"}, res.Inherited)
	assert.Equal(t, map[string]any{"name": "Ada", "role": "engineer", "moduleId": "team"}, res.Entity.Attributes)

	stored, err := store.GetEntity(ctx, res.Entity.ID)
	require.NoError(t, err)
	assert.Equal(t, "team", stored.ModuleID())

	p, ok := l.GetPattern("Person", "role")
	require.True(t, ok)
	assert.Equal(t, 1, p.Frequency)
	stats, _ := l.UsageStats("Person", "role")
	assert.Equal(t, []string{"team"}, stats.Contexts)
	assert.Equal(t, SourceModuleAddition, stats.Trends[0].Source)
	_, ok = l.GetPattern("Person", graph.ModuleIDAttribute)
	assert.False(t, ok)

	members, err := store.ModuleMembers(ctx, "team")
	require.NoError(t, err)
	assert.Len(t, members, 4)
}

func TestAddEntityToGroup_CallerValuesWin(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	seedTeam(t, store)
	r := newTestResolver(store, nil)

	res, err := r.AddEntityToGroup(context.Background(), "team", graph.Entity{
		ID:         "vendor-2",
		Type:       "Company",
		Attributes: map[string]any{"role": "vendor"},
	}, AddOptions{CreateExplicitLink: true})
	require.NoError(t, err)

	assert.Equal(t, "vendor-2", res.Entity.ID)
	assert.Equal(t, "Company", res.Entity.Type)
	assert.Equal(t, "vendor", res.Entity.Attributes["role"])
	assert.Empty(t, res.Inherited)
	assert.True(t, res.Linked)
	assert.NotNil(t, store.Engine().GetEdgeBetween("team", storage.NodeID("vendor-2"), graph.ContainsEdgeType))
}

func TestAddEntityToGroup_UnknownModule(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	r := newTestResolver(store, nil)
	ctx := context.Background()

	res, err := r.AddEntityToGroup(ctx, "ghost", graph.Entity{}, AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Entity", res.Entity.Type)
	assert.False(t, res.Context.Known)

	_, err = r.AddEntityToGroup(ctx, "ghost", graph.Entity{}, AddOptions{CreateExplicitLink: true})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = r.AddEntityToGroup(ctx, "", graph.Entity{}, AddOptions{})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestAddEntityToGroup_DegradedContext(t *testing.T) {
	inner := graphtest.NewMemoryStore()
	defer inner.Close()
	seedTeam(t, inner)
	store := graphtest.NewFaultyStore(inner, "GetModule")
	r := newTestResolver(store, nil)

	res, err := r.AddEntityToGroup(context.Background(), "team", graph.Entity{Attributes: map[string]any{"name": "Ada"}}, AddOptions{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "Entity", res.Entity.Type)
	assert.Empty(t, res.Inherited)

	_, ok := r.contexts.Get("team")
	assert.False(t, ok, "failed contexts are not cached")
}

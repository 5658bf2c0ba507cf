package pattern

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/graph/graphtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestLearner(t *testing.T, store graph.Store, opts ...Option) *Learner {
	t.Helper()
	opts = append([]Option{WithPropagation(config.PropagationConfig{})}, opts...)
	l := New(store, config.Default().Learner, nil, opts...)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLearn_FirstObservation(t *testing.T) {
	l := newTestLearner(t, nil)

	p := l.Learn("Lead", "email", "a@b.com", nil)

	assert.Equal(t, "email", p.Name)
	assert.Equal(t, "Lead", p.EntityType)
	assert.Equal(t, []string{TypeEmail}, p.Types)
	assert.Equal(t, TypeEmail, p.DominantType)
	assert.Equal(t, []any{"a@b.com"}, p.CommonValues)
	assert.Equal(t, 1, p.Frequency)
	assert.InDelta(t, 0.1, p.Confidence, 1e-9)
	assert.False(t, p.Degraded)
	assert.Equal(t, p.FirstSeen, p.LastUsed)
}

func TestLearn_ConfidenceTracksFrequency(t *testing.T) {
	l := newTestLearner(t, nil)

	for i := 1; i <= 25; i++ {
		p := l.Learn("Lead", "score", i, nil)
		assert.Equal(t, i, p.Frequency)
		assert.InDelta(t, min(1.0, float64(i)/10), p.Confidence, 1e-9)
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
	}
}

func TestLearn_CommonValuesCap(t *testing.T) {
	l := newTestLearner(t, nil)

	for i := 0; i < 50; i++ {
		l.Learn("Task", "title", fmt.Sprintf("task %d", i), nil)
	}
	// Repeats never add duplicates.
	l.Learn("Task", "status", "open", nil)
	l.Learn("Task", "status", "open", nil)

	p, ok := l.GetPattern("Task", "title")
	require.True(t, ok)
	assert.Len(t, p.CommonValues, 10)
	assert.Equal(t, "task 0", p.CommonValues[0], "insertion order, no eviction")
	assert.Equal(t, "task 9", p.CommonValues[9])

	status, _ := l.GetPattern("Task", "status")
	assert.Equal(t, []any{"open"}, status.CommonValues)
	assert.True(t, status.HasCommonValue("open"))
	assert.False(t, status.HasCommonValue("closed"))
}

func TestLearn_DominantTypeFollowsPriority(t *testing.T) {
	l := newTestLearner(t, nil)

	l.Learn("Contact", "handle", "mario", nil)
	p := l.Learn("Contact", "handle", "mario@example.com", nil)
	assert.Equal(t, TypeEmail, p.DominantType)
	assert.Equal(t, []string{TypeEmail, TypeString}, p.Types)

	l.Learn("Contact", "when", "soon", nil)
	l.Learn("Contact", "when", "555-123-4567", nil)
	p = l.Learn("Contact", "when", "2024-05-01", nil)
	assert.Equal(t, TypeDate, p.DominantType)
}

func TestLearn_TrendTruncation(t *testing.T) {
	l := newTestLearner(t, nil, WithClock(stepClock()))

	for i := 0; i < 101; i++ {
		l.Learn("Lead", "score", i, nil)
	}

	stats, ok := l.UsageStats("Lead", "score")
	require.True(t, ok)
	require.Len(t, stats.Trends, 50)
	assert.Equal(t, 51, stats.Trends[0].Value, "the first 51 observations are discarded")
	assert.Equal(t, 100, stats.Trends[49].Value)
	assert.True(t, stats.Trends[0].Timestamp.Before(stats.Trends[49].Timestamp))
	assert.Equal(t, 101, stats.TotalUsage)
	assert.Equal(t, 101, stats.UniqueValues)
}

func TestLearn_UsageStats(t *testing.T) {
	l := newTestLearner(t, nil)

	l.Learn("Person", "name", "Ada", &ObservationContext{ModuleID: "team-a"})
	l.Learn("Person", "name", "Grace", &ObservationContext{ModuleID: "team-b", Source: "import"})
	l.Learn("Person", "name", "Ada", nil)

	stats, ok := l.UsageStats("Person", "name")
	require.True(t, ok)
	assert.Equal(t, 3, stats.TotalUsage)
	assert.Equal(t, 2, stats.UniqueValues)
	assert.Equal(t, []string{"team-a", "team-b"}, stats.Contexts)
	// 3, then (3+5)/2, then (4+3)/2
	assert.InDelta(t, 3.5, stats.AverageLength, 1e-9)
	assert.Equal(t, "team-b", stats.Trends[1].Context)
	assert.Equal(t, "import", stats.Trends[1].Source)

	_, ok = l.UsageStats("Person", "missing")
	assert.False(t, ok)
}

func TestLearn_DegradedOnMissingKey(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := New(nil, config.Default().Learner, zap.New(core).Sugar())
	defer l.Close()

	p := l.Learn("", "email", "a@b.com", nil)

	assert.True(t, p.Degraded)
	assert.Equal(t, TypeEmail, p.DominantType)
	assert.Equal(t, 1, p.Frequency)
	assert.InDelta(t, 0.1, p.Confidence, 1e-9)
	assert.Equal(t, []any{"a@b.com"}, p.CommonValues)
	assert.Equal(t, 1, logs.Len())
	assert.Empty(t, l.EntityTypes())
}

func TestLearn_ConcurrentSameKey(t *testing.T) {
	l := newTestLearner(t, nil)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Learn("Lead", "source", fmt.Sprintf("s%d", (g+i)%15), nil)
			}
		}(g)
	}
	wg.Wait()

	p, ok := l.GetPattern("Lead", "source")
	require.True(t, ok)
	assert.Equal(t, 1000, p.Frequency, "no lost updates")
	assert.Len(t, p.CommonValues, 10)

	stats, _ := l.UsageStats("Lead", "source")
	assert.Equal(t, 1000, stats.TotalUsage)
	assert.Equal(t, 15, stats.UniqueValues)
	assert.Len(t, stats.Trends, 50+(1000-101)%51)
}

func TestLearn_PersistsSummary(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	l := newTestLearner(t, store)

	for _, v := range []string{"a@b.com", "c@d.com", "e@f.com", "g@h.com"} {
		l.Learn("Lead", "email", v, nil)
		l.Flush() // keep write order deterministic
	}

	summaries, err := store.PatternSummaries(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, "Lead", s.EntityType)
	assert.Equal(t, "email", s.AttributeName)
	assert.Equal(t, TypeEmail, s.DominantType)
	assert.Equal(t, 4, s.Frequency)
	assert.InDelta(t, 0.4, s.Confidence, 1e-9)
	assert.Len(t, s.SampleValues, graph.MaxSampleValues)
}

func TestLearn_PersistFailureIsLoggedNotReturned(t *testing.T) {
	store := graphtest.NewFaultyStore(graphtest.NewMemoryStore(), "UpsertPatternSummary")
	defer store.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	l := New(store, config.Default().Learner, zap.New(core).Sugar())

	p := l.Learn("Lead", "email", "a@b.com", nil)
	require.NoError(t, l.Close())

	assert.False(t, p.Degraded, "persistence is best effort")
	assert.Equal(t, 1, store.Calls("UpsertPatternSummary"))
	require.Equal(t, 1, logs.FilterMessage("failed to persist pattern summary").Len())
}

func TestLearn_NoPersistenceAfterClose(t *testing.T) {
	store := graphtest.NewFaultyStore(graphtest.NewMemoryStore())
	defer store.Close()
	l := New(store, config.Default().Learner, nil)
	require.NoError(t, l.Close())

	p := l.Learn("Lead", "email", "a@b.com", nil)
	assert.Equal(t, 1, p.Frequency)
	assert.Zero(t, store.Calls("UpsertPatternSummary"))
}

func TestCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := graphtest.NewMemoryStore()
	defer store.Close()
	l := newTestLearner(t, store)

	for i := 0; i < 5; i++ {
		l.Learn("Lead", "email", fmt.Sprintf("user%d@example.com", i), nil)
	}
	l.Learn("Lead", "status", "open", nil)

	n, err := l.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	summaries, err := store.PatternSummaries(ctx)
	require.NoError(t, err)
	freq := map[string]int{}
	for _, s := range summaries {
		freq[s.AttributeName] = s.Frequency
	}
	assert.Equal(t, map[string]int{"email": 5, "status": 1}, freq, "latest state wins")

	faulty := graphtest.NewFaultyStore(graphtest.NewMemoryStore(), "UpsertPatternSummary")
	defer faulty.Close()
	l = newTestLearner(t, faulty)
	l.Learn("Lead", "email", "a@b.com", nil)
	n, err = l.Checkpoint(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)

	n, err = newTestLearner(t, nil).Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWarm(t *testing.T) {
	store := graphtest.NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.UpsertPatternSummary(ctx, graph.PatternSummary{
		EntityType:    "Lead",
		AttributeName: "email",
		DominantType:  TypeEmail,
		Frequency:     8,
		Confidence:    0.8,
		SampleValues:  []any{"a@b.com", "a@b.com", "c@d.com"},
	}))

	l := newTestLearner(t, store)
	l.Learn("Lead", "phone", "555 123 4567", nil)

	n, err := l.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok := l.GetPattern("Lead", "email")
	require.True(t, ok)
	assert.Equal(t, 8, p.Frequency)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.Equal(t, []any{"a@b.com", "c@d.com"}, p.CommonValues)

	// Learning continues from the restored state.
	p = l.Learn("Lead", "email", "x@y.com", nil)
	assert.Equal(t, 9, p.Frequency)

	// A second warm does not clobber live patterns.
	n, err = l.Warm(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWarm_StoreFailure(t *testing.T) {
	store := graphtest.NewFaultyStore(graphtest.NewMemoryStore(), "PatternSummaries")
	defer store.Close()
	l := newTestLearner(t, store)

	_, err := l.Warm(context.Background())
	assert.ErrorIs(t, err, graphtest.ErrInjected)
}

func TestPatternsAndEntityTypes(t *testing.T) {
	l := newTestLearner(t, nil)
	l.Learn("Lead", "name", "Ada", nil)
	l.Learn("Lead", "email", "a@b.com", nil)
	l.Learn("Task", "title", "Ship", nil)

	patterns := l.Patterns("Lead")
	require.Len(t, patterns, 2)
	assert.Equal(t, "email", patterns[0].Name)
	assert.Equal(t, "name", patterns[1].Name)

	assert.Equal(t, []string{"Lead", "Task"}, l.EntityTypes())
	assert.Empty(t, l.Patterns("Unknown"))
}

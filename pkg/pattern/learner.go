// Package pattern learns the implicit schema of schemaless entities.
//
// Every time an attribute is written, the Learner observes the
// (entityType, attributeName, value) triple, infers a type tag for the value
// and folds it into a per-attribute Pattern:
//   - Types: every tag ever observed, plus a DominantType chosen by priority
//   - CommonValues: the first few distinct values (bounded, never evicted)
//   - Frequency and Confidence: Confidence is always min(1, Frequency/10)
//
// Alongside each pattern the Learner keeps UsageStats (distinct values,
// originating modules, running string length and a bounded trend log).
// A simplified summary of every pattern is persisted asynchronously through
// graph.Store; persistence failures are logged and never reach the caller.
//
// Example Usage:
//
//	learner := pattern.New(store, cfg.Learner, logger)
//	defer learner.Close()
//
//	p := learner.Learn("Lead", "email", "a@b.com", nil)
//	fmt.Println(p.DominantType, p.Confidence) // email 0.1
//
//	docs := learner.LivingDocumentation("Lead")
//	fmt.Printf("%d established attributes\n", docs.Established)
//
// ELI12 (Explain Like I'm 12):
//
// Imagine a class with no rulebook. Somebody just watches what everybody
// writes in the "email" box and after a while says "this box almost always
// gets an email address". The more they see, the more sure they are. That
// sureness is the confidence score.
package pattern

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/logging"
)

// Fallback values for a degraded Learn result.
const (
	fallbackFrequency  = 1
	fallbackConfidence = 0.1
)

// confidenceSaturation is the frequency at which confidence reaches 1.0.
const confidenceSaturation = 10.0

// Key identifies one attribute of one entity type.
type Key struct {
	EntityType string
	Attribute  string
}

func (k Key) String() string {
	return k.EntityType + "." + k.Attribute
}

// ObservationContext describes where an observation came from. All fields
// are optional.
type ObservationContext struct {
	// ModuleID is the grouping context the write happened in.
	ModuleID string

	// Source labels the origin, e.g. "module_addition" or "propagation".
	Source string

	// Propagated marks values pushed to a whole module by PropagateToGroup.
	Propagated bool
}

func (oc *ObservationContext) moduleID() string {
	if oc == nil {
		return ""
	}
	return oc.ModuleID
}

func (oc *ObservationContext) source() string {
	if oc == nil {
		return ""
	}
	return oc.Source
}

// Pattern is a snapshot of what has been learned about one attribute.
type Pattern struct {
	Name         string    `json:"name"`
	EntityType   string    `json:"entityType"`
	Types        []string  `json:"types"`
	DominantType string    `json:"dominantType"`
	CommonValues []any     `json:"commonValues"`
	Frequency    int       `json:"frequency"`
	Confidence   float64   `json:"confidence"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastUsed     time.Time `json:"lastUsed"`

	// Degraded is set when Learn could not update state and returned a
	// minimal stand-in built from the value alone.
	Degraded bool `json:"degraded,omitempty"`
}

// HasCommonValue reports whether value is among the pattern's common values.
func (p *Pattern) HasCommonValue(value any) bool {
	fp := Fingerprint(value)
	for _, v := range p.CommonValues {
		if Fingerprint(v) == fp {
			return true
		}
	}
	return false
}

// Trend is one timestamped observation.
type Trend struct {
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value"`
	Context   string    `json:"context,omitempty"` // module id
	Source    string    `json:"source,omitempty"`
}

// UsageStats is a snapshot of usage statistics for one attribute.
type UsageStats struct {
	TotalUsage    int      `json:"totalUsage"`
	UniqueValues  int      `json:"uniqueValues"`
	Contexts      []string `json:"contexts"`
	AverageLength float64  `json:"averageLength"`
	Trends        []Trend  `json:"trends"`
}

// patternState is the mutable form of Pattern.
type patternState struct {
	types        map[string]struct{}
	dominant     string
	commonValues []any
	commonKeys   map[string]struct{}
	frequency    int
	firstSeen    time.Time
	lastUsed     time.Time
}

type usageState struct {
	totalUsage    int
	uniqueValues  map[string]struct{}
	contexts      map[string]struct{}
	averageLength float64
	sawString     bool
	trends        []Trend
}

// entry holds all learned state for one Key. Its mutex serializes the
// read-modify-write of concurrent observations of the same attribute.
type entry struct {
	mu      sync.Mutex
	pattern *patternState
	usage   *usageState
	removed bool
}

// Option configures a Learner.
type Option func(*Learner)

// WithPropagation sets the write pacing used by PropagateToGroup.
func WithPropagation(cfg config.PropagationConfig) Option {
	return func(l *Learner) {
		l.limiter = newLimiter(cfg)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) {
		l.now = now
	}
}

// Learner accumulates attribute patterns. It is safe for concurrent use.
type Learner struct {
	store   graph.Store
	config  config.LearnerConfig
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
	now     func() time.Time

	mu      sync.RWMutex
	entries map[Key]*entry

	persisting sync.WaitGroup
	closed     atomic.Bool
}

// New creates a Learner. store may be nil, which disables persistence.
func New(store graph.Store, cfg config.LearnerConfig, logger *zap.SugaredLogger, opts ...Option) *Learner {
	l := &Learner{
		store:   store,
		config:  cfg,
		logger:  logging.OrNop(logger).With(logging.FieldComponent, "pattern_learner"),
		limiter: newLimiter(config.Default().Propagation),
		now:     time.Now,
		entries: make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newLimiter(cfg config.PropagationConfig) *rate.Limiter {
	limit := rate.Inf
	if cfg.WritesPerSecond > 0 {
		limit = rate.Limit(cfg.WritesPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Learn records one observation and returns the updated pattern.
//
// Learn never fails. If the observation cannot be recorded the returned
// pattern is a stand-in derived from value alone with Degraded set.
func (l *Learner) Learn(entityType, attribute string, value any, oc *ObservationContext) (result Pattern) {
	inferred := InferType(value)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warnw("learning failed, returning fallback pattern",
				logging.FieldEntityType, entityType,
				logging.FieldAttribute, attribute,
				logging.FieldError, fmt.Sprint(r))
			result = fallbackPattern(entityType, attribute, value, inferred, l.now())
		}
	}()

	if entityType == "" || attribute == "" {
		l.logger.Warnw("observation without entity type or attribute",
			logging.FieldEntityType, entityType,
			logging.FieldAttribute, attribute)
		return fallbackPattern(entityType, attribute, value, inferred, l.now())
	}

	key := Key{EntityType: entityType, Attribute: attribute}
	result, summary := l.observe(key, value, inferred, oc)
	l.persist(summary)
	return result
}

func (l *Learner) observe(key Key, value any, inferred string, oc *ObservationContext) (Pattern, graph.PatternSummary) {
	for {
		e := l.entry(key)
		e.mu.Lock()
		if e.removed {
			// Cleanup dropped this entry after we looked it up.
			e.mu.Unlock()
			continue
		}
		defer e.mu.Unlock()

		now := l.now()
		l.updatePattern(e, value, inferred, now)
		l.updateUsage(e, value, oc, now)
		return snapshot(key, e.pattern), summarize(key, e.pattern)
	}
}

func fallbackPattern(entityType, attribute string, value any, inferred string, now time.Time) Pattern {
	return Pattern{
		Name:         attribute,
		EntityType:   entityType,
		Types:        []string{inferred},
		DominantType: inferred,
		CommonValues: []any{value},
		Frequency:    fallbackFrequency,
		Confidence:   fallbackConfidence,
		FirstSeen:    now,
		LastUsed:     now,
		Degraded:     true,
	}
}

// entry returns the state for key, creating it if needed.
func (l *Learner) entry(key Key) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// updatePattern folds value into the pattern. Caller holds e.mu.
func (l *Learner) updatePattern(e *entry, value any, inferred string, now time.Time) {
	p := e.pattern
	if p == nil {
		p = &patternState{
			types:      make(map[string]struct{}),
			commonKeys: make(map[string]struct{}),
			firstSeen:  now,
		}
		e.pattern = p
	}

	p.types[inferred] = struct{}{}
	p.dominant = DominantType(sortByPriority(p.types))

	if len(p.commonValues) < l.config.CommonValuesCap {
		fp := Fingerprint(value)
		if _, seen := p.commonKeys[fp]; !seen {
			p.commonKeys[fp] = struct{}{}
			p.commonValues = append(p.commonValues, value)
		}
	}

	p.frequency++
	p.lastUsed = now
}

// updateUsage folds value into the usage stats. Caller holds e.mu.
func (l *Learner) updateUsage(e *entry, value any, oc *ObservationContext, now time.Time) {
	u := e.usage
	if u == nil {
		u = &usageState{
			uniqueValues: make(map[string]struct{}),
			contexts:     make(map[string]struct{}),
		}
		e.usage = u
	}

	u.totalUsage++
	u.uniqueValues[Fingerprint(value)] = struct{}{}
	if id := oc.moduleID(); id != "" {
		u.contexts[id] = struct{}{}
	}

	if s, ok := value.(string); ok {
		n := float64(len([]rune(s)))
		if u.sawString {
			u.averageLength = (u.averageLength + n) / 2
		} else {
			u.averageLength = n
			u.sawString = true
		}
	}

	u.trends = append(u.trends, Trend{
		Timestamp: now,
		Value:     value,
		Context:   oc.moduleID(),
		Source:    oc.source(),
	})
	if len(u.trends) > l.config.TrendCap {
		keep := min(max(l.config.TrendKeep, 0), len(u.trends))
		u.trends = append([]Trend(nil), u.trends[len(u.trends)-keep:]...)
	}
}

func confidenceFor(frequency int) float64 {
	c := float64(frequency) / confidenceSaturation
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

func snapshot(key Key, p *patternState) Pattern {
	return Pattern{
		Name:         key.Attribute,
		EntityType:   key.EntityType,
		Types:        sortByPriority(p.types),
		DominantType: p.dominant,
		CommonValues: append([]any(nil), p.commonValues...),
		Frequency:    p.frequency,
		Confidence:   confidenceFor(p.frequency),
		FirstSeen:    p.firstSeen,
		LastUsed:     p.lastUsed,
	}
}

func summarize(key Key, p *patternState) graph.PatternSummary {
	samples := p.commonValues
	if len(samples) > graph.MaxSampleValues {
		samples = samples[:graph.MaxSampleValues]
	}
	return graph.PatternSummary{
		EntityType:    key.EntityType,
		AttributeName: key.Attribute,
		DominantType:  p.dominant,
		Frequency:     p.frequency,
		Confidence:    confidenceFor(p.frequency),
		LastUsed:      p.lastUsed,
		SampleValues:  append([]any(nil), samples...),
	}
}

// persist upserts summary in the background. The write gets its own
// timeout so a finished request does not cancel it.
func (l *Learner) persist(summary graph.PatternSummary) {
	if l.store == nil || !l.config.PersistEnabled || l.closed.Load() {
		return
	}

	l.persisting.Add(1)
	go func() {
		defer l.persisting.Done()

		ctx, cancel := context.WithTimeout(context.Background(), l.config.PersistTimeout)
		defer cancel()

		if err := l.store.UpsertPatternSummary(ctx, summary); err != nil {
			l.logger.Warnw("failed to persist pattern summary",
				logging.FieldEntityType, summary.EntityType,
				logging.FieldAttribute, summary.AttributeName,
				logging.FieldError, err)
		}
	}()
}

// GetPattern returns the pattern for (entityType, attribute), if learned.
func (l *Learner) GetPattern(entityType, attribute string) (Pattern, bool) {
	key := Key{EntityType: entityType, Attribute: attribute}
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return Pattern{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pattern == nil {
		return Pattern{}, false
	}
	return snapshot(key, e.pattern), true
}

// Patterns returns every pattern learned for entityType, sorted by name.
func (l *Learner) Patterns(entityType string) []Pattern {
	var out []Pattern
	for _, key := range l.keys() {
		if key.EntityType != entityType {
			continue
		}
		if p, ok := l.GetPattern(key.EntityType, key.Attribute); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EntityTypes returns every entity type with at least one learned pattern.
func (l *Learner) EntityTypes() []string {
	seen := make(map[string]struct{})
	for _, key := range l.keys() {
		if _, ok := l.GetPattern(key.EntityType, key.Attribute); ok {
			seen[key.EntityType] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// UsageStats returns the usage statistics for (entityType, attribute).
func (l *Learner) UsageStats(entityType, attribute string) (UsageStats, bool) {
	l.mu.RLock()
	e, ok := l.entries[Key{EntityType: entityType, Attribute: attribute}]
	l.mu.RUnlock()
	if !ok {
		return UsageStats{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	u := e.usage
	if u == nil {
		return UsageStats{}, false
	}

	contexts := make([]string, 0, len(u.contexts))
	for c := range u.contexts {
		contexts = append(contexts, c)
	}
	sort.Strings(contexts)

	return UsageStats{
		TotalUsage:    u.totalUsage,
		UniqueValues:  len(u.uniqueValues),
		Contexts:      contexts,
		AverageLength: u.averageLength,
		Trends:        append([]Trend(nil), u.trends...),
	}, true
}

func (l *Learner) keys() []Key {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]Key, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	return keys
}

// Warm loads persisted pattern summaries for attributes not yet observed in
// this process and returns how many were restored. Restored patterns carry
// the persisted frequency and sample values but no usage stats.
func (l *Learner) Warm(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	summaries, err := l.store.PatternSummaries(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, s := range summaries {
		if s.EntityType == "" || s.AttributeName == "" {
			continue
		}
		e := l.entry(Key{EntityType: s.EntityType, Attribute: s.AttributeName})

		e.mu.Lock()
		if e.pattern == nil {
			e.pattern = restorePattern(s)
			restored++
		}
		e.mu.Unlock()
	}

	l.logger.Infow("pattern learner warmed from store", logging.FieldCount, restored)
	return restored, nil
}

func restorePattern(s graph.PatternSummary) *patternState {
	dominant := s.DominantType
	if dominant == "" {
		dominant = TypeAny
	}
	p := &patternState{
		types:      map[string]struct{}{dominant: {}},
		dominant:   dominant,
		commonKeys: make(map[string]struct{}),
		frequency:  s.Frequency,
		firstSeen:  s.LastUsed,
		lastUsed:   s.LastUsed,
	}
	for _, v := range s.SampleValues {
		fp := Fingerprint(v)
		if _, dup := p.commonKeys[fp]; !dup {
			p.commonKeys[fp] = struct{}{}
			p.commonValues = append(p.commonValues, v)
		}
	}
	return p
}

// Flush waits for in-flight persistence writes.
func (l *Learner) Flush() {
	l.persisting.Wait()
}

// Checkpoint waits for in-flight writes, then synchronously upserts the
// current summary of every pattern. Background writes may land out of
// order; a checkpoint leaves the store holding the latest state. It
// returns how many summaries were written.
func (l *Learner) Checkpoint(ctx context.Context) (int, error) {
	l.Flush()
	if l.store == nil || !l.config.PersistEnabled {
		return 0, nil
	}

	keys := l.keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	written := 0
	for _, key := range keys {
		l.mu.RLock()
		e := l.entries[key]
		l.mu.RUnlock()
		if e == nil {
			continue
		}

		e.mu.Lock()
		if e.removed || e.pattern == nil {
			e.mu.Unlock()
			continue
		}
		summary := summarize(key, e.pattern)
		e.mu.Unlock()

		if err := l.store.UpsertPatternSummary(ctx, summary); err != nil {
			return written, errors.Wrapf(err, "checkpoint %s", key)
		}
		written++
	}
	return written, nil
}

// Close stops scheduling persistence and waits for in-flight writes.
// The learner keeps answering reads after Close.
func (l *Learner) Close() error {
	l.closed.Store(true)
	l.Flush()
	return nil
}

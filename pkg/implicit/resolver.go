// Package implicit discovers relationships that were never stored.
//
// Two entities are implicitly related when some module contains both of
// them. The Resolver answers three questions from that fact alone:
//   - RelatedEntities: who shares a module with this entity, and how sure are we?
//   - FindConnectionPath: how are these two entities connected, directly or
//     through a bridge entity?
//   - AddEntityToGroup: what should a new member of this module look like?
//
// Module membership comes from graph.Store. Results are cached per entity and
// per module with lazily expiring entries; Cleanup drops both caches.
//
// Relation queries are advisory. A store failure yields an empty result with
// Degraded set instead of an error.
//
// ELI12 (Explain Like I'm 12):
//
// Nobody wrote down that Ada and Grace are friends. But they are both in the
// chess club, so they probably know each other. And if Ada is in the chess
// club, Bob is in both the chess club and the band, and Grace is in the band,
// then Ada and Grace are connected through Bob.
package implicit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orneryd/organicdb/pkg/cache"
	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
)

// RelationSharedModule is the relation type of co-membership in a module.
const RelationSharedModule = "shared_module"

// Connection strengths.
const (
	StrengthStrong = "strong"
	StrengthMedium = "medium"
)

// Connection types.
const (
	ConnectionDirect   = "direct"
	ConnectionIndirect = "indirect"
)

const defaultMaxDepth = 2

// Learner is the part of the pattern learner the resolver feeds.
type Learner interface {
	Learn(entityType, attribute string, value any, oc *pattern.ObservationContext) pattern.Pattern
}

// SemanticContext is the inferred meaning of a relation.
type SemanticContext struct {
	Relationship string `json:"relationship"`
	SourceType   string `json:"sourceType"`
	TargetType   string `json:"targetType"`
}

// RelationContext explains why two entities are related.
type RelationContext struct {
	Type       string           `json:"type"`
	ModuleID   string           `json:"moduleId"`
	ModuleName string           `json:"moduleName"`
	ModuleType string           `json:"moduleType,omitempty"`
	Confidence float64          `json:"confidence"`
	Semantic   *SemanticContext `json:"semanticContext,omitempty"`
}

// Related is one implicitly related entity.
type Related struct {
	Entity  graph.Entity    `json:"entity"`
	Context RelationContext `json:"relationContext"`
}

// RelatedOptions filters and bounds RelatedEntities.
type RelatedOptions struct {
	// RelationTypes keeps only relations whose type or inferred relationship
	// is listed. Empty keeps everything.
	RelationTypes []string
	// Limit caps the result. Zero uses the configured default.
	Limit int
	// IncludeContext attaches a SemanticContext to each relation.
	IncludeContext bool
}

// RelatedResult is the outcome of RelatedEntities.
type RelatedResult struct {
	Items    []Related `json:"items"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Connection is one way two entities are linked.
type Connection struct {
	Type     string   `json:"type"`
	Strength string   `json:"strength"`
	Path     []string `json:"path"`
}

// PathResult is the outcome of FindConnectionPath.
type PathResult struct {
	Connections []Connection `json:"connections"`
	Degraded    bool         `json:"degraded,omitempty"`
}

// Resolver infers relations from module membership. It is safe for
// concurrent use.
type Resolver struct {
	store   graph.Store
	learner Learner
	config  config.ResolverConfig
	logger  *zap.SugaredLogger
	now     func() time.Time

	// entity id -> modules containing it
	index *cache.Cache[[]graph.Module]
	// module id -> computed context
	contexts *cache.Cache[*ModuleContext]
	flight   singleflight.Group
}

// New creates a Resolver. learner may be nil, in which case entities added
// through AddEntityToGroup are not learned.
func New(store graph.Store, learner Learner, cfg config.ResolverConfig, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{
		store:    store,
		learner:  learner,
		config:   cfg,
		logger:   logging.OrNop(logger).With(logging.FieldComponent, "implicit_resolver"),
		now:      time.Now,
		index:    cache.New[[]graph.Module](cfg.ContextCacheSize, cfg.ContextTTL),
		contexts: cache.New[*ModuleContext](cfg.ContextCacheSize, cfg.ContextTTL),
	}
}

// DefaultRelatedOptions returns the options RelatedEntities is usually
// called with: the configured limit and semantic context included.
func (r *Resolver) DefaultRelatedOptions() RelatedOptions {
	return RelatedOptions{Limit: r.config.DefaultLimit, IncludeContext: true}
}

// RelatedEntities returns the entities sharing a module with entityID,
// scored by Confidence. Each related entity appears once, under the first
// module that relates it.
func (r *Resolver) RelatedEntities(ctx context.Context, entityID string, opts RelatedOptions) RelatedResult {
	result := RelatedResult{Items: []Related{}}
	limit := opts.Limit
	if limit <= 0 {
		limit = r.config.DefaultLimit
	}

	entity, err := r.store.GetEntity(ctx, entityID)
	if err != nil {
		return r.degradedRelated(entityID, err)
	}
	modules, err := r.modulesOf(ctx, entityID)
	if err != nil {
		return r.degradedRelated(entityID, err)
	}

	wanted := make(map[string]struct{}, len(opts.RelationTypes))
	for _, t := range opts.RelationTypes {
		wanted[t] = struct{}{}
	}

	seen := map[string]struct{}{entityID: {}}
	for _, m := range modules {
		members, err := r.store.ModuleMembers(ctx, m.ID)
		if err != nil {
			return r.degradedRelated(entityID, err)
		}
		for _, member := range members {
			if _, dup := seen[member.ID]; dup {
				continue
			}
			rel := RelationContext{
				Type:       RelationSharedModule,
				ModuleID:   m.ID,
				ModuleName: m.Name,
				ModuleType: m.TemplateID,
				Confidence: r.Confidence(&member, &m),
			}
			relationship := Relationship(entity.Type, member.Type)
			if len(wanted) > 0 && !matches(wanted, rel.Type, relationship) {
				continue
			}
			if opts.IncludeContext {
				rel.Semantic = &SemanticContext{
					Relationship: relationship,
					SourceType:   entity.Type,
					TargetType:   member.Type,
				}
			}
			seen[member.ID] = struct{}{}
			result.Items = append(result.Items, Related{Entity: member, Context: rel})
		}
	}

	if len(result.Items) > limit {
		result.Items = result.Items[:limit]
	}
	return result
}

func matches(wanted map[string]struct{}, kinds ...string) bool {
	for _, k := range kinds {
		if _, ok := wanted[k]; ok {
			return true
		}
	}
	return false
}

// degradedRelated turns a lookup failure into an empty result. An unknown
// entity simply has no relations.
func (r *Resolver) degradedRelated(entityID string, err error) RelatedResult {
	if errors.Is(err, errors.ErrNotFound) {
		return RelatedResult{Items: []Related{}}
	}
	r.logger.Warnw("related entity lookup failed",
		logging.FieldEntityID, entityID,
		logging.FieldError, err)
	return RelatedResult{Items: []Related{}, Degraded: true}
}

// Confidence scores how strongly module m relates member to its co-members:
// the base confidence, plus a boost when member has the module's target
// type, plus a boost when both were created within the temporal window.
// The score never exceeds 1.
func (r *Resolver) Confidence(member *graph.Entity, m *graph.Module) float64 {
	c := r.config.BaseConfidence
	if m.TargetEntityType != "" && member.Type == m.TargetEntityType {
		c += r.config.TargetTypeBoost
	}
	if !member.CreatedAt.IsZero() && !m.CreatedAt.IsZero() {
		gap := member.CreatedAt.Sub(m.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= r.config.TemporalWindow {
			c += r.config.TemporalBoost
		}
	}
	return min(c, 1.0)
}

// FindConnectionPath returns how entityA and entityB are connected. Every
// module holding both is a strong direct connection. Without one, and with
// maxDepth above 1, each module of entityA contributes at most one medium
// connection through a member that shares a module with entityB.
// A maxDepth of 0 means 2.
func (r *Resolver) FindConnectionPath(ctx context.Context, entityA, entityB string, maxDepth int) PathResult {
	result := PathResult{Connections: []Connection{}}
	if entityA == entityB {
		return result
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}

	var modulesA, modulesB []graph.Module
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		modulesA, err = r.modulesOf(gctx, entityA)
		return err
	})
	g.Go(func() error {
		var err error
		modulesB, err = r.modulesOf(gctx, entityB)
		return err
	})
	if err := g.Wait(); err != nil {
		return r.degradedPath(entityA, entityB, err)
	}

	inB := make(map[string]struct{}, len(modulesB))
	for _, m := range modulesB {
		inB[m.ID] = struct{}{}
	}

	for _, m := range modulesA {
		if _, ok := inB[m.ID]; ok {
			result.Connections = append(result.Connections, Connection{
				Type:     ConnectionDirect,
				Strength: StrengthStrong,
				Path:     []string{entityA, m.ID, entityB},
			})
		}
	}
	if len(result.Connections) > 0 || maxDepth < 2 {
		return result
	}

	for _, mA := range modulesA {
		members, err := r.store.ModuleMembers(ctx, mA.ID)
		if err != nil {
			return r.degradedPath(entityA, entityB, err)
		}
		conn, err := r.bridge(ctx, entityA, entityB, mA.ID, members, inB)
		if err != nil {
			return r.degradedPath(entityA, entityB, err)
		}
		if conn != nil {
			result.Connections = append(result.Connections, *conn)
		}
	}
	return result
}

// bridge finds the first member of moduleA that also belongs to one of
// entityB's modules.
func (r *Resolver) bridge(ctx context.Context, entityA, entityB, moduleA string, members []graph.Entity, inB map[string]struct{}) (*Connection, error) {
	for _, candidate := range members {
		if candidate.ID == entityA || candidate.ID == entityB {
			continue
		}
		bridgeModules, err := r.modulesOf(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		for _, mB := range bridgeModules {
			if _, ok := inB[mB.ID]; ok {
				return &Connection{
					Type:     ConnectionIndirect,
					Strength: StrengthMedium,
					Path:     []string{entityA, moduleA, candidate.ID, mB.ID, entityB},
				}, nil
			}
		}
	}
	return nil, nil
}

func (r *Resolver) degradedPath(entityA, entityB string, err error) PathResult {
	if errors.Is(err, errors.ErrNotFound) {
		return PathResult{Connections: []Connection{}}
	}
	r.logger.Warnw("connection path lookup failed",
		"from", entityA,
		"to", entityB,
		logging.FieldError, err)
	return PathResult{Connections: []Connection{}, Degraded: true}
}

// modulesOf returns the modules containing entityID through the entity
// index.
func (r *Resolver) modulesOf(ctx context.Context, entityID string) ([]graph.Module, error) {
	if modules, ok := r.index.Get(entityID); ok {
		return modules, nil
	}
	modules, err := r.store.ModulesContaining(ctx, entityID)
	if err != nil {
		return nil, errors.Wrapf(err, "modules containing %s", entityID)
	}
	r.index.Put(entityID, modules)
	return modules, nil
}

// CleanupResult reports what Cleanup dropped.
type CleanupResult struct {
	ContextsCleared int `json:"contextsCleared"`
	IndexCleared    int `json:"indexCleared"`
}

// Cleanup drops the module context cache and the entity index. Both are
// rebuilt lazily.
func (r *Resolver) Cleanup() CleanupResult {
	result := CleanupResult{
		ContextsCleared: r.contexts.Len(),
		IndexCleared:    r.index.Len(),
	}
	r.contexts.Clear()
	r.index.Clear()
	r.logger.Debugw("resolver caches cleared",
		"contexts", result.ContextsCleared,
		"index", result.IndexCleared)
	return result
}

// CacheStats returns statistics of the module context cache and the entity
// index.
func (r *Resolver) CacheStats() (contexts, index cache.Stats) {
	return r.contexts.Stats(), r.index.Stats()
}

// Package graph is the persistence boundary of the organic schema components.
//
// The learner, validator and resolver never talk to a database directly.
// They go through Store, whose methods each correspond to one declarative
// graph query with named parameters. Two implementations exist:
//
//   - EngineStore: runs the queries over a storage.Engine (memory or BadgerDB)
//   - ArangoStore: runs them as AQL with bind variables against ArangoDB
//
// Vocabulary:
//
//	Entity  - a schemaless record with a type and free-form attributes
//	Module  - a grouping context; membership implicitly relates entities
//	PatternSummary - the persisted, simplified form of a learned pattern
//
// Module membership is resolved three ways, and every implementation must
// honor all of them:
//
//  1. the module targets the entity (targetEntityId, or the entity's
//     moduleId attribute names the module)
//  2. same-type co-membership (the module's targetEntityType equals the
//     entity's type)
//  3. an explicit CONTAINS edge from the module to the entity
package graph

import (
	"context"
	"encoding/hex"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ModuleIDAttribute is the entity attribute that references a module by id.
const ModuleIDAttribute = "moduleId"

// ContainsEdgeType is the relationship type for explicit module membership.
const ContainsEdgeType = "CONTAINS"

// Entity is a schemaless record.
type Entity struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
	CreatedAt  time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt" yaml:"updatedAt"`
}

// ModuleID returns the module referenced by the entity's moduleId attribute.
func (e *Entity) ModuleID() string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	id, _ := e.Attributes[ModuleIDAttribute].(string)
	return id
}

// Module is a grouping context.
type Module struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	TemplateID       string    `json:"templateId,omitempty" yaml:"templateId"`
	TargetEntityType string    `json:"targetEntityType,omitempty" yaml:"targetEntityType"`
	TargetEntityID   string    `json:"targetEntityId,omitempty" yaml:"targetEntityId"`
	CreatedAt        time.Time `json:"createdAt" yaml:"createdAt"`
}

// Contains reports whether the module claims e through any of the three
// membership rules. linked says whether an explicit CONTAINS edge exists.
func (m *Module) Contains(e *Entity, linked bool) bool {
	switch {
	case linked:
		return true
	case m.TargetEntityID != "" && m.TargetEntityID == e.ID:
		return true
	case m.TargetEntityType != "" && m.TargetEntityType == e.Type:
		return true
	default:
		return e.ModuleID() == m.ID
	}
}

// PatternSummary is the persisted form of a learned attribute pattern.
type PatternSummary struct {
	EntityType    string    `json:"entityType"`
	AttributeName string    `json:"attributeName"`
	DominantType  string    `json:"dominantType"`
	Frequency     int       `json:"frequency"`
	Confidence    float64   `json:"confidence"`
	LastUsed      time.Time `json:"lastUsed"`
	SampleValues  []any     `json:"sampleValues"`
}

// MaxSampleValues bounds PatternSummary.SampleValues.
const MaxSampleValues = 3

// Store is the query surface the organic schema components need.
//
// Lookups of a missing entity or module return an error matching
// errors.ErrNotFound. Implementations must be safe for concurrent use.
type Store interface {
	// UpsertPatternSummary creates or replaces the summary for
	// (EntityType, AttributeName).
	UpsertPatternSummary(ctx context.Context, summary PatternSummary) error

	// PatternSummaries returns every persisted summary.
	PatternSummaries(ctx context.Context) ([]PatternSummary, error)

	// ModulesContaining returns the modules that contain the entity,
	// ordered by creation time.
	ModulesContaining(ctx context.Context, entityID string) ([]Module, error)

	// ModuleMembers returns the entities a module contains: entities of its
	// target type, CONTAINS-linked entities and entities whose moduleId
	// attribute references it. Ordered by creation time.
	ModuleMembers(ctx context.Context, moduleID string) ([]Entity, error)

	GetModule(ctx context.Context, moduleID string) (*Module, error)
	CreateModule(ctx context.Context, module *Module) error

	GetEntity(ctx context.Context, entityID string) (*Entity, error)
	CreateEntity(ctx context.Context, entity *Entity) error
	UpdateEntityAttribute(ctx context.Context, entityID, attribute string, value any) error

	// LinkEntityToModule creates a CONTAINS edge. Linking twice is a no-op.
	LinkEntityToModule(ctx context.Context, moduleID, entityID string) error

	Close() error
}

// PatternKey returns a stable storage key for (entityType, attribute).
// Attribute names are user supplied, so the key is a hash rather than a
// concatenation that could contain characters a backend rejects.
func PatternKey(entityType, attribute string) string {
	sum := blake2b.Sum256([]byte(entityType + "\x00" + attribute))
	return "pattern-" + hex.EncodeToString(sum[:12])
}

func sortModules(modules []Module) {
	sort.SliceStable(modules, func(i, j int) bool {
		if !modules[i].CreatedAt.Equal(modules[j].CreatedAt) {
			return modules[i].CreatedAt.Before(modules[j].CreatedAt)
		}
		return modules[i].ID < modules[j].ID
	})
}

func sortEntities(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if !entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].CreatedAt.Before(entities[j].CreatedAt)
		}
		return entities[i].ID < entities[j].ID
	})
}

func truncateSamples(values []any) []any {
	if len(values) > MaxSampleValues {
		values = values[:MaxSampleValues]
	}
	out := make([]any, len(values))
	copy(out, values)
	return out
}

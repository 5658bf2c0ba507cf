package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/storage"
)

// Node labels used by EngineStore.
const (
	EntityLabel  = "Entity"
	ModuleLabel  = "Module"
	PatternLabel = "AttributePattern"
)

// EngineStore implements Store over a labeled property graph engine.
//
// Entities are nodes labeled with their type plus EntityLabel, modules are
// ModuleLabel nodes and pattern summaries are PatternLabel nodes keyed by
// PatternKey. Explicit membership is a CONTAINS edge from module to entity.
// Entity types share the label namespace with the reserved labels, so a node
// carrying EntityLabel is never read back as a module or a pattern.
//
// Engines should index ModuleIDAttribute so module membership by reference
// is an index lookup.
//
// Example:
//
//	engine := storage.NewMemoryEngine(graph.ModuleIDAttribute)
//	store := graph.NewEngineStore(engine)
//	defer store.Close()
type EngineStore struct {
	engine storage.Engine
	now    func() time.Time
}

// NewEngineStore wraps engine. Closing the store closes the engine.
func NewEngineStore(engine storage.Engine) *EngineStore {
	return &EngineStore{engine: engine, now: time.Now}
}

// Engine returns the underlying storage engine.
func (s *EngineStore) Engine() storage.Engine {
	return s.engine
}

// UpsertPatternSummary implements Store.
func (s *EngineStore) UpsertPatternSummary(ctx context.Context, summary PatternSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if summary.EntityType == "" || summary.AttributeName == "" {
		return errors.Wrap(errors.ErrInvalidInput, "pattern summary needs entity type and attribute")
	}

	node := &storage.Node{
		ID:     storage.NodeID(PatternKey(summary.EntityType, summary.AttributeName)),
		Labels: []string{PatternLabel},
		Properties: map[string]any{
			"entityType":    summary.EntityType,
			"attributeName": summary.AttributeName,
			"dominantType":  summary.DominantType,
			"frequency":     summary.Frequency,
			"confidence":    summary.Confidence,
			"sampleValues":  truncateSamples(summary.SampleValues),
		},
		CreatedAt: s.now(),
		UpdatedAt: summary.LastUsed,
	}

	err := s.engine.CreateNode(node)
	if errors.Is(err, storage.ErrAlreadyExists) {
		existing, getErr := s.engine.GetNode(node.ID)
		if getErr == nil && !isPatternNode(existing) {
			return errors.Wrapf(errors.ErrInvalidInput,
				"pattern %s.%s: id %s is taken by another node", summary.EntityType, summary.AttributeName, node.ID)
		}
		if getErr == nil {
			node.CreatedAt = existing.CreatedAt
		}
		err = s.engine.UpdateNode(node)
	}
	return s.wrap(err, "upsert pattern %s.%s", summary.EntityType, summary.AttributeName)
}

// PatternSummaries implements Store.
func (s *EngineStore) PatternSummaries(ctx context.Context) ([]PatternSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nodes, err := s.engine.GetNodesByLabel(PatternLabel)
	if err != nil {
		return nil, s.wrap(err, "list pattern summaries")
	}

	summaries := make([]PatternSummary, 0, len(nodes))
	for _, n := range nodes {
		if !isPatternNode(n) {
			continue
		}
		summaries = append(summaries, PatternSummary{
			EntityType:    propString(n.Properties, "entityType"),
			AttributeName: propString(n.Properties, "attributeName"),
			DominantType:  propString(n.Properties, "dominantType"),
			Frequency:     propInt(n.Properties, "frequency"),
			Confidence:    propFloat(n.Properties, "confidence"),
			LastUsed:      n.UpdatedAt,
			SampleValues:  propSlice(n.Properties, "sampleValues"),
		})
	}
	return summaries, nil
}

// ModulesContaining implements Store.
func (s *EngineStore) ModulesContaining(ctx context.Context, entityID string) ([]Module, error) {
	entity, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	nodes, err := s.engine.GetNodesByLabel(ModuleLabel)
	if err != nil {
		return nil, s.wrap(err, "list modules")
	}

	var modules []Module
	for _, n := range nodes {
		if !isModuleNode(n) {
			continue
		}
		m := moduleFromNode(n)
		linked := s.engine.GetEdgeBetween(n.ID, storage.NodeID(entity.ID), ContainsEdgeType) != nil
		if m.Contains(entity, linked) {
			modules = append(modules, *m)
		}
	}
	sortModules(modules)
	return modules, nil
}

// ModuleMembers implements Store.
func (s *EngineStore) ModuleMembers(ctx context.Context, moduleID string) ([]Entity, error) {
	module, err := s.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var members []Entity
	add := func(n *storage.Node) {
		if _, dup := seen[string(n.ID)]; dup || !n.HasLabel(EntityLabel) {
			return
		}
		seen[string(n.ID)] = struct{}{}
		members = append(members, *entityFromNode(n))
	}

	if module.TargetEntityType != "" {
		typed, err := s.engine.GetNodesByLabel(module.TargetEntityType)
		if err != nil {
			return nil, s.wrap(err, "list %s entities", module.TargetEntityType)
		}
		for _, n := range typed {
			// Labels match case-insensitively; types do not.
			if entityFromNode(n).Type == module.TargetEntityType {
				add(n)
			}
		}
	}

	edges, err := s.engine.GetOutgoingEdges(storage.NodeID(module.ID))
	if err != nil {
		return nil, s.wrap(err, "list edges of module %s", module.ID)
	}
	for _, e := range edges {
		if e.Type != ContainsEdgeType {
			continue
		}
		if n, err := s.engine.GetNode(e.EndNode); err == nil {
			add(n)
		}
	}

	referencing, err := s.engine.GetNodesByProperty(ModuleIDAttribute, module.ID)
	if err != nil {
		return nil, s.wrap(err, "list entities referencing %s", module.ID)
	}
	for _, n := range referencing {
		add(n)
	}

	sortEntities(members)
	return members, nil
}

// GetModule implements Store.
func (s *EngineStore) GetModule(ctx context.Context, moduleID string) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.getNode(moduleID)
	if err != nil {
		return nil, s.wrap(err, "module %s", moduleID)
	}
	if !isModuleNode(n) {
		return nil, errors.Wrapf(errors.ErrNotFound, "module %s", moduleID)
	}
	return moduleFromNode(n), nil
}

// CreateModule implements Store. A missing ID is generated.
func (s *EngineStore) CreateModule(ctx context.Context, module *Module) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if module == nil {
		return errors.Wrap(errors.ErrInvalidInput, "nil module")
	}
	if module.ID == "" {
		module.ID = uuid.NewString()
	}
	if module.CreatedAt.IsZero() {
		module.CreatedAt = s.now()
	}

	err := s.engine.CreateNode(&storage.Node{
		ID:     storage.NodeID(module.ID),
		Labels: []string{ModuleLabel},
		Properties: map[string]any{
			"name":             module.Name,
			"templateId":       module.TemplateID,
			"targetEntityType": module.TargetEntityType,
			"targetEntityId":   module.TargetEntityID,
		},
		CreatedAt: module.CreatedAt,
		UpdatedAt: module.CreatedAt,
	})
	return s.wrap(err, "create module %s", module.ID)
}

// GetEntity implements Store.
func (s *EngineStore) GetEntity(ctx context.Context, entityID string) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.getNode(entityID)
	if err != nil {
		return nil, s.wrap(err, "entity %s", entityID)
	}
	if !n.HasLabel(EntityLabel) {
		return nil, errors.Wrapf(errors.ErrNotFound, "entity %s", entityID)
	}
	return entityFromNode(n), nil
}

// CreateEntity implements Store. A missing ID is generated; the type is required.
func (s *EngineStore) CreateEntity(ctx context.Context, entity *Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entity == nil || entity.Type == "" {
		return errors.Wrap(errors.ErrInvalidInput, "entity needs a type")
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	now := s.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now

	labels := []string{entity.Type}
	if entity.Type != EntityLabel {
		labels = append(labels, EntityLabel)
	}

	err := s.engine.CreateNode(&storage.Node{
		ID:         storage.NodeID(entity.ID),
		Labels:     labels,
		Properties: entity.Attributes,
		CreatedAt:  entity.CreatedAt,
		UpdatedAt:  entity.UpdatedAt,
	})
	return s.wrap(err, "create entity %s", entity.ID)
}

// UpdateEntityAttribute implements Store.
func (s *EngineStore) UpdateEntityAttribute(ctx context.Context, entityID, attribute string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if attribute == "" {
		return errors.Wrap(errors.ErrInvalidInput, "empty attribute name")
	}
	n, err := s.getNode(entityID)
	if err != nil {
		return s.wrap(err, "entity %s", entityID)
	}
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	n.Properties[attribute] = value
	n.UpdatedAt = s.now()
	return s.wrap(s.engine.UpdateNode(n), "update %s.%s", entityID, attribute)
}

// LinkEntityToModule implements Store.
func (s *EngineStore) LinkEntityToModule(ctx context.Context, moduleID, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.GetModule(ctx, moduleID); err != nil {
		return errors.Wrapf(err, "link %s -> %s", moduleID, entityID)
	}
	if s.engine.GetEdgeBetween(storage.NodeID(moduleID), storage.NodeID(entityID), ContainsEdgeType) != nil {
		return nil
	}
	err := s.engine.CreateEdge(&storage.Edge{
		ID:        storage.EdgeID(uuid.NewString()),
		StartNode: storage.NodeID(moduleID),
		EndNode:   storage.NodeID(entityID),
		Type:      ContainsEdgeType,
		CreatedAt: s.now(),
	})
	if errors.Is(err, storage.ErrInvalidEdge) {
		return errors.Wrapf(errors.ErrNotFound, "link %s -> %s", moduleID, entityID)
	}
	return s.wrap(err, "link %s -> %s", moduleID, entityID)
}

// Close closes the underlying engine.
func (s *EngineStore) Close() error {
	return s.engine.Close()
}

func (s *EngineStore) getNode(id string) (*storage.Node, error) {
	if id == "" {
		return nil, errors.ErrInvalidInput
	}
	return s.engine.GetNode(storage.NodeID(id))
}

// wrap maps storage sentinels onto package errors and adds context.
func (s *EngineStore) wrap(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return errors.Wrapf(errors.ErrNotFound, format, args...)
	case errors.Is(err, storage.ErrStorageClosed):
		return errors.Wrapf(errors.Mark(err, errors.ErrStoreUnavailable), format, args...)
	default:
		return errors.Wrapf(err, format, args...)
	}
}

func isModuleNode(n *storage.Node) bool {
	return n.HasLabel(ModuleLabel) && !n.HasLabel(EntityLabel)
}

func isPatternNode(n *storage.Node) bool {
	return n.HasLabel(PatternLabel) && !n.HasLabel(EntityLabel)
}

func entityFromNode(n *storage.Node) *Entity {
	entityType := EntityLabel
	for _, l := range n.Labels {
		if l != EntityLabel {
			entityType = l
			break
		}
	}
	attrs := n.Properties
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &Entity{
		ID:         string(n.ID),
		Type:       entityType,
		Attributes: attrs,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

func moduleFromNode(n *storage.Node) *Module {
	return &Module{
		ID:               string(n.ID),
		Name:             propString(n.Properties, "name"),
		TemplateID:       propString(n.Properties, "templateId"),
		TargetEntityType: propString(n.Properties, "targetEntityType"),
		TargetEntityID:   propString(n.Properties, "targetEntityId"),
		CreatedAt:        n.CreatedAt,
	}
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// propInt reads an integer property. JSON round trips turn ints into float64.
func propInt(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func propFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func propSlice(props map[string]any, key string) []any {
	v, _ := props[key].([]any)
	return v
}

var _ Store = (*EngineStore)(nil)

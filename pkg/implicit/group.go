package implicit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
)

// SourceModuleAddition tags observations made by AddEntityToGroup.
const SourceModuleAddition = "module_addition"

// ModuleContext is what a module's members have in common.
type ModuleContext struct {
	ModuleID   string `json:"moduleId"`
	ModuleName string `json:"moduleName,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	// TargetEntityType is the type the module declares, if any.
	TargetEntityType string `json:"targetEntityType,omitempty"`
	// EntityType is the majority type of the sampled members, or the
	// configured default for an empty or unknown module.
	EntityType string `json:"entityType"`
	// CommonAttributes holds every attribute carried by at least the
	// configured share of sampled members, with its most frequent value.
	CommonAttributes map[string]any `json:"commonAttributes"`
	MemberCount      int            `json:"memberCount"`
	Sampled          int            `json:"sampled"`
	ComputedAt       time.Time      `json:"computedAt"`
	Known            bool           `json:"known"`
}

// ModuleContext returns the cached context of moduleID, computing it on a
// miss. Concurrent misses for one module share a single computation.
func (r *Resolver) ModuleContext(ctx context.Context, moduleID string) (*ModuleContext, error) {
	if mc, ok := r.contexts.Get(moduleID); ok {
		return mc, nil
	}

	v, err, _ := r.flight.Do(moduleID, func() (any, error) {
		// A flight that finished since the miss above has filled the cache.
		if mc, ok := r.contexts.Get(moduleID); ok {
			return mc, nil
		}
		mc, err := r.computeContext(ctx, moduleID)
		if err != nil {
			return nil, err
		}
		r.contexts.Put(moduleID, mc)
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ModuleContext), nil
}

func (r *Resolver) computeContext(ctx context.Context, moduleID string) (*ModuleContext, error) {
	mc := &ModuleContext{
		ModuleID:         moduleID,
		EntityType:       r.config.DefaultEntityType,
		CommonAttributes: map[string]any{},
		ComputedAt:       r.now(),
	}

	module, err := r.store.GetModule(ctx, moduleID)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return mc, nil
	case err != nil:
		return nil, errors.Wrapf(err, "load module %s", moduleID)
	}
	mc.Known = true
	mc.ModuleName = module.Name
	mc.TemplateID = module.TemplateID
	mc.TargetEntityType = module.TargetEntityType

	members, err := r.store.ModuleMembers(ctx, moduleID)
	if err != nil {
		return nil, errors.Wrapf(err, "load members of %s", moduleID)
	}
	mc.MemberCount = len(members)
	if r.config.MemberSampleSize > 0 && len(members) > r.config.MemberSampleSize {
		members = members[:r.config.MemberSampleSize]
	}
	mc.Sampled = len(members)
	if len(members) == 0 {
		return mc, nil
	}

	mc.EntityType = majorityType(members)
	mc.CommonAttributes = commonAttributes(members, r.config.CommonAttributeThreshold)
	return mc, nil
}

// majorityType returns the most frequent member type. Ties go to the type
// seen first.
func majorityType(members []graph.Entity) string {
	counts := make(map[string]int)
	var order []string
	for _, m := range members {
		if counts[m.Type] == 0 {
			order = append(order, m.Type)
		}
		counts[m.Type]++
	}
	best := order[0]
	for _, t := range order[1:] {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

type valueCount struct {
	value any
	count int
}

// commonAttributes returns attributes present on at least threshold of the
// members, each with its most frequent value. The moduleId reference is
// never common; it is set explicitly.
func commonAttributes(members []graph.Entity, threshold float64) map[string]any {
	present := make(map[string]int)
	values := make(map[string]map[string]*valueCount)
	var order []string

	for _, m := range members {
		for name, v := range m.Attributes {
			if name == graph.ModuleIDAttribute {
				continue
			}
			if present[name] == 0 {
				order = append(order, name)
				values[name] = make(map[string]*valueCount)
			}
			present[name]++
			fp := pattern.Fingerprint(v)
			if vc, ok := values[name][fp]; ok {
				vc.count++
			} else {
				values[name][fp] = &valueCount{value: v, count: 1}
			}
		}
	}

	out := make(map[string]any)
	for _, name := range order {
		if float64(present[name])/float64(len(members)) < threshold {
			continue
		}
		out[name] = mostFrequent(values[name])
	}
	return out
}

// mostFrequent picks the value with the highest count, breaking ties by
// fingerprint so the choice does not depend on map order.
func mostFrequent(counts map[string]*valueCount) any {
	fps := make([]string, 0, len(counts))
	for fp := range counts {
		fps = append(fps, fp)
	}
	sort.Strings(fps)

	var best *valueCount
	for _, fp := range fps {
		if vc := counts[fp]; best == nil || vc.count > best.count {
			best = vc
		}
	}
	return best.value
}

// AddOptions controls AddEntityToGroup.
type AddOptions struct {
	// CreateExplicitLink also creates a CONTAINS edge from the module.
	CreateExplicitLink bool
}

// AddResult is the outcome of AddEntityToGroup.
type AddResult struct {
	Entity graph.Entity `json:"entity"`
	// Inherited lists the common attributes the entity took from the module.
	Inherited []string       `json:"inherited"`
	Context   *ModuleContext `json:"moduleContext"`
	Linked    bool           `json:"linked"`
	// Degraded is set when the module context could not be computed and
	// the entity was created without inheriting anything.
	Degraded bool `json:"degraded,omitempty"`
}

// AddEntityToGroup creates data as a member of moduleID. A missing type is
// taken from the module's majority type, and the module's common attributes
// fill in whatever data leaves unset. The entity references the module
// through its moduleId attribute, and every other attribute is learned with
// the module as context.
func (r *Resolver) AddEntityToGroup(ctx context.Context, moduleID string, data graph.Entity, opts AddOptions) (AddResult, error) {
	if moduleID == "" {
		return AddResult{}, errors.Wrap(errors.ErrInvalidInput, "module id is required")
	}

	result := AddResult{Inherited: []string{}}
	mc, err := r.ModuleContext(ctx, moduleID)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		r.logger.Warnw("module context unavailable, adding entity without it",
			logging.FieldModuleID, moduleID,
			logging.FieldError, err)
		result.Degraded = true
		mc = &ModuleContext{
			ModuleID:         moduleID,
			EntityType:       r.config.DefaultEntityType,
			CommonAttributes: map[string]any{},
			ComputedAt:       r.now(),
		}
	}
	result.Context = mc

	entity := graph.Entity{
		ID:         data.ID,
		Type:       data.Type,
		Attributes: make(map[string]any, len(data.Attributes)+len(mc.CommonAttributes)+1),
		CreatedAt:  data.CreatedAt,
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.Type == "" {
		entity.Type = mc.EntityType
	}
	for name, v := range mc.CommonAttributes {
		if _, set := data.Attributes[name]; !set {
			entity.Attributes[name] = v
			result.Inherited = append(result.Inherited, name)
		}
	}
	sort.Strings(result.Inherited)
	for name, v := range data.Attributes {
		entity.Attributes[name] = v
	}
	entity.Attributes[graph.ModuleIDAttribute] = moduleID

	if err := r.store.CreateEntity(ctx, &entity); err != nil {
		return result, errors.Wrapf(err, "create entity in module %s", moduleID)
	}
	result.Entity = entity

	if r.learner != nil {
		oc := &pattern.ObservationContext{ModuleID: moduleID, Source: SourceModuleAddition}
		names := make([]string, 0, len(entity.Attributes))
		for name := range entity.Attributes {
			if name != graph.ModuleIDAttribute {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			r.learner.Learn(entity.Type, name, entity.Attributes[name], oc)
		}
	}

	if opts.CreateExplicitLink {
		if err := r.store.LinkEntityToModule(ctx, moduleID, entity.ID); err != nil {
			return result, errors.Wrapf(err, "link %s to module %s", entity.ID, moduleID)
		}
		result.Linked = true
	}

	r.logger.Debugw("entity added to module",
		logging.FieldModuleID, moduleID,
		logging.FieldEntityID, entity.ID,
		logging.FieldEntityType, entity.Type,
		"inherited", len(result.Inherited))
	return result, nil
}

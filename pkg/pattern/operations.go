package pattern

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/logging"
)

const (
	suggestMinConfidence = 0.5
	suggestLimit         = 10
	suggestExamples      = 2

	establishedConfidence = 0.7
	docExamples           = 3

	cleanupMinConfidence = 0.1
	cleanupMinFrequency  = 2
)

// Attribute status in living documentation.
const (
	StatusEstablished = "established"
	StatusEmerging    = "emerging"
)

// SourcePropagation tags observations recorded by PropagateToGroup.
const SourcePropagation = "propagation"

// AttributeSuggestion proposes an attribute for a new entity.
type AttributeSuggestion struct {
	Name       string  `json:"name"`
	EntityType string  `json:"entityType"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Frequency  int     `json:"frequency"`
	Examples   []any   `json:"examples"`
	Reason     string  `json:"reason"`
}

// SuggestAttributesForContext proposes attributes that are well established
// on any of the candidate entity types, most confident first.
func (l *Learner) SuggestAttributesForContext(entityTypes []string) []AttributeSuggestion {
	var out []AttributeSuggestion
	for _, entityType := range entityTypes {
		for _, p := range l.Patterns(entityType) {
			if p.Confidence <= suggestMinConfidence {
				continue
			}
			out = append(out, AttributeSuggestion{
				Name:       p.Name,
				EntityType: entityType,
				Type:       p.DominantType,
				Confidence: p.Confidence,
				Frequency:  p.Frequency,
				Examples:   firstN(p.CommonValues, suggestExamples),
				Reason:     fmt.Sprintf("used %d times on %s entities", p.Frequency, entityType),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > suggestLimit {
		out = out[:suggestLimit]
	}
	return out
}

func firstN(values []any, n int) []any {
	if len(values) > n {
		values = values[:n]
	}
	return append([]any{}, values...)
}

// PropagationResult reports the outcome of PropagateToGroup.
type PropagationResult struct {
	ModuleID        string `json:"moduleId"`
	Attribute       string `json:"attribute"`
	EntitiesUpdated int    `json:"entitiesUpdated"`
	EntitiesFailed  int    `json:"entitiesFailed"`
	InferredType    string `json:"inferredType"`

	// Degraded is set when some member writes failed.
	Degraded bool `json:"degraded,omitempty"`
}

// PropagateToGroup sets attribute to defaultValue on every member of the
// module, learning each write. Writes are paced by the propagation rate
// limiter. Individual write failures are logged and counted; only an
// unknown module, bad input or a canceled context return an error.
func (l *Learner) PropagateToGroup(ctx context.Context, moduleID, attribute string, defaultValue any) (PropagationResult, error) {
	result := PropagationResult{
		ModuleID:     moduleID,
		Attribute:    attribute,
		InferredType: InferType(defaultValue),
	}
	if moduleID == "" || attribute == "" {
		return result, errors.Wrap(errors.ErrInvalidInput, "propagation needs a module and an attribute")
	}
	if l.store == nil {
		return result, errors.Wrap(errors.ErrStoreUnavailable, "learner has no store")
	}

	start := time.Now()
	members, err := l.store.ModuleMembers(ctx, moduleID)
	if err != nil {
		return result, errors.Wrapf(err, "resolve members of %s", moduleID)
	}

	oc := &ObservationContext{ModuleID: moduleID, Source: SourcePropagation, Propagated: true}
	for _, member := range members {
		l.Learn(member.Type, attribute, defaultValue, oc)

		if err := l.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := l.store.UpdateEntityAttribute(ctx, member.ID, attribute, defaultValue); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.EntitiesFailed++
			result.Degraded = true
			l.logger.Warnw("propagation write failed",
				logging.FieldModuleID, moduleID,
				logging.FieldEntityID, member.ID,
				logging.FieldAttribute, attribute,
				logging.FieldError, err)
			continue
		}
		result.EntitiesUpdated++
	}

	l.logger.Infow("attribute propagated to module",
		logging.FieldModuleID, moduleID,
		logging.FieldAttribute, attribute,
		logging.FieldCount, result.EntitiesUpdated,
		logging.FieldDurationMS, time.Since(start).Milliseconds())
	return result, nil
}

// AttributeDoc documents one learned attribute.
type AttributeDoc struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Types      []string `json:"types"`
	Confidence float64  `json:"confidence"`
	Usage      int      `json:"usage"`
	Examples   []any    `json:"examples"`
	Status     string   `json:"status"`
}

// Documentation is the generated schema documentation of one entity type.
type Documentation struct {
	EntityType  string         `json:"entityType"`
	Attributes  []AttributeDoc `json:"attributes"`
	Total       int            `json:"total"`
	Established int            `json:"established"`
	Emerging    int            `json:"emerging"`
	Message     string         `json:"message,omitempty"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// LivingDocumentation renders what has been learned about entityType.
// An unknown type yields an empty document with an explanatory Message.
func (l *Learner) LivingDocumentation(entityType string) Documentation {
	doc := Documentation{
		EntityType:  entityType,
		Attributes:  []AttributeDoc{},
		GeneratedAt: l.now(),
	}

	patterns := l.Patterns(entityType)
	if len(patterns) == 0 {
		doc.Message = fmt.Sprintf("no patterns learned yet for %s", entityType)
		return doc
	}

	for _, p := range patterns {
		status := StatusEmerging
		if p.Confidence > establishedConfidence {
			status = StatusEstablished
			doc.Established++
		} else {
			doc.Emerging++
		}
		doc.Attributes = append(doc.Attributes, AttributeDoc{
			Name:       p.Name,
			Type:       p.DominantType,
			Types:      p.Types,
			Confidence: p.Confidence,
			Usage:      p.Frequency,
			Examples:   firstN(p.CommonValues, docExamples),
			Status:     status,
		})
	}
	sort.SliceStable(doc.Attributes, func(i, j int) bool {
		return doc.Attributes[i].Confidence > doc.Attributes[j].Confidence
	})
	doc.Total = len(doc.Attributes)
	return doc
}

// CleanupResult reports what a Cleanup pass removed.
type CleanupResult struct {
	PatternsRemoved int `json:"patternsRemoved"`
	StatsPruned     int `json:"statsPruned"`
}

// Cleanup drops weak patterns (confidence below 0.1 and frequency below 2)
// and, when more usage stats than the configured cap are held, keeps only
// the most used ones.
func (l *Learner) Cleanup() CleanupResult {
	var result CleanupResult

	l.mu.Lock()
	defer l.mu.Unlock()

	type usage struct {
		key   Key
		total int
	}
	var withStats []usage

	for key, e := range l.entries {
		e.mu.Lock()
		if p := e.pattern; p != nil && confidenceFor(p.frequency) < cleanupMinConfidence && p.frequency < cleanupMinFrequency {
			e.pattern = nil
			result.PatternsRemoved++
		}
		if e.usage != nil {
			withStats = append(withStats, usage{key: key, total: e.usage.totalUsage})
		}
		e.mu.Unlock()
	}

	if len(withStats) > l.config.StatsCap {
		sort.Slice(withStats, func(i, j int) bool {
			if withStats[i].total != withStats[j].total {
				return withStats[i].total > withStats[j].total
			}
			return withStats[i].key.String() < withStats[j].key.String()
		})
		keep := min(max(l.config.StatsKeep, 0), len(withStats))
		for _, u := range withStats[keep:] {
			e := l.entries[u.key]
			e.mu.Lock()
			e.usage = nil
			e.mu.Unlock()
			result.StatsPruned++
		}
	}

	for key, e := range l.entries {
		e.mu.Lock()
		if e.pattern == nil && e.usage == nil {
			e.removed = true
			delete(l.entries, key)
		}
		e.mu.Unlock()
	}

	if result.PatternsRemoved > 0 || result.StatsPruned > 0 {
		l.logger.Infow("pattern cleanup",
			"patterns_removed", result.PatternsRemoved,
			"stats_pruned", result.StatsPruned)
	}
	return result
}

// Package validation implements advisory ("gentle") validation.
//
// The Validator never rejects a write. Given a value it compares it with
// what the pattern learner already knows about the attribute and returns:
//   - Suggestions: ranked hints (type mismatch, unusual value, format, ...)
//   - AutoCorrections: concrete rewritten values, some safe to apply
//     automatically and some requiring the caller's confirmation
//   - Insights: observations about the attribute's maturity
//
// Every validated value is fed back into the learner, so validation is
// itself a learning event.
//
// Example Usage:
//
//	v := validation.New(learner, store, cfg.Validator, logger)
//
//	res := v.Validate("Lead", "email", " Mario@Example.com ", nil)
//	for _, c := range res.AutoCorrections {
//		if !c.AutoApply {
//			c.Confirm() // only after the user agreed
//		}
//		_ = v.ApplyCorrection(ctx, leadID, "email", c)
//	}
package validation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/organicdb/pkg/config"
	"github.com/orneryd/organicdb/pkg/graph"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
)

// Suggestion kinds.
const (
	KindTypeMismatch  = "type_mismatch"
	KindCommonValue   = "common_value"
	KindLengthAnomaly = "length_anomaly"
	KindFormat        = "format"
	KindContextual    = "contextual"
)

// Insight kinds.
const (
	InsightFirstObservation = "first_observation"
	InsightNewValue         = "new_value"
	InsightStable           = "stable"
	InsightEmerging         = "emerging"
	InsightTypeDiversity    = "type_diversity"
)

const (
	neutralConfidence = 0.5

	commonValueWeight = 0.7
	lengthConfidence  = 0.5
	formatConfidence  = 0.8
	contextConfidence = 0.6

	maxContextAlternatives = 3
	commonValueHints       = 3

	stableConfidence   = 0.8
	emergingConfidence = 0.3

	// Multipliers applied to a value's fit with its pattern.
	mismatchFit  = 0.5
	uncommonFit  = 0.9
	badFormatFit = 0.7
)

// formatExamples are shown with format suggestions.
var formatExamples = map[string]string{
	pattern.TypeEmail: "user@example.com",
	pattern.TypePhone: "+1 555 123 4567",
	pattern.TypeURL:   "https://example.com",
}

// Suggestion is an advisory hint about a value.
type Suggestion struct {
	Kind         string  `json:"kind"`
	Message      string  `json:"message"`
	Confidence   float64 `json:"confidence"`
	ExpectedType string  `json:"expectedType,omitempty"`
	Example      string  `json:"example,omitempty"`
	Values       []any   `json:"values,omitempty"`
}

// Insight is an observation about the attribute being validated.
type Insight struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the outcome of Validate. Accepted is always true.
type Result struct {
	Accepted        bool             `json:"accepted"`
	EntityType      string           `json:"entityType"`
	Attribute       string           `json:"attribute"`
	Value           any              `json:"value"`
	InferredType    string           `json:"inferredType"`
	Confidence      float64          `json:"confidence"`
	Suggestions     []Suggestion     `json:"suggestions"`
	AutoCorrections []AutoCorrection `json:"autoCorrections"`
	Insights        []Insight        `json:"insights"`

	// Pattern is the attribute's pattern after this value was learned.
	Pattern *pattern.Pattern `json:"pattern,omitempty"`

	// Degraded is set when validation failed internally and this is a
	// neutral stand-in result.
	Degraded bool `json:"degraded,omitempty"`
}

// PatternSource is the part of the pattern learner the validator uses.
type PatternSource interface {
	GetPattern(entityType, attribute string) (pattern.Pattern, bool)
	UsageStats(entityType, attribute string) (pattern.UsageStats, bool)
	Learn(entityType, attribute string, value any, oc *pattern.ObservationContext) pattern.Pattern
}

// Validator performs gentle validation. It is safe for concurrent use.
type Validator struct {
	patterns PatternSource
	store    graph.Store
	config   config.ValidatorConfig
	logger   *zap.SugaredLogger
	now      func() time.Time

	validations        atomic.Int64
	suggestionsShown   atomic.Int64
	correctionsApplied atomic.Int64

	feedbackMu sync.Mutex
	feedback   map[pattern.Key]*feedbackEntry
	accepted   int64
	total      int64
}

// New creates a Validator. store is only needed by ApplyCorrection.
func New(patterns PatternSource, store graph.Store, cfg config.ValidatorConfig, logger *zap.SugaredLogger) *Validator {
	return &Validator{
		patterns: patterns,
		store:    store,
		config:   cfg,
		logger:   logging.OrNop(logger).With(logging.FieldComponent, "gentle_validator"),
		now:      time.Now,
		feedback: make(map[pattern.Key]*feedbackEntry),
	}
}

// Validate scores value against the learned pattern for the attribute and
// then learns it. It never rejects: Accepted is always true, and internal
// failures produce a neutral result with Degraded set.
func (v *Validator) Validate(entityType, attribute string, value any, oc *pattern.ObservationContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Warnw("validation failed, returning neutral result",
				logging.FieldEntityType, entityType,
				logging.FieldAttribute, attribute,
				logging.FieldError, fmt.Sprint(r))
			result = Result{
				Accepted:   true,
				EntityType: entityType,
				Attribute:  attribute,
				Value:      value,
				Confidence: neutralConfidence,
				Degraded:   true,
			}
		}
	}()

	v.validations.Add(1)
	result = Result{
		Accepted:     true,
		EntityType:   entityType,
		Attribute:    attribute,
		Value:        value,
		InferredType: pattern.InferType(value),
		Confidence:   neutralConfidence,
	}

	existing, known := v.patterns.GetPattern(entityType, attribute)
	if known && existing.Confidence > v.config.MatureConfidence {
		stats, _ := v.patterns.UsageStats(entityType, attribute)
		result.Suggestions = v.suggest(&existing, stats, value, result.InferredType, oc)
		v.suggestionsShown.Add(int64(len(result.Suggestions)))
	}
	if known {
		result.Confidence = fitConfidence(&existing, value, result.InferredType)
	}

	var dominant string
	if known {
		dominant = existing.DominantType
	}
	result.AutoCorrections = corrections(attribute, value, dominant)
	result.Insights = insights(&existing, known, value)

	learned := v.patterns.Learn(entityType, attribute, value, oc)
	result.Pattern = &learned
	return result
}

// suggest builds ranked suggestions for a mature pattern.
func (v *Validator) suggest(p *pattern.Pattern, stats pattern.UsageStats, value any, inferred string, oc *pattern.ObservationContext) []Suggestion {
	var out []Suggestion

	if inferred != p.DominantType {
		out = append(out, Suggestion{
			Kind:         KindTypeMismatch,
			Message:      fmt.Sprintf("%s is usually %s, got %s", p.Name, p.DominantType, inferred),
			Confidence:   p.Confidence,
			ExpectedType: p.DominantType,
		})
	}

	if len(p.CommonValues) > 0 && !p.HasCommonValue(value) {
		hints := p.CommonValues
		if len(hints) > commonValueHints {
			hints = hints[:commonValueHints]
		}
		out = append(out, Suggestion{
			Kind:       KindCommonValue,
			Message:    fmt.Sprintf("%v is not a common value for %s", value, p.Name),
			Confidence: p.Confidence * commonValueWeight,
			Values:     append([]any(nil), hints...),
		})
	}

	s, isString := value.(string)

	if isString && p.DominantType == pattern.TypeString && stats.AverageLength > 0 {
		length := float64(len([]rune(s)))
		if math.Abs(length-stats.AverageLength)/stats.AverageLength > v.config.LengthDeviation {
			out = append(out, Suggestion{
				Kind:       KindLengthAnomaly,
				Message:    fmt.Sprintf("length %d differs from the usual %.0f", int(length), stats.AverageLength),
				Confidence: lengthConfidence,
			})
		}
	}

	if example, hasFormat := formatExamples[p.DominantType]; hasFormat && isString && !pattern.MatchesFormat(p.DominantType, s) {
		out = append(out, Suggestion{
			Kind:         KindFormat,
			Message:      fmt.Sprintf("%s values usually look like a %s", p.Name, p.DominantType),
			Confidence:   formatConfidence,
			ExpectedType: p.DominantType,
			Example:      example,
		})
	}

	if oc != nil && oc.ModuleID != "" {
		if alts := moduleAlternatives(stats.Trends, oc.ModuleID, value); len(alts) > 0 && len(alts) <= maxContextAlternatives {
			out = append(out, Suggestion{
				Kind:       KindContextual,
				Message:    fmt.Sprintf("other entities in this module use %v", alts),
				Confidence: contextConfidence,
				Values:     alts,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > v.config.MaxSuggestions {
		out = out[:v.config.MaxSuggestions]
	}
	return out
}

// moduleAlternatives returns the distinct values seen in moduleID, other
// than value, in first-seen order.
func moduleAlternatives(trends []pattern.Trend, moduleID string, value any) []any {
	current := pattern.Fingerprint(value)
	seen := map[string]struct{}{current: {}}
	var alts []any
	for _, t := range trends {
		if t.Context != moduleID {
			continue
		}
		fp := pattern.Fingerprint(t.Value)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		alts = append(alts, t.Value)
	}
	return alts
}

// fitConfidence scores how well value fits p, pulled toward neutral in
// proportion to how little is known about the attribute.
func fitConfidence(p *pattern.Pattern, value any, inferred string) float64 {
	fit := 1.0
	if inferred != p.DominantType {
		fit *= mismatchFit
	}
	if len(p.CommonValues) > 0 && !p.HasCommonValue(value) {
		fit *= uncommonFit
	}
	if s, ok := value.(string); ok {
		if _, hasFormat := formatExamples[p.DominantType]; hasFormat && !pattern.MatchesFormat(p.DominantType, s) {
			fit *= badFormatFit
		}
	}
	return neutralConfidence + (fit-neutralConfidence)*p.Confidence
}

func insights(p *pattern.Pattern, known bool, value any) []Insight {
	if !known {
		return []Insight{{Kind: InsightFirstObservation, Message: "first value seen for this attribute"}}
	}

	var out []Insight
	if len(p.CommonValues) > 0 && !p.HasCommonValue(value) {
		out = append(out, Insight{Kind: InsightNewValue, Message: "this value has not been seen before"})
	}
	switch {
	case p.Confidence > stableConfidence:
		out = append(out, Insight{Kind: InsightStable, Message: fmt.Sprintf("%s is well established (%d uses)", p.Name, p.Frequency)})
	case p.Confidence < emergingConfidence:
		out = append(out, Insight{Kind: InsightEmerging, Message: fmt.Sprintf("%s is still emerging (%d uses)", p.Name, p.Frequency)})
	}
	if len(p.Types) > 1 {
		out = append(out, Insight{
			Kind:    InsightTypeDiversity,
			Message: fmt.Sprintf("%s has held %s", p.Name, strings.Join(p.Types, ", ")),
		})
	}
	return out
}

// Stats are running counters for the validator.
type Stats struct {
	Validations        int64 `json:"validations"`
	SuggestionsShown   int64 `json:"suggestionsShown"`
	CorrectionsApplied int64 `json:"correctionsApplied"`
}

// Stats returns the validator's counters.
func (v *Validator) Stats() Stats {
	return Stats{
		Validations:        v.validations.Load(),
		SuggestionsShown:   v.suggestionsShown.Load(),
		CorrectionsApplied: v.correctionsApplied.Load(),
	}
}

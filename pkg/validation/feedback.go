package validation

import (
	"sort"
	"time"

	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
)

const reportTopAttributes = 5

type feedbackEntry struct {
	accepted int
	total    int
}

func (f *feedbackEntry) rate() float64 {
	if f.total == 0 {
		return 0
	}
	return float64(f.accepted) / float64(f.total)
}

// RecordFeedback records whether a suggestion for the attribute was
// accepted. The per-attribute cache is bounded: past the configured cap it
// keeps only the most used attributes.
func (v *Validator) RecordFeedback(entityType, attribute string, accepted bool) {
	v.feedbackMu.Lock()
	defer v.feedbackMu.Unlock()

	key := pattern.Key{EntityType: entityType, Attribute: attribute}
	f, ok := v.feedback[key]
	if !ok {
		f = &feedbackEntry{}
		v.feedback[key] = f
	}
	f.total++
	v.total++
	if accepted {
		f.accepted++
		v.accepted++
	}

	if len(v.feedback) > v.config.FeedbackCap {
		v.pruneFeedback()
	}
}

// pruneFeedback keeps the FeedbackKeep most used keys. Caller holds feedbackMu.
func (v *Validator) pruneFeedback() {
	keys := make([]pattern.Key, 0, len(v.feedback))
	for k := range v.feedback {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := v.feedback[keys[i]], v.feedback[keys[j]]
		if a.total != b.total {
			return a.total > b.total
		}
		return keys[i].String() < keys[j].String()
	})

	keep := min(max(v.config.FeedbackKeep, 0), len(keys))
	for _, k := range keys[keep:] {
		delete(v.feedback, k)
	}
	v.logger.Debugw("suggestion feedback pruned", logging.FieldCount, len(keys)-keep)
}

// AttributeFeedback is the acceptance record of one attribute.
type AttributeFeedback struct {
	EntityType     string  `json:"entityType"`
	Attribute      string  `json:"attribute"`
	Accepted       int     `json:"accepted"`
	Total          int     `json:"total"`
	AcceptanceRate float64 `json:"acceptanceRate"`
}

// Report summarizes how useful the validator's suggestions have been.
type Report struct {
	Validations        int64               `json:"validations"`
	SuggestionsShown   int64               `json:"suggestionsShown"`
	CorrectionsApplied int64               `json:"correctionsApplied"`
	FeedbackTotal      int64               `json:"feedbackTotal"`
	FeedbackAccepted   int64               `json:"feedbackAccepted"`
	AcceptanceRate     float64             `json:"acceptanceRate"`
	TopAttributes      []AttributeFeedback `json:"topAttributes"`
	GeneratedAt        time.Time           `json:"generatedAt"`
}

// GenerateReport returns the overall acceptance rate and the attributes
// whose suggestions were accepted most often.
func (v *Validator) GenerateReport() Report {
	stats := v.Stats()
	report := Report{
		Validations:        stats.Validations,
		SuggestionsShown:   stats.SuggestionsShown,
		CorrectionsApplied: stats.CorrectionsApplied,
		TopAttributes:      []AttributeFeedback{},
		GeneratedAt:        v.now(),
	}

	v.feedbackMu.Lock()
	report.FeedbackTotal = v.total
	report.FeedbackAccepted = v.accepted
	for k, f := range v.feedback {
		report.TopAttributes = append(report.TopAttributes, AttributeFeedback{
			EntityType:     k.EntityType,
			Attribute:      k.Attribute,
			Accepted:       f.accepted,
			Total:          f.total,
			AcceptanceRate: f.rate(),
		})
	}
	v.feedbackMu.Unlock()

	if report.FeedbackTotal > 0 {
		report.AcceptanceRate = float64(report.FeedbackAccepted) / float64(report.FeedbackTotal)
	}

	top := report.TopAttributes
	sort.Slice(top, func(i, j int) bool {
		if top[i].AcceptanceRate != top[j].AcceptanceRate {
			return top[i].AcceptanceRate > top[j].AcceptanceRate
		}
		if top[i].Total != top[j].Total {
			return top[i].Total > top[j].Total
		}
		return top[i].EntityType+"."+top[i].Attribute < top[j].EntityType+"."+top[j].Attribute
	})
	if len(top) > reportTopAttributes {
		report.TopAttributes = top[:reportTopAttributes]
	}
	return report
}

// FeedbackSize returns how many attributes have recorded feedback.
func (v *Validator) FeedbackSize() int {
	v.feedbackMu.Lock()
	defer v.feedbackMu.Unlock()
	return len(v.feedback)
}

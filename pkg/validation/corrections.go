package validation

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/orneryd/organicdb/pkg/errors"
	"github.com/orneryd/organicdb/pkg/logging"
	"github.com/orneryd/organicdb/pkg/pattern"
)

// Correction kinds.
const (
	CorrectionTrim      = "trim_whitespace"
	CorrectionLowercase = "lowercase_email"
	CorrectionSecureURL = "secure_url"
	CorrectionTitleCase = "title_case"
)

const (
	trimConfidence      = 0.9
	lowercaseConfidence = 0.8
	secureURLConfidence = 0.7
	titleCaseConfidence = 0.6
)

// AutoCorrection is a concrete rewrite of a value.
//
// Corrections with AutoApply set are safe to apply without asking. The rest
// change meaning enough that a person should approve them first; Confirm
// records that approval.
type AutoCorrection struct {
	Kind       string  `json:"kind"`
	Original   any     `json:"original"`
	Corrected  any     `json:"corrected"`
	Confidence float64 `json:"confidence"`
	AutoApply  bool    `json:"autoApply"`
	Reason     string  `json:"reason"`
}

// Confirm marks the correction as approved by the caller.
func (c *AutoCorrection) Confirm() {
	c.AutoApply = true
}

// corrections derives rewrites for a string value. Each correction builds
// on the trimmed value.
func corrections(attribute string, value any, dominant string) []AutoCorrection {
	s, ok := value.(string)
	if !ok {
		return nil
	}

	var out []AutoCorrection
	base := strings.TrimSpace(s)
	if base != s {
		out = append(out, AutoCorrection{
			Kind:       CorrectionTrim,
			Original:   s,
			Corrected:  base,
			Confidence: trimConfidence,
			AutoApply:  true,
			Reason:     "remove surrounding whitespace",
		})
	}
	if base == "" {
		return out
	}

	if lower := strings.ToLower(base); pattern.InferType(base) == pattern.TypeEmail && lower != base {
		out = append(out, AutoCorrection{
			Kind:       CorrectionLowercase,
			Original:   s,
			Corrected:  lower,
			Confidence: lowercaseConfidence,
			AutoApply:  true,
			Reason:     "email addresses are case-insensitive",
		})
	}

	if secure, changed := secureURL(base, dominant); changed {
		out = append(out, AutoCorrection{
			Kind:       CorrectionSecureURL,
			Original:   s,
			Corrected:  secure,
			Confidence: secureURLConfidence,
			Reason:     "use a secure https URL",
		})
	}

	if strings.Contains(strings.ToLower(attribute), "name") {
		if titled := cases.Title(language.Und).String(base); titled != base {
			out = append(out, AutoCorrection{
				Kind:       CorrectionTitleCase,
				Original:   s,
				Corrected:  titled,
				Confidence: titleCaseConfidence,
				Reason:     "names are usually capitalized",
			})
		}
	}
	return out
}

// secureURL upgrades http:// to https://, or adds https:// to a bare host
// when the attribute usually holds URLs.
func secureURL(s, dominant string) (string, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return s, false
	case strings.HasPrefix(lower, "http://"):
		return "https://" + s[len("http://"):], true
	case dominant == pattern.TypeURL && !strings.Contains(s, "://") && !strings.ContainsAny(s, " \t"):
		return "https://" + s, true
	}
	return s, false
}

// ApplyCorrection writes c.Corrected to the entity's attribute.
//
// A correction without AutoApply is refused with ErrConfirmationRequired
// and nothing is written.
func (v *Validator) ApplyCorrection(ctx context.Context, entityID, attribute string, c AutoCorrection) error {
	if !c.AutoApply {
		return errors.WithHint(
			errors.Wrapf(errors.ErrConfirmationRequired, "%s correction of %s", c.Kind, attribute),
			"ask the user, then call Confirm on the correction")
	}
	if v.store == nil {
		return errors.Wrap(errors.ErrStoreUnavailable, "validator has no store")
	}
	if err := v.store.UpdateEntityAttribute(ctx, entityID, attribute, c.Corrected); err != nil {
		return errors.Wrapf(err, "apply %s correction to %s.%s", c.Kind, entityID, attribute)
	}

	v.correctionsApplied.Add(1)
	v.logger.Debugw("correction applied",
		logging.FieldEntityID, entityID,
		logging.FieldAttribute, attribute,
		"kind", c.Kind)
	return nil
}

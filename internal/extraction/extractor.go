/**
 * Field Extractor - BOL business fields from OCR text
 *
 * Runs an ordered rule table over the full recognized text. Each field is
 * evaluated on its own; the first rule that yields an accepted value wins and
 * the remaining rules for that field are skipped. A field that matches nothing
 * is simply absent from the result.
 */

package extraction

import (
	"fmt"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
)

// Fields maps field keys to extracted values. A key is present only if a rule
// matched; values are never empty.
type Fields map[string]string

// Has reports whether f holds a non-empty value for field.
func (f Fields) Has(field Field) bool {
	return f[string(field)] != ""
}

// Extractor applies a RuleSet. It holds no per-call state and may be shared.
type Extractor struct {
	rules  RuleSet
	logger *logging.Logger
}

// NewExtractor creates an extractor over rules
func NewExtractor(rules RuleSet) *Extractor {
	return &Extractor{
		rules:  rules,
		logger: logging.NewLogger("extractor"),
	}
}

var defaultExtractor = NewExtractor(DefaultRules())

// Extract runs the built-in rule table over fullText.
func Extract(fullText string) Fields {
	return defaultExtractor.Extract(fullText)
}

// Extract runs every field's rules over fullText. It never fails: a rule that
// panics only costs its own field.
func (e *Extractor) Extract(fullText string) Fields {
	fields := Fields{}
	if fullText == "" {
		return fields
	}

	for _, field := range e.rules.Order {
		value, rule, err := e.extractField(field, fullText)
		if err != nil {
			e.logger.Warn("Field extraction failed, leaving field empty", "field", field, "rule", rule, "error", err)
			continue
		}
		if value != "" {
			fields[string(field)] = value
			e.logger.Debug("Field matched", "field", field, "rule", rule)
		}
	}

	return fields
}

func (e *Extractor) extractField(field Field, text string) (value, rule string, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = ""
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	for _, r := range e.rules.Rules[field] {
		rule = r.Name
		for _, groups := range r.Pattern.FindAllStringSubmatch(text, -1) {
			v, ok := apply(r, groups)
			if ok && v != "" {
				return v, rule, nil
			}
		}
	}
	return "", "", nil
}

func apply(r Rule, groups []string) (string, bool) {
	if r.Value != nil {
		return r.Value(groups)
	}
	if len(groups) < 2 {
		return "", false
	}
	return trimSpan(groups[1]), true
}

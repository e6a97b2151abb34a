package storage

import (
	"fmt"

	"goflare.io/aegis/pkg/driver"
)

// Validator checks an entity against registered data-element rules before
// any write happens.
type Validator interface {
	Validate(table string, entity driver.Entity) error
}

// FieldRule is one structural constraint on a table field.
type FieldRule struct {
	Field     string
	Required  bool
	MaxLength int
	// Kind restricts the field's dynamic type: "string", "number" or
	// "bool". Empty means any.
	Kind string
}

// RuleValidator validates entities against per-table field rules.
type RuleValidator struct {
	rules map[string][]FieldRule
}

// NewRuleValidator creates an empty validator; rules are registered per
// table.
func NewRuleValidator() *RuleValidator {
	return &RuleValidator{rules: make(map[string][]FieldRule)}
}

// Register adds rules for a table, replacing any previous registration.
func (v *RuleValidator) Register(table string, rules []FieldRule) {
	v.rules[table] = rules
}

// Validate implements Validator. Tables without rules accept anything.
func (v *RuleValidator) Validate(table string, entity driver.Entity) error {
	for _, rule := range v.rules[table] {
		value, present := entity[rule.Field]
		if !present || value == nil {
			if rule.Required {
				return &ValidationError{Table: table, Field: rule.Field, Reason: "required field missing"}
			}
			continue
		}

		if rule.Kind != "" {
			if err := checkKind(table, rule, value); err != nil {
				return err
			}
		}

		if rule.MaxLength > 0 {
			if s, ok := value.(string); ok && len(s) > rule.MaxLength {
				return &ValidationError{
					Table: table, Field: rule.Field,
					Reason: fmt.Sprintf("length %d exceeds maximum %d", len(s), rule.MaxLength),
				}
			}
		}
	}
	return nil
}

func checkKind(table string, rule FieldRule, value any) error {
	ok := false
	switch rule.Kind {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			ok = true
		}
	case "bool":
		_, ok = value.(bool)
	default:
		ok = true
	}
	if !ok {
		return &ValidationError{
			Table: table, Field: rule.Field,
			Reason: fmt.Sprintf("expected %s, got %T", rule.Kind, value),
		}
	}
	return nil
}

// Package validation implements per-step form validation: a structural JSON
// Schema pass followed by ordered semantic field rules. Validation is pure;
// it never mutates the data or state it inspects.
package validation

import (
	"github.com/rendis/draftsync/pkg/schema"
)

// FormState is the full per-step form data, keyed by step. Rules may consult
// other steps' data through it.
type FormState map[schema.OnboardingStep]map[string]any

// Validator checks step form data before transitions and completions.
type Validator interface {
	ValidateStep(step schema.OnboardingStep, data map[string]any, state FormState) *schema.ValidationResult
}

// StepValidator runs the structural schema check for a step, then its
// ordered field rules. The review step is validated as the union of every
// preceding required step's rule set, each against that step's own data.
// Safe for concurrent use.
type StepValidator struct {
	structural *structuralValidator
	rules      *ruleEngine
}

// NewStepValidator pre-compiles the per-step JSON Schemas and field rules.
func NewStepValidator() (*StepValidator, error) {
	structural, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	rules, err := newRuleEngine()
	if err != nil {
		return nil, err
	}
	return &StepValidator{structural: structural, rules: rules}, nil
}

// ValidateStep validates the data for one step. Unknown steps fail with a
// single step-level error.
func (v *StepValidator) ValidateStep(step schema.OnboardingStep, data map[string]any, state FormState) *schema.ValidationResult {
	result := &schema.ValidationResult{Step: step}

	if !schema.ValidStep(step) {
		result.AddError("step", schema.ErrCodeValidation, "unknown onboarding step")
		return result
	}

	if step == schema.StepReview {
		for _, s := range constituentSteps {
			var stepData map[string]any
			if state != nil {
				stepData = state[s]
			}
			result.Merge(v.validateSingle(s, stepData, state))
		}
		return result
	}

	result.Merge(v.validateSingle(step, data, state))
	return result
}

// validateSingle runs the structural pass and, when it passes, the field
// rules for one concrete step. Structural failures short-circuit the rules
// because rule expressions assume well-typed fields.
func (v *StepValidator) validateSingle(step schema.OnboardingStep, data map[string]any, state FormState) *schema.ValidationResult {
	result := &schema.ValidationResult{Step: step}

	v.structural.validate(step, data, result)
	if !result.Valid() {
		return result
	}

	v.rules.validate(step, data, state, result)
	return result
}

// constituentSteps are the data-carrying steps whose rules the review step
// unions. Review itself and the post-submission step carry no form data.
var constituentSteps = []schema.OnboardingStep{
	schema.StepBasicInfo,
	schema.StepCredentials,
	schema.StepSpecializations,
	schema.StepDocuments,
}

var _ Validator = (*StepValidator)(nil)

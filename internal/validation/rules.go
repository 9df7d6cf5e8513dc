package validation

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/draftsync/pkg/schema"
)

// Issue codes for semantic field rules.
const (
	RuleRequired   = "required"
	RuleFormat     = "invalid_format"
	RuleRange      = "out_of_range"
	RuleUnverified = "unverified"
)

// fieldRule is one ordered semantic check: the expression must evaluate to
// true for the rule to pass. Expressions see the step's fields as top-level
// variables plus a "state" map with every step's data. Format and range
// rules skip absent or empty values so a missing field reports exactly one
// issue, from its required rule.
type fieldRule struct {
	Field   string
	Code    string
	Message string
	Expr    string
}

var stepRules = map[schema.OnboardingStep][]fieldRule{
	schema.StepBasicInfo: {
		{"firstName", RuleRequired, "first name is required",
			`firstName != nil && firstName != ""`},
		{"firstName", RuleFormat, "first name must be between 2 and 50 characters",
			`firstName == nil || firstName == "" || (len(firstName) >= 2 && len(firstName) <= 50)`},
		{"lastName", RuleRequired, "last name is required",
			`lastName != nil && lastName != ""`},
		{"lastName", RuleFormat, "last name must be between 2 and 50 characters",
			`lastName == nil || lastName == "" || (len(lastName) >= 2 && len(lastName) <= 50)`},
		{"email", RuleRequired, "email address is required",
			`email != nil && email != ""`},
		{"email", RuleFormat, "email address is not valid",
			`email == nil || email == "" || email matches "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"`},
		{"phone", RuleRequired, "phone number is required",
			`phone != nil && phone != ""`},
		{"phone", RuleFormat, "phone number must be 7 to 15 digits, with an optional leading +",
			`phone == nil || phone == "" || phone matches "^\\+?[0-9]{7,15}$"`},
	},
	schema.StepCredentials: {
		{"barNumber", RuleRequired, "bar registration number is required",
			`barNumber != nil && barNumber != ""`},
		{"barNumber", RuleFormat, "bar registration number format is not valid",
			`barNumber == nil || barNumber == "" || barNumber matches "^[A-Za-z0-9/-]{3,20}$"`},
		{"nin", RuleRequired, "national identification number is required",
			`nin != nil && nin != ""`},
		{"nin", RuleFormat, "national identification number must be exactly 11 digits",
			`nin == nil || nin == "" || nin matches "^[0-9]{11}$"`},
		{"ninVerified", RuleUnverified, "national identification number must be verified",
			`ninVerified == true`},
		{"yearsOfExperience", RuleRange, "years of experience must be between 0 and 70",
			`yearsOfExperience == nil || (yearsOfExperience >= 0 && yearsOfExperience <= 70)`},
		{"photograph", RuleRequired, "a photograph upload is required",
			`photograph != nil && photograph != ""`},
	},
	schema.StepSpecializations: {
		{"specializations", RuleRequired, "select at least one specialization",
			`specializations != nil && len(specializations) >= 1`},
		{"specializations", RuleRange, "select at most 5 specializations",
			`specializations == nil || len(specializations) <= 5`},
		{"bio", RuleFormat, "bio must not exceed 1000 characters",
			`bio == nil || len(bio) <= 1000`},
	},
	schema.StepDocuments: {
		{"barCertificate", RuleRequired, "bar certificate upload is required",
			`barCertificate != nil && barCertificate != ""`},
		{"practicingLicense", RuleRequired, "practicing license upload is required",
			`practicingLicense != nil && practicingLicense != ""`},
	},
}

type compiledRule struct {
	fieldRule
	prg *vm.Program
}

// ruleEngine evaluates the ordered field rules for each step. Programs are
// compiled once at construction and shared; vm.Run is safe concurrently.
type ruleEngine struct {
	rules map[schema.OnboardingStep][]compiledRule

	// envPool recycles evaluation environments; rule evaluation sits on the
	// auto-save hot path.
	envPool sync.Pool
}

func newRuleEngine() (*ruleEngine, error) {
	e := &ruleEngine{
		rules: make(map[schema.OnboardingStep][]compiledRule, len(stepRules)),
	}
	e.envPool.New = func() any { return make(map[string]any, 16) }

	for step, rules := range stepRules {
		compiled := make([]compiledRule, 0, len(rules))
		for _, r := range rules {
			prg, err := expr.Compile(r.Expr,
				expr.Env(map[string]any{}),
				expr.AllowUndefinedVariables(),
			)
			if err != nil {
				return nil, fmt.Errorf("compile rule %s/%s: %w", step, r.Field, err)
			}
			compiled = append(compiled, compiledRule{fieldRule: r, prg: prg})
		}
		e.rules[step] = compiled
	}
	return e, nil
}

// validate evaluates the step's rules in declaration order, appending one
// issue per failed rule. An expression that errors at runtime counts as a
// failure; rules must be total over the structurally-valid inputs.
func (e *ruleEngine) validate(step schema.OnboardingStep, data map[string]any, state FormState, result *schema.ValidationResult) {
	rules, ok := e.rules[step]
	if !ok {
		return
	}

	env := e.envPool.Get().(map[string]any)
	defer func() {
		clear(env)
		e.envPool.Put(env)
	}()

	for k, v := range data {
		env[k] = v
	}
	env["state"] = flattenState(state)

	for _, r := range rules {
		out, err := vm.Run(r.prg, env)
		if err != nil {
			result.AddError(r.Field, r.Code, r.Message)
			continue
		}
		if pass, ok := out.(bool); !ok || !pass {
			result.AddError(r.Field, r.Code, r.Message)
		}
	}
}

// flattenState converts the typed step keys to plain strings so rule
// expressions can index state["credentials"].
func flattenState(state FormState) map[string]any {
	out := make(map[string]any, len(state))
	for step, data := range state {
		out[string(step)] = data
	}
	return out
}

package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/draftsync/pkg/schema"
)

// Per-step JSON Schemas, embedded as constants to avoid filesystem
// dependencies. They enforce shape and types only; value-level rules
// (formats, bounds, cross-field checks) live in rules.go so their error
// messages stay field-addressed and user-facing.

const basicInfoSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "firstName": { "type": "string" },
    "lastName": { "type": "string" },
    "email": { "type": "string" },
    "phone": { "type": "string" },
    "dateOfBirth": { "type": "string" },
    "address": { "type": "object" }
  }
}`

const credentialsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "barNumber": { "type": "string" },
    "nin": { "type": "string" },
    "ninVerified": { "type": "boolean" },
    "yearsOfExperience": { "type": "number" },
    "lawSchool": { "type": "string" },
    "admissionYear": { "type": "integer" },
    "photograph": { "type": "string" }
  }
}`

const specializationsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "specializations": {
      "type": "array",
      "items": { "type": "string" }
    },
    "bio": { "type": "string" },
    "languages": {
      "type": "array",
      "items": { "type": "string" }
    }
  }
}`

const documentsSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "barCertificate": { "type": "string" },
    "practicingLicense": { "type": "string" },
    "referenceLetter": { "type": "string" }
  }
}`

var stepSchemaSources = map[schema.OnboardingStep]string{
	schema.StepBasicInfo:       basicInfoSchemaJSON,
	schema.StepCredentials:     credentialsSchemaJSON,
	schema.StepSpecializations: specializationsSchemaJSON,
	schema.StepDocuments:       documentsSchemaJSON,
}

// structuralValidator holds the pre-compiled per-step schemas.
// Compilation happens once at construction; validate is read-only after.
type structuralValidator struct {
	schemas map[schema.OnboardingStep]*jsonschema.Schema
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[schema.OnboardingStep]*jsonschema.Schema, len(stepSchemaSources))
	for step, src := range stepSchemaSources {
		url := fmt.Sprintf("https://draftsync.dev/schemas/%s.json", step)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", step, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", step, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", step, err)
		}
		compiled[step] = s
	}

	return &structuralValidator{schemas: compiled}, nil
}

// validate runs the step's schema against data and appends one issue per
// leaf violation. Steps without a schema (review, pending approval) pass.
// Nil data validates as an empty object so required-field reporting falls
// through to the rule layer.
func (v *structuralValidator) validate(step schema.OnboardingStep, data map[string]any, result *schema.ValidationResult) {
	compiled, ok := v.schemas[step]
	if !ok {
		return
	}
	if data == nil {
		data = map[string]any{}
	}

	doc, err := toJSONValue(data)
	if err != nil {
		result.AddError("data", schema.ErrCodeSerialization, "form data is not JSON-serializable")
		return
	}

	if err := compiled.Validate(doc); err != nil {
		appendViolations(err, result)
	}
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// appendViolations flattens a ValidationError tree into field-addressed
// issues, using the first instance-location segment as the field name.
func appendViolations(err error, result *schema.ValidationResult) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("data", schema.ErrCodeValidation, err.Error())
		return
	}
	collectLeaves(verr, result)
}

func collectLeaves(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		field := "data"
		if len(verr.InstanceLocation) > 0 {
			field = verr.InstanceLocation[0]
		}
		result.AddError(field, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectLeaves(cause, result)
	}
}

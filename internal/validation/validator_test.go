package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/draftsync/pkg/schema"
)

func newValidator(t *testing.T) *StepValidator {
	t.Helper()
	v, err := NewStepValidator()
	require.NoError(t, err)
	return v
}

func validCredentials() map[string]any {
	return map[string]any{
		"barNumber":   "LAG/2019/12345",
		"nin":         "12345678901",
		"ninVerified": true,
		"photograph":  "uploads/photo.jpg",
	}
}

func validBasicInfo() map[string]any {
	return map[string]any{
		"firstName": "Amina",
		"lastName":  "Bello",
		"email":     "amina.bello@example.com",
		"phone":     "+2348012345678",
	}
}

func TestCredentialsEmptyFieldsYieldFourErrors(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepCredentials, map[string]any{
		"barNumber":   "",
		"nin":         "",
		"ninVerified": false,
	}, nil)

	require.Len(t, result.Errors, 4)
	assert.False(t, result.Valid())
	assert.False(t, result.CanProceed())

	byField := result.FieldErrors()
	assert.Contains(t, byField, "barNumber")
	assert.Contains(t, byField, "nin")
	assert.Contains(t, byField, "ninVerified")
	assert.Contains(t, byField, "photograph")
}

func TestCredentialsAllFilledIsValid(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepCredentials, validCredentials(), nil)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
}

func TestCredentialsNinFormat(t *testing.T) {
	v := newValidator(t)

	data := validCredentials()
	data["nin"] = "1234"
	result := v.ValidateStep(schema.StepCredentials, data, nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "nin", result.Errors[0].Field)
	assert.Equal(t, RuleFormat, result.Errors[0].Code)
}

func TestCredentialsExperienceBounds(t *testing.T) {
	v := newValidator(t)

	for _, years := range []float64{0, 35, 70} {
		data := validCredentials()
		data["yearsOfExperience"] = years
		result := v.ValidateStep(schema.StepCredentials, data, nil)
		assert.True(t, result.Valid(), "years=%v should be in bounds", years)
	}

	for _, years := range []float64{-1, 71, 120} {
		data := validCredentials()
		data["yearsOfExperience"] = years
		result := v.ValidateStep(schema.StepCredentials, data, nil)
		require.Len(t, result.Errors, 1, "years=%v should be out of bounds", years)
		assert.Equal(t, "yearsOfExperience", result.Errors[0].Field)
		assert.Equal(t, RuleRange, result.Errors[0].Code)
	}
}

func TestBasicInfoEmailFormat(t *testing.T) {
	v := newValidator(t)

	data := validBasicInfo()
	data["email"] = "not-an-email"
	result := v.ValidateStep(schema.StepBasicInfo, data, nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "email", result.Errors[0].Field)
}

func TestBasicInfoMissingEverything(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepBasicInfo, map[string]any{}, nil)

	byField := result.FieldErrors()
	assert.Contains(t, byField, "firstName")
	assert.Contains(t, byField, "lastName")
	assert.Contains(t, byField, "email")
	assert.Contains(t, byField, "phone")
	// One issue per missing field, not a required error plus a format error.
	require.Len(t, result.Errors, 4)
}

func TestSpecializationsCountBounds(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepSpecializations, map[string]any{
		"specializations": []any{},
	}, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, RuleRequired, result.Errors[0].Code)

	result = v.ValidateStep(schema.StepSpecializations, map[string]any{
		"specializations": []any{"a", "b", "c", "d", "e", "f"},
	}, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, RuleRange, result.Errors[0].Code)

	result = v.ValidateStep(schema.StepSpecializations, map[string]any{
		"specializations": []any{"family-law", "corporate-law"},
	}, nil)
	assert.True(t, result.Valid())
}

func TestStructuralTypeMismatchShortCircuitsRules(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepCredentials, map[string]any{
		"barNumber":   12345,
		"ninVerified": "yes",
	}, nil)

	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code,
			"type mismatches report structural issues only")
	}
}

func TestReviewUnionsConstituentSteps(t *testing.T) {
	v := newValidator(t)

	state := FormState{
		schema.StepBasicInfo:   validBasicInfo(),
		schema.StepCredentials: validCredentials(),
		schema.StepSpecializations: {
			"specializations": []any{"family-law"},
		},
		schema.StepDocuments: {
			"barCertificate":    "uploads/cert.pdf",
			"practicingLicense": "uploads/license.pdf",
		},
	}

	result := v.ValidateStep(schema.StepReview, nil, state)
	assert.True(t, result.Valid(), "errors: %v", result.Errors)

	// Break one constituent step and the review step reports its errors.
	state[schema.StepCredentials]["nin"] = ""
	result = v.ValidateStep(schema.StepReview, nil, state)
	require.False(t, result.Valid())
	assert.Contains(t, result.FieldErrors(), "nin")
}

func TestReviewWithEmptyStateReportsAllSteps(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepReview, nil, FormState{})
	require.False(t, result.Valid())

	byField := result.FieldErrors()
	assert.Contains(t, byField, "firstName")
	assert.Contains(t, byField, "barNumber")
	assert.Contains(t, byField, "specializations")
	assert.Contains(t, byField, "barCertificate")
}

func TestUnknownStep(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep("mystery", nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "step", result.Errors[0].Field)
}

func TestPendingApprovalHasNoRules(t *testing.T) {
	v := newValidator(t)

	result := v.ValidateStep(schema.StepPendingApproval, nil, nil)
	assert.True(t, result.Valid())
}

package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single field-level validation problem.
type ValidationIssue struct {
	Field    string             `json:"field"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues for a step validation pass.
type ValidationResult struct {
	Step     OnboardingStep    `json:"step"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// CanProceed reports whether the wizard may advance past the validated step.
// Identical to Valid today; kept separate so transition gating can diverge
// from field validity without touching callers.
func (r *ValidationResult) CanProceed() bool {
	return r.Valid()
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(field, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Field: field, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(field, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Field: field, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// FieldErrors returns the error messages grouped by field name.
func (r *ValidationResult) FieldErrors() map[string][]string {
	out := make(map[string][]string, len(r.Errors))
	for _, issue := range r.Errors {
		out[issue.Field] = append(out[issue.Field], issue.Message)
	}
	return out
}

// ToError converts the result to a SyncError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithStep(r.Step).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

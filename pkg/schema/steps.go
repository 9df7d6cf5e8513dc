package schema

import "time"

// OnboardingStep identifies one stage of the onboarding wizard.
type OnboardingStep string

const (
	StepBasicInfo       OnboardingStep = "basic_info"
	StepCredentials     OnboardingStep = "credentials"
	StepSpecializations OnboardingStep = "specializations"
	StepDocuments       OnboardingStep = "documents"
	StepReview          OnboardingStep = "review"
	StepPendingApproval OnboardingStep = "pending_approval"
)

// StepSequence is the total order of wizard steps. Access control and
// progress computation both derive from this sequence.
var StepSequence = []OnboardingStep{
	StepBasicInfo,
	StepCredentials,
	StepSpecializations,
	StepDocuments,
	StepReview,
	StepPendingApproval,
}

// StepDefinition is the static descriptor for a wizard step.
// Definitions are immutable after startup.
type StepDefinition struct {
	ID               OnboardingStep `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	EstimatedMinutes int            `json:"estimated_minutes"`
	Required         bool           `json:"required"`
	Route            string         `json:"route"`
}

// Definitions holds the static descriptor for every step in StepSequence.
var Definitions = map[OnboardingStep]StepDefinition{
	StepBasicInfo: {
		ID:               StepBasicInfo,
		Title:            "Basic Information",
		Description:      "Personal and contact details",
		EstimatedMinutes: 10,
		Required:         true,
		Route:            "/onboarding/basic-info",
	},
	StepCredentials: {
		ID:               StepCredentials,
		Title:            "Credentials",
		Description:      "Bar registration and identity verification",
		EstimatedMinutes: 15,
		Required:         true,
		Route:            "/onboarding/credentials",
	},
	StepSpecializations: {
		ID:               StepSpecializations,
		Title:            "Specializations",
		Description:      "Practice areas and experience",
		EstimatedMinutes: 10,
		Required:         true,
		Route:            "/onboarding/specializations",
	},
	StepDocuments: {
		ID:               StepDocuments,
		Title:            "Documents",
		Description:      "Supporting document uploads",
		EstimatedMinutes: 20,
		Required:         true,
		Route:            "/onboarding/documents",
	},
	StepReview: {
		ID:               StepReview,
		Title:            "Review & Submit",
		Description:      "Review all sections and submit the application",
		EstimatedMinutes: 5,
		Required:         true,
		Route:            "/onboarding/review",
	},
	StepPendingApproval: {
		ID:               StepPendingApproval,
		Title:            "Pending Approval",
		Description:      "Application is under review",
		EstimatedMinutes: 0,
		Required:         false,
		Route:            "/onboarding/pending-approval",
	},
}

// ValidStep reports whether s is a member of StepSequence.
func ValidStep(s OnboardingStep) bool {
	_, ok := Definitions[s]
	return ok
}

// StepIndex returns the position of s in StepSequence, or -1 if unknown.
func StepIndex(s OnboardingStep) int {
	for i, step := range StepSequence {
		if step == s {
			return i
		}
	}
	return -1
}

// NextStep returns the immediate successor of s in StepSequence.
// The second return is false when s is terminal or unknown.
func NextStep(s OnboardingStep) (OnboardingStep, bool) {
	i := StepIndex(s)
	if i < 0 || i+1 >= len(StepSequence) {
		return "", false
	}
	return StepSequence[i+1], true
}

// PreviousStep returns the immediate predecessor of s in StepSequence.
func PreviousStep(s OnboardingStep) (OnboardingStep, bool) {
	i := StepIndex(s)
	if i <= 0 {
		return "", false
	}
	return StepSequence[i-1], true
}

// RequiredSteps returns the required members of StepSequence, in order.
func RequiredSteps() []OnboardingStep {
	var steps []OnboardingStep
	for _, s := range StepSequence {
		if Definitions[s].Required {
			steps = append(steps, s)
		}
	}
	return steps
}

// ApplicationStatus represents the lifecycle state of the application.
// The remote backend is authoritative; the normal-flow transition table
// below only gates transitions initiated locally.
type ApplicationStatus string

const (
	StatusDraft       ApplicationStatus = "draft"
	StatusInProgress  ApplicationStatus = "in_progress"
	StatusSubmitted   ApplicationStatus = "submitted"
	StatusUnderReview ApplicationStatus = "under_review"
	StatusApproved    ApplicationStatus = "approved"
	StatusRejected    ApplicationStatus = "rejected"
)

// ValidStatusTransitions defines the normal one-directional application flow.
var ValidStatusTransitions = map[ApplicationStatus][]ApplicationStatus{
	StatusDraft:       {StatusInProgress},
	StatusInProgress:  {StatusSubmitted},
	StatusSubmitted:   {StatusUnderReview},
	StatusUnderReview: {StatusApproved, StatusRejected},
	StatusApproved:    {},
	StatusRejected:    {},
}

// Locked reports whether the application has passed the point where step
// data may still be edited locally.
func (s ApplicationStatus) Locked() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s ApplicationStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// SubmissionDetails records the outcome of a successful submission.
type SubmissionDetails struct {
	SubmittedAt     time.Time `json:"submitted_at"`
	ReferenceNumber string    `json:"reference_number"`
}

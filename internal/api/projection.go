package api

import (
	"context"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/rendis/draftsync/pkg/schema"
)

// Status-document queries. Backends wrap responses inconsistently (bare
// fields vs a data envelope), so each query carries its fallbacks.
const (
	queryCurrentStep     = `.currentStep // .data.currentStep`
	queryStatus          = `.applicationStatus // .data.applicationStatus // .status`
	queryReferenceNumber = `.referenceNumber // .data.referenceNumber`
	querySubmissionDate  = `.submissionDate // .data.submissionDate`
	queryStepData        = `.formData // .data.formData`
)

// StatusProjection extracts the fields the coordinator consumes from a raw
// status document. Queries compile once and are shared; safe for
// concurrent use.
type StatusProjection struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func NewStatusProjection() *StatusProjection {
	return &StatusProjection{cache: make(map[string]*gojq.Code)}
}

// CurrentStep returns the backend's current step when present and valid.
func (p *StatusProjection) CurrentStep(ctx context.Context, doc map[string]any) (schema.OnboardingStep, bool) {
	s, ok := p.firstString(ctx, queryCurrentStep, doc)
	if !ok {
		return "", false
	}
	step := schema.OnboardingStep(s)
	if !schema.ValidStep(step) {
		return "", false
	}
	return step, true
}

// ApplicationStatus returns the backend's application status when present.
func (p *StatusProjection) ApplicationStatus(ctx context.Context, doc map[string]any) (schema.ApplicationStatus, bool) {
	s, ok := p.firstString(ctx, queryStatus, doc)
	if !ok {
		return "", false
	}
	return schema.ApplicationStatus(s), true
}

// ReferenceNumber returns the submission reference when present.
func (p *StatusProjection) ReferenceNumber(ctx context.Context, doc map[string]any) (string, bool) {
	return p.firstString(ctx, queryReferenceNumber, doc)
}

// SubmissionDate parses the submission timestamp when present.
func (p *StatusProjection) SubmissionDate(ctx context.Context, doc map[string]any) (time.Time, bool) {
	s, ok := p.firstString(ctx, querySubmissionDate, doc)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormData returns the backend's per-step form data map when present.
func (p *StatusProjection) FormData(ctx context.Context, doc map[string]any) (map[string]any, bool) {
	out, ok := p.first(ctx, queryStepData, doc)
	if !ok {
		return nil, false
	}
	m, ok := out.(map[string]any)
	return m, ok
}

// firstString runs a query and returns its first non-null output as a
// non-empty string.
func (p *StatusProjection) firstString(ctx context.Context, query string, doc map[string]any) (string, bool) {
	out, ok := p.first(ctx, query, doc)
	if !ok {
		return "", false
	}
	s, ok := out.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (p *StatusProjection) first(ctx context.Context, query string, doc map[string]any) (any, bool) {
	code, err := p.getOrCompile(query)
	if err != nil {
		return nil, false
	}

	iter := code.RunWithContext(ctx, doc)
	for {
		val, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := val.(error); isErr {
			continue
		}
		if val != nil {
			return val, true
		}
	}
}

func (p *StatusProjection) getOrCompile(query string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[query]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if code, ok := p.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(parsed,
		// Block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, err
	}
	p.cache[query] = code
	return code, nil
}

package definition

import (
	"fmt"

	"github.com/pitabwire/conduit/model"
)

// VError describes a single validation error in a workflow definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var validBackoffStrategies = map[string]bool{
	model.BackoffFixed:       true,
	model.BackoffLinear:      true,
	model.BackoffExponential: true,
}

var validWorkflowStatuses = map[string]bool{
	model.WorkflowStatusDraft:    true,
	model.WorkflowStatusActive:   true,
	model.WorkflowStatusPaused:   true,
	model.WorkflowStatusArchived: true,
}

// Validator checks workflow definitions structurally and checks that the
// stage dependency graph is a DAG.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in wf. An empty result means wf can be
// registered and executed.
func (v *Validator) Validate(wf model.Workflow) []VError {
	var errs []VError

	if wf.Name == "" {
		errs = append(errs, VError{Path: "name", Code: model.VCodeRequired, Message: "name is required"})
	}
	// An empty status is defaulted to draft on registration.
	if wf.Status != "" && !validWorkflowStatuses[wf.Status] {
		errs = append(errs, VError{
			Path:    "status",
			Code:    model.VCodeInvalidStatus,
			Message: fmt.Sprintf("unknown workflow status %q", wf.Status),
		})
	}
	if len(wf.Stages) == 0 {
		errs = append(errs, VError{Path: "stages", Code: model.VCodeEmptyStages, Message: "workflow must have at least one stage"})
		return errs
	}

	seen := make(map[string]bool, len(wf.Stages))
	for i, s := range wf.Stages {
		errs = append(errs, v.validateStage(fmt.Sprintf("stages[%d]", i), s, seen)...)
	}

	errs = append(errs, v.validateDependencies(wf.Stages)...)

	if wf.Configuration.Parallelism < 0 {
		errs = append(errs, VError{
			Path:    "configuration.parallelism",
			Code:    model.VCodeInvalidConfiguration,
			Message: "parallelism must not be negative",
		})
	}
	if wf.Configuration.TimeoutSeconds < 0 {
		errs = append(errs, VError{
			Path:    "configuration.timeout_seconds",
			Code:    model.VCodeInvalidTimeout,
			Message: "timeout_seconds must not be negative",
		})
	}

	if wf.Schedule != nil && wf.Schedule.Enabled {
		if _, err := ParseInterval(*wf.Schedule); err != nil {
			errs = append(errs, VError{Path: "schedule", Code: model.VCodeInvalidSchedule, Message: err.Error()})
		}
	}

	return errs
}

func (v *Validator) validateStage(prefix string, s model.Stage, seen map[string]bool) []VError {
	var errs []VError

	if s.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: model.VCodeRequired, Message: "stage id is required"})
	} else if seen[s.ID] {
		errs = append(errs, VError{
			Path:    prefix + ".id",
			Code:    model.VCodeDuplicateStage,
			Message: fmt.Sprintf("stage id %q is declared more than once", s.ID),
		})
	}
	seen[s.ID] = true

	if s.Service == "" {
		errs = append(errs, VError{Path: prefix + ".service", Code: model.VCodeRequired, Message: "stage service is required"})
	}

	p := s.RetryPolicy
	if p.MaxAttempts <= 0 {
		errs = append(errs, VError{
			Path:    prefix + ".retry_policy.max_attempts",
			Code:    model.VCodeInvalidRetryPolicy,
			Message: fmt.Sprintf("stage %q: max_attempts must be at least 1", s.ID),
		})
	}
	if !validBackoffStrategies[p.BackoffStrategy] {
		errs = append(errs, VError{
			Path:    prefix + ".retry_policy.backoff_strategy",
			Code:    model.VCodeInvalidRetryPolicy,
			Message: fmt.Sprintf("stage %q: invalid backoff strategy %q", s.ID, p.BackoffStrategy),
		})
	}
	if p.BackoffDelaySeconds < 0 {
		errs = append(errs, VError{
			Path:    prefix + ".retry_policy.backoff_delay_seconds",
			Code:    model.VCodeInvalidRetryPolicy,
			Message: fmt.Sprintf("stage %q: backoff delay must not be negative", s.ID),
		})
	}
	if s.TimeoutSeconds < 0 {
		errs = append(errs, VError{
			Path:    prefix + ".timeout_seconds",
			Code:    model.VCodeInvalidTimeout,
			Message: fmt.Sprintf("stage %q: timeout_seconds must not be negative", s.ID),
		})
	}

	return errs
}

// validateDependencies reports unknown dependency references first, then at
// most one cycle.
func (v *Validator) validateDependencies(stages []model.Stage) []VError {
	var errs []VError

	ids := make(map[string]bool, len(stages))
	for _, s := range stages {
		ids[s.ID] = true
	}

	for i, s := range stages {
		for j, dep := range s.Dependencies {
			if !ids[dep] {
				errs = append(errs, VError{
					Path:    fmt.Sprintf("stages[%d].dependencies[%d]", i, j),
					Code:    model.VCodeUnknownDependency,
					Message: fmt.Sprintf("stage %q depends on unknown stage %q", s.ID, dep),
				})
			}
		}
	}

	if cycle := FindCycle(stages); cycle != nil {
		errs = append(errs, VError{
			Path:    "stages",
			Code:    model.VCodeCircularDependency,
			Message: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
		})
	}

	return errs
}

// ValidateWorkflow validates wf and returns a VALIDATION_ERROR envelope
// carrying every problem found, or nil.
func ValidateWorkflow(wf model.Workflow) error {
	verrs := NewValidator().Validate(wf)
	if len(verrs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(verrs))
	for i, ve := range verrs {
		details[i] = model.FieldError{Field: ve.Path, Code: ve.Code, Message: ve.Message}
	}
	return model.NewValidationError(details)
}

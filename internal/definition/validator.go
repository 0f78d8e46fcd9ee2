package definition

import (
	"fmt"

	"github.com/pitabwire/formflow/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all workflow files. Definition ids must be unique across
// files.
func (v *Validator) Validate(files []model.WorkflowFile) []VError {
	var errs []VError
	seen := make(map[string]string)

	for i, f := range files {
		for j, w := range f.Workflows {
			prefix := fmt.Sprintf("files[%d].workflows[%d]", i, j)
			errs = append(errs, v.ValidateWorkflow(prefix, w)...)

			if w.ID == "" {
				continue
			}
			if first, dup := seen[w.ID]; dup {
				errs = append(errs, VError{
					Path:    prefix + ".id",
					Code:    "DUPLICATE_ID",
					Message: fmt.Sprintf("workflow %q already defined at %s", w.ID, first),
				})
				continue
			}
			seen[w.ID] = prefix
		}
	}
	return errs
}

// ValidateWorkflow checks a single definition.
func (v *Validator) ValidateWorkflow(prefix string, w model.WorkflowDefinition) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.ApplicationID == "" {
		errs = append(errs, VError{Path: prefix + ".application_id", Code: "REQUIRED", Message: "application_id is required"})
	}
	if w.FormID == "" {
		errs = append(errs, VError{Path: prefix + ".form_id", Code: "REQUIRED", Message: "form_id is required"})
	}
	if len(w.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
	}

	stages := make(map[string]model.Stage, len(w.Stages))
	for i, s := range w.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
			continue
		}
		if _, dup := stages[s.ID]; dup {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("stage %q is defined more than once", s.ID)})
			continue
		}
		stages[s.ID] = s
		if s.Role != "" && !isRole(s.Role) {
			errs = append(errs, VError{Path: sp + ".role", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid role %q", s.Role)})
		}
	}

	for i, tr := range w.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		from, fromOK := stages[tr.From]
		if !fromOK {
			errs = append(errs, VError{Path: tp + ".from", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.From)})
		}
		if _, ok := stages[tr.To]; !ok {
			errs = append(errs, VError{Path: tp + ".to", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", tr.To)})
		}
		if fromOK && tr.Action != "" && !from.OffersAction(tr.Action) {
			errs = append(errs, VError{
				Path:    tp + ".action",
				Code:    "UNREACHABLE_ACTION",
				Message: fmt.Sprintf("stage %q does not offer action %q", tr.From, tr.Action),
			})
		}
	}

	if w.Settings.EscalationTime < 0 {
		errs = append(errs, VError{Path: prefix + ".settings.escalation_time", Code: "INVALID_VALUE", Message: "escalation_time must not be negative"})
	}
	if w.Settings.EnableEscalation && w.Settings.EscalationTime == 0 {
		errs = append(errs, VError{Path: prefix + ".settings.escalation_time", Code: "REQUIRED", Message: "escalation_time is required when escalation is enabled"})
	}

	return errs
}

func isRole(role string) bool {
	for _, r := range model.ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

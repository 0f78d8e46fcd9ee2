package model

import "time"

// Submission status constants. Status is derived from the action taken, not
// from the stage a submission sits in.
const (
	SubmissionStatusDraft     = "draft"
	SubmissionStatusSubmitted = "submitted"
	SubmissionStatusInReview  = "in_review"
	SubmissionStatusApproved  = "approved"
	SubmissionStatusRejected  = "rejected"
)

// Workflow actions with status semantics. Stages may offer any other action
// name; those leave the status unchanged.
const (
	ActionSubmit  = "submit"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// ValidSubmissionStatuses lists every member of the status enumeration.
var ValidSubmissionStatuses = []string{
	SubmissionStatusDraft,
	SubmissionStatusSubmitted,
	SubmissionStatusInReview,
	SubmissionStatusApproved,
	SubmissionStatusRejected,
}

// WorkflowFile is the on-disk shape of a workflow definition file.
type WorkflowFile struct {
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Computed at load time.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is the immutable description of an approval pipeline
// owned by an application/form pair.
type WorkflowDefinition struct {
	ID            string           `yaml:"id"             json:"id"             bson:"_id"            validate:"required"`
	ApplicationID string           `yaml:"application_id" json:"application_id" bson:"application_id" validate:"required"`
	FormID        string           `yaml:"form_id"        json:"form_id"        bson:"form_id"        validate:"required"`
	Name          string           `yaml:"name"           json:"name"           bson:"name"`
	Stages        []Stage          `yaml:"stages"         json:"stages"         bson:"stages"         validate:"required,min=1,dive"`
	Transitions   []Transition     `yaml:"transitions"    json:"transitions"    bson:"transitions"    validate:"dive"`
	Settings      WorkflowSettings `yaml:"settings"       json:"settings"       bson:"settings"`
}

// Stage is a named step with an authorized role or user set and the actions
// permitted while a submission sits in it. A non-empty Users list takes
// precedence over Role.
type Stage struct {
	ID      string   `yaml:"id"      json:"id"                bson:"id"                validate:"required"`
	Name    string   `yaml:"name"    json:"name"              bson:"name"`
	Role    string   `yaml:"role"    json:"role,omitempty"    bson:"role,omitempty"`
	Users   []string `yaml:"users"   json:"users,omitempty"   bson:"users,omitempty"   validate:"dive,required"`
	Actions []string `yaml:"actions" json:"actions"           bson:"actions"           validate:"dive,required"`
}

// Transition is a directed edge between two stages. An empty Action matches
// any action. Condition is carried as data and is not evaluated.
type Transition struct {
	From      string         `yaml:"from"      json:"from"                bson:"from"                validate:"required"`
	To        string         `yaml:"to"        json:"to"                  bson:"to"                  validate:"required"`
	Action    string         `yaml:"action"    json:"action,omitempty"    bson:"action,omitempty"`
	Condition map[string]any `yaml:"condition" json:"condition,omitempty" bson:"condition,omitempty"`
}

// WorkflowSettings are carried as data; no executor in this service applies
// them.
type WorkflowSettings struct {
	AutoProgress     bool `yaml:"auto_progress"     json:"auto_progress"     bson:"auto_progress"`
	EnableEscalation bool `yaml:"enable_escalation" json:"enable_escalation" bson:"enable_escalation"`
	EscalationTime   int  `yaml:"escalation_time"   json:"escalation_time"   bson:"escalation_time" validate:"gte=0"`
}

// Stage returns the stage with the given ID, or nil.
func (d WorkflowDefinition) Stage(stageID string) *Stage {
	for i := range d.Stages {
		if d.Stages[i].ID == stageID {
			return &d.Stages[i]
		}
	}
	return nil
}

// InitialStage returns the ID of the first stage, or "" for a definition
// without stages.
func (d WorkflowDefinition) InitialStage() string {
	if len(d.Stages) == 0 {
		return ""
	}
	return d.Stages[0].ID
}

// OffersAction reports whether the stage lists the action.
func (s Stage) OffersAction(action string) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// HasUser reports whether userID is on the stage's explicit allow-list.
func (s Stage) HasUser(userID string) bool {
	for _, u := range s.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Submission is a collected form submission. Only Status, WorkflowState and
// Revision are mutated by the workflow engine.
type Submission struct {
	ID            string                   `json:"id"                       bson:"_id"                      validate:"required"`
	ApplicationID string                   `json:"application_id"           bson:"application_id"`
	FormID        string                   `json:"form_id"                  bson:"form_id"`
	Data          map[string]any           `json:"data,omitempty"           bson:"data,omitempty"`
	Status        string                   `json:"status"                   bson:"status"                   validate:"omitempty,submission_status"`
	WorkflowState *SubmissionWorkflowState `json:"workflow_state,omitempty" bson:"workflow_state,omitempty"`
	SubmittedBy   string                   `json:"submitted_by,omitempty"   bson:"submitted_by,omitempty"`
	Revision      int64                    `json:"revision"                 bson:"revision"                 validate:"gte=0"`
	CreatedAt     time.Time                `json:"created_at"               bson:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"               bson:"updated_at"`
}

// SubmissionWorkflowState is the mutable, submission-scoped record of the
// current stage and the append-only action history.
type SubmissionWorkflowState struct {
	CurrentStage string         `json:"current_stage" bson:"current_stage"`
	History      []HistoryEntry `json:"history"       bson:"history"       validate:"dive"`
}

// HistoryEntry records one executed action.
type HistoryEntry struct {
	Stage     string    `json:"stage"              bson:"stage"              validate:"required"`
	Action    string    `json:"action"             bson:"action"             validate:"required"`
	User      string    `json:"user"               bson:"user"               validate:"required"`
	Timestamp time.Time `json:"timestamp"          bson:"timestamp"          validate:"required"`
	Comments  string    `json:"comments,omitempty" bson:"comments,omitempty"`
}

// SubmissionPatch is what the workflow engine writes back through the
// submission gateway. ExpectedRevision is the revision observed at load; a
// gateway rejects the patch with CONFLICT when the stored revision differs.
type SubmissionPatch struct {
	WorkflowState    SubmissionWorkflowState `json:"workflow_state" validate:"required"`
	Status           string                  `json:"status"         validate:"omitempty,submission_status"`
	ExpectedRevision int64                   `json:"expected_revision"`
}

// ActionResult is returned by a successful workflow action.
type ActionResult struct {
	CurrentStage string         `json:"current_stage"`
	Status       string         `json:"status"`
	History      []HistoryEntry `json:"history"`
}

// SubmissionDescriptor describes where a submission sits in its workflow and
// what the requesting user may do next.
type SubmissionDescriptor struct {
	SubmissionID     string         `json:"submission_id"`
	WorkflowID       string         `json:"workflow_id"`
	CurrentStage     string         `json:"current_stage"`
	StageName        string         `json:"stage_name"`
	Status           string         `json:"status"`
	AvailableActions []string       `json:"available_actions"`
	History          []HistoryEntry `json:"history"`
}

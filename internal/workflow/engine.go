// Package workflow executes actions against form submissions following a
// workflow definition's stages and transitions.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/notify"
	"github.com/pitabwire/formflow/internal/observability"
	"github.com/pitabwire/formflow/model"
)

// SubmissionGateway loads and persists submissions. Save must reject a patch
// whose ExpectedRevision differs from the stored revision with CONFLICT.
type SubmissionGateway interface {
	Load(ctx context.Context, submissionID string) (model.Submission, error)
	Save(ctx context.Context, submissionID string, patch model.SubmissionPatch) (model.Submission, error)
}

// UserLookup resolves the acting user for role-restricted stages.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (model.User, error)
}

// PermissionChecker is the resource check used by the optional permission
// gate.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, userID, resource, action, resourceID string) bool
}

// Recorder receives engine metrics.
type Recorder interface {
	RecordWorkflowAction(workflowID, action, outcome string, duration time.Duration)
	RecordLockWait(duration time.Duration)
	RecordPublishFailure()
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowAction(string, string, string, time.Duration) {}
func (nopRecorder) RecordLockWait(time.Duration)                                {}
func (nopRecorder) RecordPublishFailure()                                       {}

// Engine applies workflow actions to submissions.
type Engine struct {
	gateway   SubmissionGateway
	users     UserLookup
	locker    Locker
	publisher notify.Publisher
	gate      PermissionChecker
	gateRes   string
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

// WithPublisher sets where committed transitions are announced.
func WithPublisher(p notify.Publisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

// WithPermissionGate requires the acting user to hold the given permission
// on resource (scoped to the definition's form id) before stage
// authorization runs.
func WithPermissionGate(checker PermissionChecker, resource string) EngineOption {
	return func(e *Engine) {
		e.gate = checker
		e.gateRes = resource
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the history timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a workflow engine.
func NewEngine(gateway SubmissionGateway, users UserLookup, opts ...EngineOption) *Engine {
	e := &Engine{
		gateway:   gateway,
		users:     users,
		locker:    NewMemoryLocker(),
		publisher: notify.NopPublisher{},
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteAction performs action on the submission on behalf of userID.
//
// The action is appended to the history whether or not a transition
// matches. Errors from the gateway are returned unchanged.
func (e *Engine) ExecuteAction(
	ctx context.Context,
	def model.WorkflowDefinition,
	submissionID string,
	action string,
	userID string,
	comments string,
) (result model.ActionResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.execute_action",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrSubmissionID.String(submissionID),
		observability.AttrAction.String(action),
		observability.AttrSubjectID.String(userID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		e.recorder.RecordWorkflowAction(def.ID, action, observability.OutcomeFor(err), time.Since(start))
	}()

	logger := observability.LoggerFrom(ctx, e.logger).With(
		zap.String("workflow_id", def.ID),
		zap.String("submission_id", submissionID),
		zap.String("action", action),
		zap.String("user_id", userID),
	)

	if submissionID == "" || action == "" || userID == "" {
		return model.ActionResult{}, model.NewBadRequestError("submission id, action and user id are required")
	}

	lockStart := time.Now()
	release, err := e.locker.Lock(ctx, submissionID)
	if err != nil {
		return model.ActionResult{}, fmt.Errorf("lock submission %q: %w", submissionID, err)
	}
	e.recorder.RecordLockWait(time.Since(lockStart))
	defer func() {
		if rerr := release(); rerr != nil {
			logger.Warn("release submission lock", zap.Error(rerr))
		}
	}()

	result, ev, err := e.execute(ctx, logger, def, submissionID, action, userID, comments)
	if err != nil {
		switch model.ErrorCode(err) {
		case model.ErrForbidden, model.ErrInvalidState, model.ErrNotFound, model.ErrConflict:
			logger.Warn("workflow action rejected", zap.Error(err))
		default:
			logger.Error("workflow action failed", zap.Error(err))
		}
		return model.ActionResult{}, err
	}

	span.SetAttributes(observability.AttrStage.String(result.CurrentStage))
	logger.Info("workflow action executed",
		zap.String("from_stage", ev.FromStage),
		zap.String("to_stage", ev.ToStage),
		zap.Bool("transitioned", ev.Transitioned),
		zap.String("status", result.Status),
	)

	if perr := e.publisher.Publish(ctx, ev); perr != nil {
		e.recorder.RecordPublishFailure()
		logger.Error("publish transition event", zap.Error(perr))
	}

	return result, nil
}

func (e *Engine) execute(
	ctx context.Context,
	logger *zap.Logger,
	def model.WorkflowDefinition,
	submissionID, action, userID, comments string,
) (model.ActionResult, notify.Event, error) {
	sub, err := e.gateway.Load(ctx, submissionID)
	if err != nil {
		return model.ActionResult{}, notify.Event{}, err
	}
	if err := checkOwnership(def, sub); err != nil {
		return model.ActionResult{}, notify.Event{}, err
	}

	currentStage := currentStageOf(def, sub)
	stage := def.Stage(currentStage)
	if stage == nil {
		return model.ActionResult{}, notify.Event{}, model.NewInvalidStateError(
			fmt.Sprintf("stage %q not found in workflow %q", currentStage, def.ID),
		)
	}

	if err := e.checkGate(ctx, def, userID, model.PermUpdate); err != nil {
		return model.ActionResult{}, notify.Event{}, err
	}

	authz := newStageAuthorizer(e.users, userID)
	allowed, err := authz.allows(ctx, *stage, action)
	if err != nil {
		return model.ActionResult{}, notify.Event{}, err
	}
	if !allowed {
		return model.ActionResult{}, notify.Event{}, model.NewForbiddenError(
			fmt.Sprintf("action %q is not allowed at stage %q", action, currentStage),
		)
	}

	transition := findTransition(def, currentStage, action)
	if transition != nil && len(transition.Condition) > 0 {
		logger.Debug("transition condition not evaluated",
			zap.String("from", transition.From),
			zap.String("to", transition.To),
			zap.Any("condition", transition.Condition),
		)
	}

	var history []model.HistoryEntry
	if sub.WorkflowState != nil {
		history = append(history, sub.WorkflowState.History...)
	}
	history = append(history, model.HistoryEntry{
		Stage:     currentStage,
		Action:    action,
		User:      userID,
		Timestamp: e.now(),
		Comments:  comments,
	})

	nextStage := currentStage
	if transition != nil {
		nextStage = transition.To
	}

	status := deriveStatus(sub.Status, action, transition != nil)

	patch := model.SubmissionPatch{
		WorkflowState: model.SubmissionWorkflowState{
			CurrentStage: nextStage,
			History:      history,
		},
		Status:           status,
		ExpectedRevision: sub.Revision,
	}
	saved, err := e.gateway.Save(ctx, submissionID, patch)
	if err != nil {
		return model.ActionResult{}, notify.Event{}, err
	}

	result := model.ActionResult{
		CurrentStage: nextStage,
		Status:       status,
		History:      history,
	}
	ev := notify.Event{
		SubmissionID: submissionID,
		WorkflowID:   def.ID,
		FromStage:    currentStage,
		ToStage:      nextStage,
		Transitioned: transition != nil,
		Action:       action,
		Status:       status,
		UserID:       userID,
		Revision:     saved.Revision,
		Timestamp:    history[len(history)-1].Timestamp,
	}
	return result, ev, nil
}

// Describe reports the submission's position in the workflow and the actions
// userID could execute at the current stage.
func (e *Engine) Describe(
	ctx context.Context,
	def model.WorkflowDefinition,
	submissionID string,
	userID string,
) (model.SubmissionDescriptor, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.describe",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrSubmissionID.String(submissionID),
		observability.AttrSubjectID.String(userID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if err = e.checkGate(ctx, def, userID, model.PermRead); err != nil {
		return model.SubmissionDescriptor{}, err
	}

	var sub model.Submission
	sub, err = e.gateway.Load(ctx, submissionID)
	if err != nil {
		return model.SubmissionDescriptor{}, err
	}
	if err = checkOwnership(def, sub); err != nil {
		return model.SubmissionDescriptor{}, err
	}

	desc := model.SubmissionDescriptor{
		SubmissionID:     submissionID,
		WorkflowID:       def.ID,
		CurrentStage:     currentStageOf(def, sub),
		Status:           sub.Status,
		AvailableActions: []string{},
		History:          []model.HistoryEntry{},
	}
	if sub.WorkflowState != nil && sub.WorkflowState.History != nil {
		desc.History = sub.WorkflowState.History
	}

	stage := def.Stage(desc.CurrentStage)
	if stage == nil {
		err = model.NewInvalidStateError(
			fmt.Sprintf("stage %q not found in workflow %q", desc.CurrentStage, def.ID),
		)
		return model.SubmissionDescriptor{}, err
	}
	desc.StageName = stage.Name

	authz := newStageAuthorizer(e.users, userID)
	for _, action := range stage.Actions {
		var ok bool
		ok, err = authz.allows(ctx, *stage, action)
		if err != nil {
			return model.SubmissionDescriptor{}, err
		}
		if ok {
			desc.AvailableActions = append(desc.AvailableActions, action)
		}
	}
	return desc, nil
}

func (e *Engine) checkGate(ctx context.Context, def model.WorkflowDefinition, userID, perm string) error {
	if e.gate == nil {
		return nil
	}
	if !e.gate.CheckPermission(ctx, userID, e.gateRes, perm, def.FormID) {
		return model.NewForbiddenError(
			fmt.Sprintf("%s permission on %s %q required", perm, e.gateRes, def.FormID),
		)
	}
	return nil
}

// checkOwnership reports NOT_FOUND unless sub was filed against the form def
// governs.
func checkOwnership(def model.WorkflowDefinition, sub model.Submission) error {
	if sub.ApplicationID != def.ApplicationID || sub.FormID != def.FormID {
		return model.NewNotFoundError(
			fmt.Sprintf("submission %q not found in workflow %q", sub.ID, def.ID),
		)
	}
	return nil
}

// currentStageOf returns the recorded stage, or the definition's first stage
// for a submission that has not entered the workflow yet.
func currentStageOf(def model.WorkflowDefinition, sub model.Submission) string {
	if sub.WorkflowState != nil && sub.WorkflowState.CurrentStage != "" {
		return sub.WorkflowState.CurrentStage
	}
	return def.InitialStage()
}

// findTransition returns the first transition leaving from whose action is
// empty or equal to action.
func findTransition(def model.WorkflowDefinition, from, action string) *model.Transition {
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.From != from {
			continue
		}
		if t.Action == "" || t.Action == action {
			return t
		}
	}
	return nil
}

// deriveStatus maps the executed action to the submission status.
func deriveStatus(current, action string, transitioned bool) string {
	switch action {
	case model.ActionApprove:
		if transitioned {
			return model.SubmissionStatusInReview
		}
		return model.SubmissionStatusApproved
	case model.ActionReject:
		return model.SubmissionStatusRejected
	case model.ActionSubmit:
		return model.SubmissionStatusSubmitted
	default:
		return current
	}
}

// stageAuthorizer decides whether a user may take an action at a stage,
// loading the user at most once.
type stageAuthorizer struct {
	users  UserLookup
	userID string

	loaded bool
	found  bool
	user   model.User
}

func newStageAuthorizer(users UserLookup, userID string) *stageAuthorizer {
	return &stageAuthorizer{users: users, userID: userID}
}

// allows applies the stage rules: the action must be offered, then an
// explicit user list wins over a role, and a stage with neither admits
// everyone.
func (a *stageAuthorizer) allows(ctx context.Context, stage model.Stage, action string) (bool, error) {
	if !stage.OffersAction(action) {
		return false, nil
	}
	if len(stage.Users) > 0 {
		return stage.HasUser(a.userID), nil
	}
	if stage.Role == "" {
		return true, nil
	}

	if !a.loaded {
		user, err := a.users.GetUser(ctx, a.userID)
		switch {
		case model.IsNotFound(err):
		case err != nil:
			return false, fmt.Errorf("load user %q: %w", a.userID, err)
		default:
			a.user, a.found = user, true
		}
		a.loaded = true
	}
	return a.found && a.user.Role == stage.Role, nil
}

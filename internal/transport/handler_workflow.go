package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/formflow/internal/store"
	"github.com/pitabwire/formflow/model"
)

// WorkflowService executes and describes workflow actions.
type WorkflowService interface {
	ExecuteAction(ctx context.Context, def model.WorkflowDefinition, submissionID, action, userID, comments string) (model.ActionResult, error)
	Describe(ctx context.Context, def model.WorkflowDefinition, submissionID, userID string) (model.SubmissionDescriptor, error)
}

// DefinitionSource resolves workflow definitions by id.
type DefinitionSource interface {
	GetWorkflow(workflowID string) (model.WorkflowDefinition, bool)
}

type actionRequest struct {
	Action   string `json:"action"   validate:"required"`
	Comments string `json:"comments" validate:"max=4000"`
}

func lookupWorkflow(defs DefinitionSource, r *http.Request) (model.WorkflowDefinition, error) {
	workflowID := chi.URLParam(r, "workflowId")
	def, ok := defs.GetWorkflow(workflowID)
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return def, nil
}

func handleExecuteAction(engine WorkflowService, defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		def, err := lookupWorkflow(defs, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		var body actionRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := store.ValidateRequest(body); err != nil {
			WriteError(w, r, err)
			return
		}

		result, err := engine.ExecuteAction(r.Context(), def, chi.URLParam(r, "submissionId"), body.Action, rctx.SubjectID, body.Comments)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleDescribeSubmission(engine WorkflowService, defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		def, err := lookupWorkflow(defs, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		desc, err := engine.Describe(r.Context(), def, chi.URLParam(r, "submissionId"), rctx.SubjectID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleGetWorkflow(defs DefinitionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := lookupWorkflow(defs, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/formflow/internal/store"
	"github.com/pitabwire/formflow/model"
)

// PermissionService answers permission checks and manages grants.
type PermissionService interface {
	CheckPermission(ctx context.Context, userID, resource, action, resourceID string) bool
	CheckFieldPermission(ctx context.Context, userID, resource, resourceID, field, action string) bool
	GrantPermission(ctx context.Context, userID, resource, resourceID string, permissions model.PermissionSet, fieldPermissions model.FieldPermissions) (model.PermissionGrant, error)
	RevokePermission(ctx context.Context, userID, resource, resourceID string, actions []string) (model.PermissionGrant, bool, error)
	ListGrants(ctx context.Context, userID string) ([]model.PermissionGrant, error)
}

type checkRequest struct {
	Resource   string `json:"resource"    validate:"required"`
	Action     string `json:"action"      validate:"required,crud_action"`
	ResourceID string `json:"resource_id"`
	Field      string `json:"field"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

type grantRequest struct {
	UserID           string                 `json:"user_id"           validate:"required"`
	Resource         string                 `json:"resource"          validate:"required"`
	ResourceID       string                 `json:"resource_id"`
	Permissions      model.PermissionSet    `json:"permissions"       validate:"dive,keys,crud_action,endkeys"`
	FieldPermissions model.FieldPermissions `json:"field_permissions" validate:"dive,keys,required,endkeys,dive,keys,crud_action,endkeys"`
}

type revokeRequest struct {
	UserID     string   `json:"user_id"     validate:"required"`
	Resource   string   `json:"resource"    validate:"required"`
	ResourceID string   `json:"resource_id"`
	Actions    []string `json:"actions"     validate:"required,min=1,dive,crud_action"`
}

type revokeResponse struct {
	Revoked bool                   `json:"revoked"`
	Grant   *model.PermissionGrant `json:"grant,omitempty"`
}

type grantsResponse struct {
	Grants []model.PermissionGrant `json:"grants"`
}

// requireAdmin rejects callers without the given action on the permission
// administration resource.
func requireAdmin(perms PermissionService, adminResource, action string, w http.ResponseWriter, r *http.Request) bool {
	rctx := model.MustRequestContext(r.Context())
	if perms.CheckPermission(r.Context(), rctx.SubjectID, adminResource, action, "") {
		return true
	}
	WriteError(w, r, model.NewForbiddenError(fmt.Sprintf("%s permission on %s required", action, adminResource)))
	return false
}

func handleCheckPermission(perms PermissionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body checkRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := store.ValidateRequest(body); err != nil {
			WriteError(w, r, err)
			return
		}

		var allowed bool
		if body.Field != "" {
			allowed = perms.CheckFieldPermission(r.Context(), rctx.SubjectID, body.Resource, body.ResourceID, body.Field, body.Action)
		} else {
			allowed = perms.CheckPermission(r.Context(), rctx.SubjectID, body.Resource, body.Action, body.ResourceID)
		}
		WriteJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
	}
}

func handleGrantPermission(perms PermissionService, adminResource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(perms, adminResource, model.PermUpdate, w, r) {
			return
		}

		var body grantRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := store.ValidateRequest(body); err != nil {
			WriteError(w, r, err)
			return
		}

		grant, err := perms.GrantPermission(r.Context(), body.UserID, body.Resource, body.ResourceID, body.Permissions, body.FieldPermissions)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, grant)
	}
}

func handleRevokePermission(perms PermissionService, adminResource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(perms, adminResource, model.PermUpdate, w, r) {
			return
		}

		var body revokeRequest
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := store.ValidateRequest(body); err != nil {
			WriteError(w, r, err)
			return
		}

		grant, found, err := perms.RevokePermission(r.Context(), body.UserID, body.Resource, body.ResourceID, body.Actions)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		resp := revokeResponse{Revoked: found}
		if found {
			resp.Grant = &grant
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// handleListGrants lets any caller read their own grants; reading another
// user's grants needs read on the administration resource.
func handleListGrants(perms PermissionService, adminResource string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		userID := chi.URLParam(r, "userId")

		if userID != rctx.SubjectID && !requireAdmin(perms, adminResource, model.PermRead, w, r) {
			return
		}

		grants, err := perms.ListGrants(r.Context(), userID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if grants == nil {
			grants = []model.PermissionGrant{}
		}
		WriteJSON(w, http.StatusOK, grantsResponse{Grants: grants})
	}
}

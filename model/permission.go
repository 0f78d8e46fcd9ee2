package model

import "time"

// User roles.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleUser       = "user"
)

// ValidRoles lists every member of the role enumeration.
var ValidRoles = []string{RoleSuperAdmin, RoleAdmin, RoleManager, RoleUser}

// CRUD actions understood by permission grants.
const (
	PermCreate = "create"
	PermRead   = "read"
	PermUpdate = "update"
	PermDelete = "delete"
)

// ValidPermissionActions lists the actions a grant may carry flags for.
var ValidPermissionActions = []string{PermCreate, PermRead, PermUpdate, PermDelete}

// WildcardResource matches every resource in a grant or global permission.
const WildcardResource = "*"

// PermissionSet maps an action to an allow flag. Only an explicit true allows.
type PermissionSet map[string]bool

// Allows reports whether the action is explicitly set to true.
func (ps PermissionSet) Allows(action string) bool {
	return ps[action]
}

// Merge returns a copy of ps with every key in other written over it.
func (ps PermissionSet) Merge(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(ps)+len(other))
	for k, v := range ps {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of ps.
func (ps PermissionSet) Clone() PermissionSet {
	return ps.Merge(nil)
}

// FieldPermissions maps a field name to its per-action flags.
type FieldPermissions map[string]PermissionSet

// Merge returns a copy of fp where each field in other replaces the field
// entry of the same name. Field entries are not merged key by key.
func (fp FieldPermissions) Merge(other FieldPermissions) FieldPermissions {
	out := make(FieldPermissions, len(fp)+len(other))
	for k, v := range fp {
		out[k] = v.Clone()
	}
	for k, v := range other {
		out[k] = v.Clone()
	}
	return out
}

// PermissionGrant is the stored CRUD rights of one user over one resource,
// optionally scoped to a single resource instance.
type PermissionGrant struct {
	ID               string           `json:"id"                          bson:"_id"                         validate:"required"`
	User             string           `json:"user"                        bson:"user"                        validate:"required"`
	Resource         string           `json:"resource"                    bson:"resource"                    validate:"required"`
	ResourceID       string           `json:"resource_id,omitempty"       bson:"resource_id"`
	Permissions      PermissionSet    `json:"permissions"                 bson:"permissions"                 validate:"dive,keys,crud_action,endkeys"`
	FieldPermissions FieldPermissions `json:"field_permissions,omitempty" bson:"field_permissions,omitempty" validate:"dive,keys,required,endkeys,dive,keys,crud_action,endkeys"`
	CreatedAt        time.Time        `json:"created_at"                  bson:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"                  bson:"updated_at"`
}

// GlobalPermission is a coarse grant embedded in the user record.
type GlobalPermission struct {
	Resource string   `json:"resource" bson:"resource" validate:"required"`
	Actions  []string `json:"actions"  bson:"actions"  validate:"dive,required"`
}

// Covers reports whether the global permission names the resource (or the
// wildcard) and lists the action.
func (g GlobalPermission) Covers(resource, action string) bool {
	if g.Resource != resource && g.Resource != WildcardResource {
		return false
	}
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// User is read-only to the workflow and permission layers.
type User struct {
	ID          string             `json:"id"                    bson:"_id"                   validate:"required"`
	Email       string             `json:"email"                 bson:"email"                 validate:"omitempty,email"`
	Name        string             `json:"name"                  bson:"name"`
	Role        string             `json:"role"                  bson:"role"                  validate:"required,oneof=super_admin admin manager user"`
	Permissions []GlobalPermission `json:"permissions,omitempty" bson:"permissions,omitempty" validate:"dive"`
}

// IsSuperAdmin reports whether the user bypasses all permission checks.
func (u User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}

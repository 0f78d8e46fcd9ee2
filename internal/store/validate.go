package store

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/formflow/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("crud_action", func(fl validator.FieldLevel) bool {
		return slices.Contains(model.ValidPermissionActions, fl.Field().String())
	})
	_ = v.RegisterValidation("submission_status", func(fl validator.FieldLevel) bool {
		return slices.Contains(model.ValidSubmissionStatuses, fl.Field().String())
	})

	return v
}

// ValidateSubmission checks a submission before it is created.
func ValidateSubmission(sub model.Submission) error {
	return check(sub)
}

// ValidatePatch checks a workflow state patch before it is saved.
func ValidatePatch(patch model.SubmissionPatch) error {
	if err := check(patch); err != nil {
		return err
	}
	if patch.ExpectedRevision < 0 {
		return model.NewValidationError([]model.FieldError{{
			Field:   "expected_revision",
			Code:    "INVALID_VALUE",
			Message: "expected_revision must not be negative",
		}})
	}
	return nil
}

// ValidateGrant checks a permission grant before it is stored.
func ValidateGrant(grant model.PermissionGrant) error {
	return check(grant)
}

// normalizeGrant gives a grant that carries only field rules an empty
// resource set, so every backend stores the same shape.
func normalizeGrant(grant model.PermissionGrant) model.PermissionGrant {
	if grant.Permissions == nil {
		grant.Permissions = model.PermissionSet{}
	}
	return grant
}

// ValidateUser checks a user record before it is stored.
func ValidateUser(user model.User) error {
	return check(user)
}

// ValidateRequest checks any struct carrying validate tags, such as an HTTP
// request body, with the same rules and error shape as the records.
func ValidateRequest(v any) error {
	return check(v)
}

func check(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}

	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fieldPath(fe),
			Code:    fieldCode(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return model.NewValidationError(details)
}

// fieldPath drops the leading struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func fieldCode(tag string) string {
	switch tag {
	case "required":
		return "REQUIRED"
	case "oneof", "crud_action", "submission_status":
		return "INVALID_ENUM"
	default:
		return "INVALID_VALUE"
	}
}

func fieldMessage(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "crud_action":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(model.ValidPermissionActions, ", "))
	case "submission_status":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(model.ValidSubmissionStatuses, ", "))
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

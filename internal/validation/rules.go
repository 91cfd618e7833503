// Package validation provides custom validation rules for the application.
package validation

import (
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/fieldvault/internal/errors"
)

var (
	// contextNameRegex matches lowercase kebab-case names such as "student-personal-data"
	contextNameRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	// identifierRegex matches entity and field names such as "auditLog" or "phone_number"
	identifierRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// ContextName validates a protection context name
var ContextName = validation.NewStringRuleWithError(
	func(s string) bool {
		return len(s) <= 64 && contextNameRegex.MatchString(s)
	},
	validation.NewError("validation_context_name", "must be lowercase kebab-case of at most 64 characters"),
)

// Identifier validates entity and field names
var Identifier = validation.NewStringRuleWithError(
	func(s string) bool {
		return identifierRegex.MatchString(s)
	},
	validation.NewError("validation_identifier", "must start with a letter and contain only letters, digits or underscores"),
)

// NoWhitespace validates that string doesn't contain leading/trailing whitespace
var NoWhitespace = validation.NewStringRuleWithError(
	func(s string) bool {
		return s == strings.TrimSpace(s)
	},
	validation.NewError("validation_no_whitespace", "must not contain leading or trailing whitespace"),
)

// NotBlank validates that a string is not empty after trimming whitespace
var NotBlank = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.TrimSpace(s) != ""
	},
	validation.NewError("validation_not_blank", "must not be blank"),
)

// ValidateContextName checks a context name and returns ErrInvalidInput on failure.
func ValidateContextName(name string) error {
	return WrapValidationError(validation.Validate(name, validation.Required, ContextName))
}

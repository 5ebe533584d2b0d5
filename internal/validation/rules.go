// Package validation provides custom validation rules for the application.
package validation

import (
	"encoding/json"
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/relay/internal/errors"
)

var (
	// commandNameRegex matches dot-separated lowercase identifiers such as
	// "account.create" or "ledger.entry.post".
	commandNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// CommandName validates that a string is a dot-separated lowercase command
// identifier like "account.create".
var CommandName = validation.NewStringRuleWithError(
	func(s string) bool {
		return commandNameRegex.MatchString(s)
	},
	validation.NewError("validation_command_name", "must be a dot-separated lowercase identifier"),
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

// JSONObject validates that a byte slice holds a JSON object.
var JSONObject = validation.By(func(value interface{}) error {
	var data []byte

	switch v := value.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	default:
		return validation.NewError("validation_json_object_type", "must be JSON data")
	}

	if len(data) == 0 {
		return nil // Let Required handle empty payloads
	}

	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") || !json.Valid(data) {
		return validation.NewError("validation_json_object", "must be a JSON object")
	}

	return nil
})

package actionconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"pubflow/internal/actions"
)

// Code classifies a config resolution failure.
type Code string

const (
	CodeActionNotFound            Code = "ACTION_NOT_FOUND"
	CodeInvalidRawConfig          Code = "INVALID_RAW_CONFIG"
	CodeInvalidConfigWithDefaults Code = "INVALID_CONFIG_WITH_DEFAULTS"
	CodeInterpolationFailed       Code = "INTERPOLATION_FAILED"
	CodeInvalidInterpolatedConfig Code = "INVALID_INTERPOLATED_CONFIG"
)

// Error is a config resolution failure. Issues carries field-level diagnostics
// from schema parsing; Cause is set for evaluator failures.
type Error struct {
	Code    Code                 `json:"code"`
	Message string               `json:"message"`
	Issues  []actions.FieldIssue `json:"issues,omitempty"`
	Cause   error                `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	for i, issue := range e.Issues {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s", issue.Path, issue.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// MarshalJSON renders the cause as a string so the error can be stored in a run result.
func (e *Error) MarshalJSON() ([]byte, error) {
	type plain Error
	out := struct {
		*plain
		Cause string `json:"cause,omitempty"`
	}{plain: (*plain)(e)}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	return json.Marshal(out)
}

func newError(code Code, message string, issues []actions.FieldIssue, cause error) *Error {
	return &Error{Code: code, Message: message, Issues: issues, Cause: cause}
}

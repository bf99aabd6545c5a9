// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// The error taxonomy separates "the model spoke garbage" (ParseError), "the
// model spoke a well-formed action outside the schema" (ValidationError),
// "the action ran and failed" (DomainError, reported as an observation rather
// than raised), and "the model API itself failed" (TransportError). Exhausting
// the iteration budget is not an error at all; the run just ends incomplete.

// ParseError means a model response could not be converted into actions after
// every extraction and repair strategy was tried.
type ParseError struct {
	Reason string // Human-readable description of the failure.
	Raw    string // The offending response text, possibly truncated.
}

func (e *ParseError) Error() string {
	return e.Reason
}

// ValidationError means a parsed action referenced an unknown name or carried
// parameters outside the closed schema. UnknownKeys lists every offending key,
// not just the first, so a correction prompt can name them all.
type ValidationError struct {
	Name        string   // The action name the model used.
	UnknownKeys []string // Sorted keys not in the schema; empty for unknown names.
	Allowed     []string // The full allowed key set for Name.
	Received    []string // Every key the model actually sent.
	Reason      string   // Set instead of UnknownKeys for shape-level failures.
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Tool '%s': %s", e.Name, e.Reason)
	}
	if len(e.UnknownKeys) == 0 {
		return fmt.Sprintf("Unknown tool: %s", e.Name)
	}
	return fmt.Sprintf("Tool '%s' does not support parameters: %s. Valid parameters are: %s. Received: %s",
		e.Name,
		strings.Join(e.UnknownKeys, ", "),
		strings.Join(e.Allowed, ", "),
		strings.Join(e.Received, ", "))
}

// DomainError is a failure inside the sandbox while executing a valid action:
// a missing file, a selector with no match, a command that cannot start. The
// executor converts it into a non-terminal observation so the agent can react.
type DomainError struct {
	Action ActionName // The action that failed.
	Err    error      // The underlying cause.
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %v", e.Action, e.Err)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// TransportError is a model API failure: connection refused, non-2xx status,
// undecodable body. Retrying is the caller's decision.
type TransportError struct {
	Provider string // Which adapter produced the failure.
	Status   int    // HTTP status when one was received, else zero.
	Err      error  // The underlying cause.
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s request failed with status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether any error in err's chain is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsValidationError reports whether any error in err's chain is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

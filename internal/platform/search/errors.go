package search

import (
	"errors"
	"fmt"
)

// InvalidSearchOperationError reports a query the client must fix: a bad
// modifier for the parameter type, an illegal comparator, a duplicated
// control parameter or malformed chain syntax.
type InvalidSearchOperationError struct {
	Message string
}

func (e *InvalidSearchOperationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &InvalidSearchOperationError{Message: fmt.Sprintf(format, args...)}
}

// SearchOperationNotSupportedError reports a well-formed query that this
// search implementation does not evaluate (quantity search, top-level
// composite search, terminology-backed token modifiers).
type SearchOperationNotSupportedError struct {
	Message string
}

func (e *SearchOperationNotSupportedError) Error() string { return e.Message }

func notSupportedf(format string, args ...any) error {
	return &SearchOperationNotSupportedError{Message: fmt.Sprintf(format, args...)}
}

// ResourceNotSupportedError reports an unknown resource type.
type ResourceNotSupportedError struct {
	ResourceType string
}

func (e *ResourceNotSupportedError) Error() string {
	return fmt.Sprintf("resource type %q is not supported", e.ResourceType)
}

// SearchParameterNotSupportedError reports a parameter that does not exist
// on the manifest it was looked up on, or a chain none of whose targets can
// evaluate the rest of the path.
type SearchParameterNotSupportedError struct {
	ResourceType string
	ParamName    string
	Reason       string
}

func (e *SearchParameterNotSupportedError) Error() string {
	msg := fmt.Sprintf("search parameter %q is not supported", e.ParamName)
	if e.ResourceType != "" {
		msg = fmt.Sprintf("search parameter %q is not supported for resource type %q", e.ParamName, e.ResourceType)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsNotSupported reports whether err means "this resource/parameter
// combination does not exist". Such errors are routine during chain
// resolution and options creation and are downgraded to bookkeeping.
func IsNotSupported(err error) bool {
	var rns *ResourceNotSupportedError
	var pns *SearchParameterNotSupportedError
	return errors.As(err, &rns) || errors.As(err, &pns)
}

// IsInvalid reports whether err is a client error in the query itself.
func IsInvalid(err error) bool {
	var ise *InvalidSearchOperationError
	return errors.As(err, &ise)
}

// IsOperationNotSupported reports whether err names a search feature this
// implementation refuses to evaluate.
func IsOperationNotSupported(err error) bool {
	var sns *SearchOperationNotSupportedError
	return errors.As(err, &sns)
}

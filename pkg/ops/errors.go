package ops

import (
	"errors"
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
)

// ErrorClass classifies an operation failure.
type ErrorClass string

const (
	// ErrorClassValidation indicates a bad address, a missing or mistyped
	// parameter, or an unknown operation. Detected before any mutation.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassHandler indicates a step handler rejected the operation.
	// The transaction is rolled back.
	ErrorClassHandler ErrorClass = "handler"

	// ErrorClassNotFound indicates the addressed resource does not exist,
	// or vanished while it was being read.
	ErrorClassNotFound ErrorClass = "not-found"

	// ErrorClassTransport indicates a proxy channel failure or a failure
	// reported by a remote controller.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassRegistration indicates a programming error while building
	// the registration tree, such as a duplicate registration.
	ErrorClassRegistration ErrorClass = "registration"

	// ErrorClassUnexpected indicates a handler failed in an unclassified way
	// or panicked.
	ErrorClassUnexpected ErrorClass = "unexpected"
)

// OperationError is a classified failure with the address and operation it
// relates to.
type OperationError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// Address is the address the failure relates to, if any.
	Address *address.PathAddress `json:"address,omitempty"`

	// Operation is the operation being executed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Address != nil {
		msg += fmt.Sprintf(" (address=%s)", e.Address)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is matches on class and code.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *OperationError {
	return &OperationError{Class: class, Code: code, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *OperationError {
	return newError(ErrorClassValidation, ErrCodeValidation, message, err)
}

// NewHandlerError creates a handler error.
func NewHandlerError(message string, err error) *OperationError {
	return newError(ErrorClassHandler, ErrCodeHandlerFailed, message, err)
}

// NewNoSuchResourceError reports that the resource at addr does not exist.
func NewNoSuchResourceError(addr address.PathAddress) *OperationError {
	return newError(ErrorClassNotFound, ErrCodeNoSuchResource,
		fmt.Sprintf("resource %s not found", addr), nil).WithAddress(addr)
}

// NewTransportError creates a transport error.
func NewTransportError(message string, err error) *OperationError {
	return newError(ErrorClassTransport, ErrCodeTransport, message, err)
}

// NewRegistrationError creates a registration (programming) error.
func NewRegistrationError(message string, err error) *OperationError {
	return newError(ErrorClassRegistration, ErrCodeDuplicateRegistration, message, err)
}

// NewUnexpectedError wraps an unclassified handler failure.
func NewUnexpectedError(message string, err error) *OperationError {
	return newError(ErrorClassUnexpected, ErrCodeInternal, message, err)
}

// WithAddress sets the address the error relates to.
func (e *OperationError) WithAddress(addr address.PathAddress) *OperationError {
	e.Address = &addr
	return e
}

// WithOperation sets the operation name.
func (e *OperationError) WithOperation(operation string) *OperationError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *OperationError) WithCode(code string) *OperationError {
	e.Code = code
	return e
}

// WithDetail adds a detail field.
func (e *OperationError) WithDetail(key string, value interface{}) *OperationError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Description renders the error as a structured failure description.
func (e *OperationError) Description() *node.Node {
	d := node.New()
	d.Get("class").Set(node.String(string(e.Class)))
	if e.Code != "" {
		d.Get("code").Set(node.String(e.Code))
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	d.Get("message").Set(node.String(msg))
	if e.Address != nil {
		d.Get("address").Set(node.String(e.Address.String()))
	}
	if e.Operation != "" {
		d.Get("operation").Set(node.String(e.Operation))
	}
	if len(e.Details) > 0 {
		d.Get("details").Set(node.Of(e.Details))
	}
	return d
}

// AsOperationError returns err as an OperationError, wrapping anything else
// as unexpected.
func AsOperationError(err error) *OperationError {
	if err == nil {
		return nil
	}
	var e *OperationError
	if errors.As(err, &e) {
		return e
	}
	return NewUnexpectedError("unexpected failure", err)
}

// FailureDescription converts any error into a structured failure description.
func FailureDescription(err error) *node.Node {
	return AsOperationError(err).Description()
}

// ErrorFromDescription rebuilds an OperationError from a failure description
// received from a remote controller.
func ErrorFromDescription(d *node.Node) *OperationError {
	e := &OperationError{Class: ErrorClassTransport, Code: ErrCodeRemoteFailure}
	if d == nil || !d.IsDefined() {
		e.Message = "remote controller failed without a description"
		return e
	}
	if d.Kind() != node.KindObject {
		e.Message = d.AsString()
		return e
	}
	if c, ok := d.Lookup("class"); ok && c.IsDefined() {
		e.Class = ErrorClass(c.AsString())
	}
	if c, ok := d.Lookup("code"); ok && c.IsDefined() {
		e.Code = c.AsString()
	}
	if m, ok := d.Lookup("message"); ok {
		e.Message = m.AsString()
	}
	if a, ok := d.Lookup("address"); ok && a.IsDefined() {
		if addr, err := address.Parse(a.AsString()); err == nil {
			e.Address = &addr
		}
	}
	if o, ok := d.Lookup("operation"); ok && o.IsDefined() {
		e.Operation = o.AsString()
	}
	return e
}

func isClass(err error, class ErrorClass) bool {
	var e *OperationError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return isClass(err, ErrorClassValidation) }

// IsHandler reports whether err is a handler error.
func IsHandler(err error) bool { return isClass(err, ErrorClassHandler) }

// IsNoSuchResource reports whether err reports a missing or vanished resource.
func IsNoSuchResource(err error) bool { return isClass(err, ErrorClassNotFound) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return isClass(err, ErrorClassTransport) }

// IsRegistration reports whether err is a registration error.
func IsRegistration(err error) bool { return isClass(err, ErrorClassRegistration) }

// IsUnexpected reports whether err is an unexpected failure. Errors that are
// not OperationErrors count as unexpected.
func IsUnexpected(err error) bool {
	if err == nil {
		return false
	}
	var e *OperationError
	if errors.As(err, &e) {
		return e.Class == ErrorClassUnexpected
	}
	return true
}

// Common error codes.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeMissingParameter      = "MISSING_PARAMETER"
	ErrCodeInvalidParameter      = "INVALID_PARAMETER"
	ErrCodeUnknownOperation      = "UNKNOWN_OPERATION"
	ErrCodeUnknownAttribute      = "UNKNOWN_ATTRIBUTE"
	ErrCodeNoSuchResource        = "NO_SUCH_RESOURCE"
	ErrCodeDuplicateResource     = "DUPLICATE_RESOURCE"
	ErrCodeHandlerFailed         = "HANDLER_FAILED"
	ErrCodeRollbackOnly          = "ROLLBACK_ONLY"
	ErrCodeCapability            = "CAPABILITY_ERROR"
	ErrCodeTransport             = "TRANSPORT_ERROR"
	ErrCodeChannelClosed         = "CHANNEL_CLOSED"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeRemoteFailure         = "REMOTE_FAILURE"
	ErrCodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	ErrCodeNotRunning            = "NOT_RUNNING"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

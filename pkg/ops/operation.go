// Package ops defines the operation and response wire types, the failure
// taxonomy, and the contracts shared by the controller and proxy layers.
package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
)

var validate = validator.New()

// Outcome is the result status of an operation.
type Outcome string

const (
	// OutcomeSuccess indicates the operation succeeded.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed indicates the operation failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled indicates the operation was cancelled by the caller.
	OutcomeCancelled Outcome = "cancelled"
)

// Validate checks the outcome value.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// Headers are operation-level execution options.
type Headers struct {
	// RollbackOnRuntimeFailure controls whether a RUNTIME stage failure rolls
	// back the whole transaction. Nil means true.
	RollbackOnRuntimeFailure *bool `json:"rollback-on-runtime-failure,omitempty"`

	// BlockingTimeout bounds how long the caller waits, in seconds. Zero
	// means the controller default.
	BlockingTimeout int `json:"blocking-timeout,omitempty" validate:"gte=0"`
}

// RollbackOnRuntime reports the effective rollback-on-runtime-failure value.
func (h Headers) RollbackOnRuntime() bool {
	return h.RollbackOnRuntimeFailure == nil || *h.RollbackOnRuntimeFailure
}

// Timeout returns the blocking timeout, or def when unset.
func (h Headers) Timeout(def time.Duration) time.Duration {
	if h.BlockingTimeout > 0 {
		return time.Duration(h.BlockingTimeout) * time.Second
	}
	return def
}

// Operation is a request to execute a named operation at an address.
type Operation struct {
	Address address.PathAddress
	Name    string `validate:"required,max=256"`
	Params  *node.Node
	Headers Headers
}

// NewOperation creates an operation with empty parameters.
func NewOperation(name string, addr address.PathAddress) *Operation {
	return &Operation{Address: addr, Name: name, Params: node.Object()}
}

// Validate checks the operation's structure.
func (o *Operation) Validate() error {
	if err := validate.Struct(o); err != nil {
		return NewValidationError("invalid operation", err)
	}
	if o.Params != nil && o.Params.IsDefined() && o.Params.Kind() != node.KindObject {
		return NewValidationError("operation parameters must be an object", nil)
	}
	return nil
}

// Clone returns a deep copy.
func (o *Operation) Clone() *Operation {
	c := *o
	c.Params = o.params().Clone()
	if o.Headers.RollbackOnRuntimeFailure != nil {
		v := *o.Headers.RollbackOnRuntimeFailure
		c.Headers.RollbackOnRuntimeFailure = &v
	}
	return &c
}

// WithAddress returns a copy addressed at addr.
func (o *Operation) WithAddress(addr address.PathAddress) *Operation {
	c := o.Clone()
	c.Address = addr
	return c
}

func (o *Operation) params() *node.Node {
	if o.Params == nil {
		o.Params = node.Object()
	}
	return o.Params
}

// Param returns the named parameter, or an undefined node if absent.
func (o *Operation) Param(name string) *node.Node {
	if v, ok := o.params().Lookup(name); ok {
		return v
	}
	return node.New()
}

// HasParam reports whether the named parameter is defined.
func (o *Operation) HasParam(name string) bool {
	return o.params().HasDefined(name)
}

// SetParam sets a parameter and returns the operation.
func (o *Operation) SetParam(name string, value *node.Node) *Operation {
	o.params().Get(name).Set(value)
	return o
}

// BoolParam returns a boolean parameter or def.
func (o *Operation) BoolParam(name string, def bool) bool {
	return o.Param(name).BoolOr(def)
}

// IntParam returns an integer parameter or def.
func (o *Operation) IntParam(name string, def int64) int64 {
	return o.Param(name).IntOr(def)
}

// StringParam returns a string parameter or def.
func (o *Operation) StringParam(name, def string) string {
	p := o.Param(name)
	if !p.IsDefined() {
		return def
	}
	return p.AsString()
}

// RequireStringParam returns a string parameter or a validation error.
func (o *Operation) RequireStringParam(name string) (string, error) {
	p := o.Param(name)
	if !p.IsDefined() {
		return "", NewValidationError(fmt.Sprintf("missing required parameter '%s'", name), nil).
			WithCode(ErrCodeMissingParameter).WithOperation(o.Name).WithAddress(o.Address)
	}
	return p.AsString(), nil
}

type wireOperation struct {
	Address address.PathAddress `json:"address"`
	Name    string              `json:"operation"`
	Params  *node.Node          `json:"params,omitempty"`
	Headers *Headers            `json:"operation-headers,omitempty"`
}

// MarshalJSON encodes the operation in its wire form.
func (o *Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Address: o.Address, Name: o.Name}
	if p := o.params(); p.Len() > 0 {
		w.Params = p
	}
	if o.Headers != (Headers{}) {
		h := o.Headers
		w.Headers = &h
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. Parameters may be given in a "params"
// object or as additional top-level fields such as "recursive".
func (o *Operation) UnmarshalJSON(data []byte) error {
	raw, err := node.FromJSON(string(data))
	if err != nil {
		return err
	}
	if raw.Kind() != node.KindObject {
		return fmt.Errorf("operation must be a JSON object")
	}
	*o = Operation{Params: node.Object()}
	for _, k := range raw.Keys() {
		v := raw.Get(k)
		switch k {
		case "address":
			b, err := v.MarshalJSON()
			if err != nil {
				return err
			}
			if v.IsDefined() {
				if err := json.Unmarshal(b, &o.Address); err != nil {
					return err
				}
			}
		case "operation":
			o.Name = v.AsString()
		case "params":
			for _, pk := range v.Keys() {
				o.Params.Get(pk).Set(v.Get(pk))
			}
		case "operation-headers":
			b, err := v.MarshalJSON()
			if err != nil {
				return err
			}
			dec := json.NewDecoder(bytes.NewReader(b))
			if err := dec.Decode(&o.Headers); err != nil {
				return fmt.Errorf("invalid operation-headers: %w", err)
			}
		default:
			o.Params.Get(k).Set(v)
		}
	}
	return nil
}

// OperationFromNode decodes an operation held in a node, such as one step of
// a composite.
func OperationFromNode(n *node.Node) (*Operation, error) {
	if n.Kind() != node.KindObject {
		return nil, NewValidationError("operation must be an object, got "+n.Kind().String(), nil).
			WithCode(ErrCodeInvalidParameter)
	}
	b, err := n.MarshalJSON()
	if err != nil {
		return nil, err
	}
	op := &Operation{}
	if err := op.UnmarshalJSON(b); err != nil {
		return nil, NewValidationError("invalid operation", err).WithCode(ErrCodeInvalidParameter)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// Response is the result of executing an operation.
type Response struct {
	Outcome            Outcome    `json:"outcome"`
	Result             *node.Node `json:"result,omitempty"`
	FailureDescription *node.Node `json:"failure-description,omitempty"`
	RolledBack         bool       `json:"rolled-back,omitempty"`
	ResponseHeaders    *node.Node `json:"response-headers,omitempty"`
}

// Success returns a successful response carrying result.
func Success(result *node.Node) *Response {
	if result == nil {
		result = node.New()
	}
	return &Response{Outcome: OutcomeSuccess, Result: result}
}

// Failed returns a failed response describing err.
func Failed(err error, rolledBack bool) *Response {
	return &Response{
		Outcome:            OutcomeFailed,
		FailureDescription: FailureDescription(err),
		RolledBack:         rolledBack,
	}
}

// IsSuccess reports whether the outcome is success.
func (r *Response) IsSuccess() bool { return r != nil && r.Outcome == OutcomeSuccess }

// Err returns nil for a successful response, otherwise the failure as an
// OperationError.
func (r *Response) Err() error {
	if r == nil {
		return NewUnexpectedError("no response", nil)
	}
	if r.Outcome == OutcomeSuccess {
		return nil
	}
	return ErrorFromDescription(r.FailureDescription)
}

// ResultOrUndefined returns the result node, never nil.
func (r *Response) ResultOrUndefined() *node.Node {
	if r == nil || r.Result == nil {
		return node.New()
	}
	return r.Result
}

// Header returns a response header node, creating the headers object.
func (r *Response) Header(name string) *node.Node {
	if r.ResponseHeaders == nil {
		r.ResponseHeaders = node.Object()
	}
	return r.ResponseHeaders.Get(name)
}

// ToNode renders the response as a node, for embedding in fan-out results.
func (r *Response) ToNode() *node.Node {
	n := node.New()
	n.Get(FieldOutcome).Set(node.String(string(r.Outcome)))
	if r.Result != nil && (r.Result.IsDefined() || r.Outcome == OutcomeSuccess) {
		n.Get(FieldResult).Set(r.Result)
	}
	if r.FailureDescription != nil {
		n.Get(FieldFailureDescription).Set(r.FailureDescription)
	}
	if r.RolledBack {
		n.Get(FieldRolledBack).Set(node.Bool(true))
	}
	return n
}

// ResponseFromNode is the inverse of ToNode.
func ResponseFromNode(n *node.Node) *Response {
	r := &Response{Outcome: OutcomeFailed}
	if v, ok := n.Lookup(FieldOutcome); ok {
		r.Outcome = Outcome(v.AsString())
	}
	if v, ok := n.Lookup(FieldResult); ok {
		r.Result = v.Clone()
	}
	if v, ok := n.Lookup(FieldFailureDescription); ok {
		r.FailureDescription = v.Clone()
	}
	if v, ok := n.Lookup(FieldRolledBack); ok {
		r.RolledBack = v.BoolOr(false)
	}
	return r
}

package registry

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// OperationDefinition describes an operation.
type OperationDefinition struct {
	Name        string
	Description string
	Parameters  []*AttributeDefinition
	ReplyType   node.Kind

	// ReadOnly operations never modify the model. Only read-only operations
	// may target multi-target addresses.
	ReadOnly bool

	// RuntimeOnly operations act on running services and are not offered by
	// processes that run no servers.
	RuntimeOnly bool

	// RegistrationRead operations read the registration tree and are
	// resolved against it without expanding wildcards.
	RegistrationRead bool

	// Inherited operations are available at every descendant address.
	Inherited bool

	Deprecated string
}

// Parameter returns the named parameter definition.
func (d *OperationDefinition) Parameter(name string) (*AttributeDefinition, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ValidateParameters checks op's parameters against the definition.
// Unknown parameters are rejected.
func (d *OperationDefinition) ValidateParameters(op *ops.Operation) error {
	if op.Params != nil {
		for _, name := range op.Params.Keys() {
			if _, ok := d.Parameter(name); !ok {
				return ops.NewValidationError(fmt.Sprintf("unknown parameter '%s' for operation '%s'", name, d.Name), nil).
					WithCode(ops.ErrCodeInvalidParameter).WithAddress(op.Address).WithOperation(op.Name)
			}
		}
	}
	for _, p := range d.Parameters {
		if err := p.Validate(op.Param(p.Name)); err != nil {
			return ops.AsOperationError(err).WithAddress(op.Address).WithOperation(op.Name)
		}
	}
	return nil
}

// Describe renders the definition as description metadata.
func (d *OperationDefinition) Describe() *node.Node {
	n := node.New()
	n.Get("operation-name").Set(node.String(d.Name))
	n.Get("description").Set(node.String(d.Description))
	params := n.Get("request-properties")
	params.Set(node.Object())
	for _, p := range d.Parameters {
		params.Get(p.Name).Set(p.Describe())
	}
	reply := n.Get("reply-properties")
	reply.Set(node.Object())
	if d.ReplyType != node.KindUndefined {
		reply.Get("type").Set(node.String(d.ReplyType.String()))
	}
	n.Get("read-only").Set(node.Bool(d.ReadOnly))
	n.Get("runtime-only").Set(node.Bool(d.RuntimeOnly))
	if d.Deprecated != "" {
		n.Get("deprecated").Get("reason").Set(node.String(d.Deprecated))
	}
	return n
}

// OperationEntry is a registered operation.
type OperationEntry struct {
	Definition *OperationDefinition
	Handler    StepHandler
}

// NotificationDefinition describes a notification a resource may emit.
type NotificationDefinition struct {
	Type        string
	Description string
	DataType    *node.Node
}

// Describe renders the definition as description metadata.
func (n *NotificationDefinition) Describe() *node.Node {
	d := node.New()
	d.Get("notification-type").Set(node.String(n.Type))
	d.Get("description").Set(node.String(n.Description))
	if n.DataType.IsDefined() {
		d.Get("data-type").Set(n.DataType)
	}
	return d
}

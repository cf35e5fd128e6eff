package registry

import (
	"fmt"
	"strings"

	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/validation"
)

// Storage says where an attribute value lives.
type Storage string

const (
	// StorageConfiguration values are part of the persisted model.
	StorageConfiguration Storage = "configuration"
	// StorageRuntime values are computed by a reader and never persisted.
	StorageRuntime Storage = "runtime"
)

// AccessType says how an attribute may be used.
type AccessType string

const (
	AccessReadOnly  AccessType = "read-only"
	AccessReadWrite AccessType = "read-write"
	AccessMetric    AccessType = "metric"
)

// AttributeDefinition describes one attribute of a resource or one parameter
// of an operation.
type AttributeDefinition struct {
	Name        string
	Type        node.Kind
	Description string

	// Required attributes must be defined; all others are nillable.
	Required bool
	Default  *node.Node

	// AllowedValues restricts string values.
	AllowedValues   []string
	AllowExpression bool

	// Group is the attribute group the attribute belongs to, if any.
	Group string

	Storage Storage
	Access  AccessType

	// RestartRequired marks the process reload-required when written.
	RestartRequired bool

	// Alias attributes are alternate names for other attributes and are
	// excluded from reads unless include-aliases is set.
	Alias bool

	// ResourceOnly complex attributes are projected as child features.
	ResourceOnly bool

	// CapabilityReference names the capability base whose instance, named by
	// this attribute's value, the resource requires.
	CapabilityReference string

	// Constraint is a CUE expression or "#Name" the value must satisfy.
	Constraint string

	Deprecated string

	// Reader computes runtime values.
	Reader AttributeReader
}

// IsRuntime reports whether the attribute is computed rather than stored.
func (a *AttributeDefinition) IsRuntime() bool {
	return a.Storage == StorageRuntime
}

// IsWritable reports whether write-attribute may target the attribute.
func (a *AttributeDefinition) IsWritable() bool {
	return a.Access == AccessReadWrite
}

func (a *AttributeDefinition) normalize() error {
	if a.Name == "" {
		return fmt.Errorf("attribute definition has no name")
	}
	if a.Storage == "" {
		a.Storage = StorageConfiguration
	}
	if a.Access == "" {
		if a.Storage == StorageRuntime {
			a.Access = AccessReadOnly
		} else {
			a.Access = AccessReadWrite
		}
	}
	if a.Storage == StorageRuntime && a.Reader == nil {
		return fmt.Errorf("runtime attribute '%s' has no reader", a.Name)
	}
	if a.Constraint != "" {
		if err := validation.Default().Compile(a.Constraint); err != nil {
			return fmt.Errorf("attribute '%s': %w", a.Name, err)
		}
	}
	return nil
}

// Validate checks value against the definition. Undefined values pass unless
// the attribute is required and has no default.
func (a *AttributeDefinition) Validate(value *node.Node) error {
	if !value.IsDefined() {
		if a.Required && !a.Default.IsDefined() {
			return a.invalid("'%s' is required", a.Name).WithCode(ops.ErrCodeMissingParameter)
		}
		return nil
	}
	if value.Kind() == node.KindExpression {
		if !a.AllowExpression {
			return a.invalid("'%s' does not allow expressions", a.Name)
		}
		return nil
	}
	if a.Type != node.KindUndefined && !convertible(value, a.Type) {
		return a.invalid("'%s' must be of type %s, got %s", a.Name, a.Type, value.Kind())
	}
	if len(a.AllowedValues) > 0 {
		s := value.AsString()
		ok := false
		for _, v := range a.AllowedValues {
			if v == s {
				ok = true
				break
			}
		}
		if !ok {
			return a.invalid("'%s' must be one of [%s], got '%s'", a.Name, strings.Join(a.AllowedValues, ", "), s)
		}
	}
	if a.Constraint != "" {
		converted, err := a.Convert(value)
		if err != nil {
			return a.invalid("'%s': %v", a.Name, err)
		}
		if err := validation.Check(a.Constraint, converted.Interface()); err != nil {
			return a.invalid("'%s': %v", a.Name, err)
		}
	}
	return nil
}

func (a *AttributeDefinition) invalid(format string, args ...interface{}) *ops.OperationError {
	return ops.NewValidationError(fmt.Sprintf(format, args...), nil).WithCode(ops.ErrCodeInvalidParameter)
}

// Convert coerces value to the declared type. Expressions are kept as is.
func (a *AttributeDefinition) Convert(value *node.Node) (*node.Node, error) {
	if !value.IsDefined() || value.Kind() == node.KindExpression || a.Type == node.KindUndefined || value.Kind() == a.Type {
		return value.Clone(), nil
	}
	switch a.Type {
	case node.KindBool:
		b, err := value.AsBool()
		if err != nil {
			return nil, err
		}
		return node.Bool(b), nil
	case node.KindInt:
		i, err := value.AsInt()
		if err != nil {
			return nil, err
		}
		return node.Int(i), nil
	case node.KindFloat:
		f, err := value.AsFloat()
		if err != nil {
			return nil, err
		}
		return node.Float(f), nil
	case node.KindString:
		return node.String(value.AsString()), nil
	}
	return nil, fmt.Errorf("cannot convert %s to %s", value.Kind(), a.Type)
}

func convertible(value *node.Node, kind node.Kind) bool {
	if value.Kind() == kind {
		return true
	}
	var err error
	switch kind {
	case node.KindBool:
		_, err = value.AsBool()
	case node.KindInt:
		_, err = value.AsInt()
	case node.KindFloat:
		_, err = value.AsFloat()
	case node.KindString:
		k := value.Kind()
		return k != node.KindList && k != node.KindObject
	default:
		return false
	}
	return err == nil
}

// Describe renders the definition as description metadata.
func (a *AttributeDefinition) Describe() *node.Node {
	d := node.New()
	d.Get("type").Set(node.String(a.Type.String()))
	d.Get("description").Set(node.String(a.Description))
	d.Get("expressions-allowed").Set(node.Bool(a.AllowExpression))
	d.Get("required").Set(node.Bool(a.Required))
	d.Get("nillable").Set(node.Bool(!a.Required))
	if a.Default.IsDefined() {
		d.Get("default").Set(a.Default)
	}
	if len(a.AllowedValues) > 0 {
		d.Get("allowed").Set(node.Of(a.AllowedValues))
	}
	if a.Group != "" {
		d.Get("attribute-group").Set(node.String(a.Group))
	}
	if a.CapabilityReference != "" {
		d.Get("capability-reference").Set(node.String(a.CapabilityReference))
	}
	if a.Constraint != "" {
		d.Get("constraint").Set(node.String(a.Constraint))
	}
	if a.Deprecated != "" {
		d.Get("deprecated").Get("reason").Set(node.String(a.Deprecated))
	}
	if a.RestartRequired {
		d.Get("restart-required").Set(node.String("all-services"))
	} else {
		d.Get("restart-required").Set(node.String("no-services"))
	}
	if a.ResourceOnly {
		d.Get("resource-only").Set(node.Bool(true))
	}
	d.Get("access-type").Set(node.String(string(a.Access)))
	d.Get("storage").Set(node.String(string(a.Storage)))
	return d
}

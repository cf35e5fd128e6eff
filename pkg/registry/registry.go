// Package registry implements the registration tree: the metadata mirror of
// the resource tree holding attribute and operation definitions, handlers,
// capabilities, aliases and proxy mounts.
//
// Registrations are append-only per address. Registering a second node of any
// kind at an address that already has one fails immediately. All nodes of one
// tree share a single RWMutex, so lookups are safe against concurrent
// programmatic registration.
package registry

import (
	"fmt"
	"sync"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// Kind is the variant of a registration node.
type Kind int

const (
	// KindConcrete is an ordinary registration with its own metadata.
	KindConcrete Kind = iota
	// KindAlias redirects to another registration.
	KindAlias
	// KindProxy delegates the whole subtree to a remote controller.
	KindProxy
)

func (k Kind) String() string {
	switch k {
	case KindConcrete:
		return "concrete"
	case KindAlias:
		return "alias"
	case KindProxy:
		return "proxy"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ResourceDefinition describes a resource type to register.
type ResourceDefinition struct {
	Element       address.PathElement
	Description   string
	Attributes    []*AttributeDefinition
	Notifications []*NotificationDefinition
	Capabilities  []capability.Capability

	// RuntimeOnly resources are not persisted and are only read with
	// include-runtime.
	RuntimeOnly bool

	// Ordered resources keep positional order among their siblings and
	// accept add-index on add.
	Ordered bool

	// NonFeature excludes the resource from feature projection.
	NonFeature bool
}

type tree struct {
	mu sync.RWMutex
}

// Registration is one node of the registration tree.
type Registration struct {
	tree    *tree
	parent  *Registration
	element address.PathElement
	kind    Kind

	description string
	runtimeOnly bool
	ordered     bool
	nonFeature  bool

	attrNames []string
	attrs     map[string]*AttributeDefinition

	opNames []string
	ops     map[string]*OperationEntry

	notifications []*NotificationDefinition
	capabilities  []capability.Capability

	childTypes  []string
	childValues map[string][]string
	children    map[string]map[string]*Registration

	// generic is the wildcard registration an override extends.
	generic *Registration
	alias   *AliasEntry
	proxy   ops.ProxyController
}

// NewRoot creates the root of a registration tree.
func NewRoot(description string) *Registration {
	return newRegistration(&tree{}, nil, address.PathElement{}, KindConcrete, description)
}

func newRegistration(t *tree, parent *Registration, elem address.PathElement, kind Kind, description string) *Registration {
	return &Registration{
		tree:        t,
		parent:      parent,
		element:     elem,
		kind:        kind,
		description: description,
		attrs:       make(map[string]*AttributeDefinition),
		ops:         make(map[string]*OperationEntry),
		childValues: make(map[string][]string),
		children:    make(map[string]map[string]*Registration),
	}
}

func (r *Registration) duplicateError(elem address.PathElement, what string) error {
	return ops.NewRegistrationError(
		fmt.Sprintf("a registration for %s already exists at %s", what, r.addressLocked().Append(elem)), nil).
		WithAddress(r.addressLocked().Append(elem))
}

// addChildLocked attaches a new child. Callers hold the write lock.
func (r *Registration) addChildLocked(elem address.PathElement, kind Kind, description string) (*Registration, error) {
	if r.kind != KindConcrete {
		return nil, ops.NewRegistrationError(
			fmt.Sprintf("cannot register %s below %s registration %s", elem, r.kind, r.addressLocked()), nil)
	}
	if elem.Key == "" || elem.Value == "" {
		return nil, ops.NewRegistrationError(fmt.Sprintf("invalid registration element '%s'", elem), nil)
	}
	if isMultiValue(elem.Value) {
		return nil, ops.NewRegistrationError(fmt.Sprintf("cannot register multi-value element '%s'", elem), nil)
	}
	byValue := r.children[elem.Key]
	if byValue == nil {
		byValue = make(map[string]*Registration)
		r.children[elem.Key] = byValue
		r.childTypes = append(r.childTypes, elem.Key)
	}
	if _, exists := byValue[elem.Value]; exists {
		return nil, r.duplicateError(elem, elem.String())
	}
	child := newRegistration(r.tree, r, elem, kind, description)
	byValue[elem.Value] = child
	r.childValues[elem.Key] = append(r.childValues[elem.Key], elem.Value)
	return child, nil
}

func isMultiValue(v string) bool {
	return len(v) >= 2 && v[0] == '[' && v[len(v)-1] == ']'
}

// RegisterSubModel registers a concrete child described by def. Use
// address.WildcardElement for a wildcard registration.
func (r *Registration) RegisterSubModel(def ResourceDefinition) (*Registration, error) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	child, err := r.addChildLocked(def.Element, KindConcrete, def.Description)
	if err != nil {
		return nil, err
	}
	child.runtimeOnly = def.RuntimeOnly
	child.ordered = def.Ordered
	child.nonFeature = def.NonFeature
	for _, a := range def.Attributes {
		if err := child.registerAttributeLocked(a); err != nil {
			r.removeChildLocked(def.Element)
			return nil, err
		}
	}
	child.notifications = append(child.notifications, def.Notifications...)
	child.capabilities = append(child.capabilities, def.Capabilities...)
	return child, nil
}

// RegisterOverrideModel registers a specific instance of a wildcard
// registration that adds metadata beyond the generic definition. r must be a
// wildcard registration.
func (r *Registration) RegisterOverrideModel(value string, def ResourceDefinition) (*Registration, error) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	if !r.element.IsWildcard() || r.kind != KindConcrete || r.parent == nil {
		return nil, ops.NewRegistrationError(
			fmt.Sprintf("override models can only be registered on wildcard registrations, not %s", r.addressLocked()), nil)
	}
	elem := address.Element(r.element.Key, value)
	desc := def.Description
	if desc == "" {
		desc = r.description
	}
	child, err := r.parent.addChildLocked(elem, KindConcrete, desc)
	if err != nil {
		return nil, err
	}
	child.generic = r
	child.runtimeOnly = r.runtimeOnly || def.RuntimeOnly
	child.ordered = r.ordered
	child.nonFeature = r.nonFeature || def.NonFeature
	for _, a := range def.Attributes {
		if _, exists := r.attrs[a.Name]; exists {
			r.parent.removeChildLocked(elem)
			return nil, r.parent.duplicateError(elem, "attribute "+a.Name)
		}
		if err := child.registerAttributeLocked(a); err != nil {
			r.parent.removeChildLocked(elem)
			return nil, err
		}
	}
	child.notifications = append(child.notifications, def.Notifications...)
	child.capabilities = append(child.capabilities, def.Capabilities...)
	return child, nil
}

// RegisterAlias registers an alias at elem that redirects to entry.Target.
func (r *Registration) RegisterAlias(elem address.PathElement, entry *AliasEntry) (*Registration, error) {
	if entry == nil || entry.Target == nil {
		return nil, ops.NewRegistrationError("alias has no target", nil)
	}
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	child, err := r.addChildLocked(elem, KindAlias, entry.Target.description)
	if err != nil {
		return nil, err
	}
	child.alias = entry
	return child, nil
}

// RegisterProxyController mounts a remote controller at elem.
func (r *Registration) RegisterProxyController(elem address.PathElement, proxy ops.ProxyController) (*Registration, error) {
	if proxy == nil {
		return nil, ops.NewRegistrationError("nil proxy controller", nil)
	}
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	child, err := r.addChildLocked(elem, KindProxy, "remote controller")
	if err != nil {
		return nil, err
	}
	child.proxy = proxy
	child.runtimeOnly = true
	return child, nil
}

func (r *Registration) removeChildLocked(elem address.PathElement) *Registration {
	byValue := r.children[elem.Key]
	child, ok := byValue[elem.Value]
	if !ok {
		return nil
	}
	delete(byValue, elem.Value)
	values := r.childValues[elem.Key]
	for i, v := range values {
		if v == elem.Value {
			r.childValues[elem.Key] = append(values[:i], values[i+1:]...)
			break
		}
	}
	if len(byValue) == 0 {
		delete(r.children, elem.Key)
		delete(r.childValues, elem.Key)
		for i, t := range r.childTypes {
			if t == elem.Key {
				r.childTypes = append(r.childTypes[:i], r.childTypes[i+1:]...)
				break
			}
		}
	}
	return child
}

// UnregisterSubModel removes a concrete child registration.
func (r *Registration) UnregisterSubModel(elem address.PathElement) error {
	return r.unregister(elem, KindConcrete)
}

// UnregisterAlias removes an alias registration.
func (r *Registration) UnregisterAlias(elem address.PathElement) error {
	return r.unregister(elem, KindAlias)
}

// UnregisterProxyController removes a proxy mount.
func (r *Registration) UnregisterProxyController(elem address.PathElement) error {
	return r.unregister(elem, KindProxy)
}

func (r *Registration) unregister(elem address.PathElement, kind Kind) error {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	child, ok := r.children[elem.Key][elem.Value]
	if !ok {
		return ops.NewRegistrationError(fmt.Sprintf("no registration at %s", r.addressLocked().Append(elem)), nil)
	}
	if child.kind != kind {
		return ops.NewRegistrationError(
			fmt.Sprintf("registration at %s is %s, not %s", r.addressLocked().Append(elem), child.kind, kind), nil)
	}
	r.removeChildLocked(elem)
	return nil
}

// RegisterAttribute adds an attribute definition.
func (r *Registration) RegisterAttribute(def *AttributeDefinition) error {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	if r.kind != KindConcrete {
		return ops.NewRegistrationError(fmt.Sprintf("cannot register attributes on %s registration", r.kind), nil)
	}
	if r.generic != nil {
		if _, exists := r.generic.attrs[def.Name]; exists {
			return ops.NewRegistrationError(fmt.Sprintf("attribute '%s' is already defined by %s", def.Name, r.generic.addressLocked()), nil)
		}
	}
	return r.registerAttributeLocked(def)
}

func (r *Registration) registerAttributeLocked(def *AttributeDefinition) error {
	if err := def.normalize(); err != nil {
		return ops.NewRegistrationError(err.Error(), nil).WithAddress(r.addressLocked())
	}
	if _, exists := r.attrs[def.Name]; exists {
		return ops.NewRegistrationError(
			fmt.Sprintf("attribute '%s' is already registered at %s", def.Name, r.addressLocked()), nil)
	}
	r.attrs[def.Name] = def
	r.attrNames = append(r.attrNames, def.Name)
	return nil
}

// UnregisterAttribute removes an attribute definition.
func (r *Registration) UnregisterAttribute(name string) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	if _, ok := r.attrs[name]; !ok {
		return
	}
	delete(r.attrs, name)
	for i, n := range r.attrNames {
		if n == name {
			r.attrNames = append(r.attrNames[:i], r.attrNames[i+1:]...)
			break
		}
	}
}

// RegisterOperation adds an operation handler.
func (r *Registration) RegisterOperation(def *OperationDefinition, handler StepHandler) error {
	if def == nil || def.Name == "" || handler == nil {
		return ops.NewRegistrationError("operation registration needs a named definition and a handler", nil)
	}
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()

	if r.kind == KindProxy {
		return ops.NewRegistrationError("cannot register operations on a proxy registration", nil)
	}
	if _, exists := r.ops[def.Name]; exists {
		return ops.NewRegistrationError(
			fmt.Sprintf("operation '%s' is already registered at %s", def.Name, r.addressLocked()), nil)
	}
	r.ops[def.Name] = &OperationEntry{Definition: def, Handler: handler}
	r.opNames = append(r.opNames, def.Name)
	return nil
}

// RegisterNotification adds a notification definition.
func (r *Registration) RegisterNotification(def *NotificationDefinition) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.notifications = append(r.notifications, def)
}

// RegisterCapability declares a capability provided by resources of this
// registration.
func (r *Registration) RegisterCapability(c capability.Capability) {
	r.tree.mu.Lock()
	defer r.tree.mu.Unlock()
	r.capabilities = append(r.capabilities, c)
}

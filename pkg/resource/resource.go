// Package resource implements the resource tree: the live attribute values
// and children of the management model.
//
// Resources are shared structurally between snapshots. A transaction never
// mutates a resource reachable from a committed root; it first obtains a
// writable copy of every resource on the path to the one it changes (see
// Tree.ForUpdate).
package resource

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// Resource is a node of the resource tree.
type Resource struct {
	model       *node.Node
	types       []string
	children    map[string]*childSet
	ordered     map[string]bool
	runtime     bool
	proxy       bool
	placeholder bool
}

type childSet struct {
	names  []string
	byName map[string]*Resource
}

// New returns an empty resource.
func New() *Resource {
	return &Resource{model: node.Object()}
}

// NewRuntime returns a runtime-only resource. Runtime resources are not
// persisted.
func NewRuntime() *Resource {
	r := New()
	r.runtime = true
	return r
}

// NewProxy returns a proxy resource. Proxy resources have no local children.
func NewProxy() *Resource {
	r := New()
	r.runtime = true
	r.proxy = true
	return r
}

// NewPlaceholder returns a placeholder standing in for a runtime resource that
// has no backing node, such as a declared runtime-only child whose values are
// computed by attribute handlers.
func NewPlaceholder() *Resource {
	r := NewRuntime()
	r.placeholder = true
	return r
}

// WithOrderedChildren returns a resource whose listed child types preserve
// positional insertion.
func WithOrderedChildren(types ...string) *Resource {
	r := New()
	for _, t := range types {
		r.SetOrderedChildType(t)
	}
	return r
}

// Model returns the attribute map. It is mutable only on a resource obtained
// for update.
func (r *Resource) Model() *node.Node { return r.model }

// WriteModel replaces the attribute map.
func (r *Resource) WriteModel(m *node.Node) {
	if m == nil || !m.IsDefined() {
		r.model = node.Object()
		return
	}
	r.model = m.Clone()
}

// IsRuntime reports whether the resource is excluded from persistence.
func (r *Resource) IsRuntime() bool { return r.runtime }

// IsProxy reports whether the resource delegates to a remote controller.
func (r *Resource) IsProxy() bool { return r.proxy }

// IsPlaceholder reports whether the resource only stands in for computed
// runtime values.
func (r *Resource) IsPlaceholder() bool { return r.placeholder }

// SetRuntime marks the resource runtime-only.
func (r *Resource) SetRuntime(runtime bool) { r.runtime = runtime }

// SetOrderedChildType makes children of childType keep positional order.
func (r *Resource) SetOrderedChildType(childType string) {
	if r.ordered == nil {
		r.ordered = make(map[string]bool)
	}
	r.ordered[childType] = true
}

// IsOrderedChildType reports whether childType supports indexed insertion.
func (r *Resource) IsOrderedChildType(childType string) bool { return r.ordered[childType] }

// OrderedChildTypes returns the child types that keep positional order.
func (r *Resource) OrderedChildTypes() []string {
	var out []string
	for _, t := range r.types {
		if r.ordered[t] {
			out = append(out, t)
		}
	}
	for t := range r.ordered {
		if _, ok := r.children[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// ChildTypes returns the types that currently have children, in the order
// they were first added.
func (r *Resource) ChildTypes() []string {
	out := make([]string, 0, len(r.types))
	for _, t := range r.types {
		if cs := r.children[t]; cs != nil && len(cs.names) > 0 {
			out = append(out, t)
		}
	}
	return out
}

// HasChildren reports whether any child of childType exists.
func (r *Resource) HasChildren(childType string) bool {
	cs := r.children[childType]
	return cs != nil && len(cs.names) > 0
}

// HasAnyChildren reports whether the resource has any children.
func (r *Resource) HasAnyChildren() bool {
	for _, cs := range r.children {
		if len(cs.names) > 0 {
			return true
		}
	}
	return false
}

// ChildNames returns the names of children of childType in order.
func (r *Resource) ChildNames(childType string) []string {
	cs := r.children[childType]
	if cs == nil {
		return nil
	}
	return append([]string(nil), cs.names...)
}

// Child returns the child identified by elem.
func (r *Resource) Child(elem address.PathElement) (*Resource, bool) {
	cs := r.children[elem.Key]
	if cs == nil {
		return nil, false
	}
	c, ok := cs.byName[elem.Value]
	return c, ok
}

// HasChild reports whether the child identified by elem exists.
func (r *Resource) HasChild(elem address.PathElement) bool {
	_, ok := r.Child(elem)
	return ok
}

// RequireChild returns the child or a no-such-resource error whose address is
// the child's address below parentAddr.
func (r *Resource) RequireChild(parentAddr address.PathAddress, elem address.PathElement) (*Resource, error) {
	if c, ok := r.Child(elem); ok {
		return c, nil
	}
	return nil, ops.NewNoSuchResourceError(parentAddr.Append(elem))
}

// RegisterChild appends a child. Registering an existing name is an error.
func (r *Resource) RegisterChild(elem address.PathElement, child *Resource) error {
	return r.RegisterChildAt(elem, -1, child)
}

// RegisterChildAt inserts a child at index for ordered child types. A negative
// index appends and an index past the end clamps to the end. For unordered
// types the index is ignored.
func (r *Resource) RegisterChildAt(elem address.PathElement, index int, child *Resource) error {
	if r.proxy {
		return fmt.Errorf("proxy resource cannot hold child %s", elem)
	}
	if elem.IsMultiTarget() || elem.Value == "" {
		return fmt.Errorf("cannot register child at non-concrete element %s", elem)
	}
	if r.children == nil {
		r.children = make(map[string]*childSet)
	}
	cs := r.children[elem.Key]
	if cs == nil {
		cs = &childSet{byName: make(map[string]*Resource)}
		r.children[elem.Key] = cs
		r.types = append(r.types, elem.Key)
	}
	if _, exists := cs.byName[elem.Value]; exists {
		return ops.NewHandlerError(fmt.Sprintf("duplicate resource %s", elem), nil).
			WithCode(ops.ErrCodeDuplicateResource)
	}
	cs.byName[elem.Value] = child
	if index < 0 || !r.ordered[elem.Key] || index >= len(cs.names) {
		cs.names = append(cs.names, elem.Value)
		return nil
	}
	cs.names = append(cs.names, "")
	copy(cs.names[index+1:], cs.names[index:])
	cs.names[index] = elem.Value
	return nil
}

// ReplaceChild swaps in a new node for an existing child, keeping its position.
func (r *Resource) ReplaceChild(elem address.PathElement, child *Resource) {
	cs := r.children[elem.Key]
	if cs == nil {
		return
	}
	if _, ok := cs.byName[elem.Value]; ok {
		cs.byName[elem.Value] = child
	}
}

// RemoveChild removes and returns the child identified by elem.
func (r *Resource) RemoveChild(elem address.PathElement) *Resource {
	cs := r.children[elem.Key]
	if cs == nil {
		return nil
	}
	c, ok := cs.byName[elem.Value]
	if !ok {
		return nil
	}
	delete(cs.byName, elem.Value)
	for i, n := range cs.names {
		if n == elem.Value {
			cs.names = append(cs.names[:i], cs.names[i+1:]...)
			break
		}
	}
	return c
}

// Navigate walks addr below r.
func (r *Resource) Navigate(addr address.PathAddress) (*Resource, error) {
	cur := r
	for i := 0; i < addr.Len(); i++ {
		next, err := cur.RequireChild(addr.SubAddress(0, i), addr.Element(i))
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// ShallowCopy returns a copy with its own attribute map and child index whose
// entries still point at the original children.
func (r *Resource) ShallowCopy() *Resource {
	c := &Resource{
		model:       r.model.Clone(),
		types:       append([]string(nil), r.types...),
		runtime:     r.runtime,
		proxy:       r.proxy,
		placeholder: r.placeholder,
	}
	if r.ordered != nil {
		c.ordered = make(map[string]bool, len(r.ordered))
		for k, v := range r.ordered {
			c.ordered[k] = v
		}
	}
	if r.children != nil {
		c.children = make(map[string]*childSet, len(r.children))
		for t, cs := range r.children {
			ncs := &childSet{
				names:  append([]string(nil), cs.names...),
				byName: make(map[string]*Resource, len(cs.byName)),
			}
			for n, child := range cs.byName {
				ncs.byName[n] = child
			}
			c.children[t] = ncs
		}
	}
	return c
}

// Clone returns a deep copy of the subtree.
func (r *Resource) Clone() *Resource {
	c := r.ShallowCopy()
	for _, cs := range c.children {
		for n, child := range cs.byName {
			cs.byName[n] = child.Clone()
		}
	}
	return c
}

// Walk visits r and every descendant depth-first, parents before children and
// children in order. Returning false from fn skips the subtree.
func (r *Resource) Walk(addr address.PathAddress, fn func(address.PathAddress, *Resource) bool) {
	if !fn(addr, r) {
		return
	}
	for _, t := range r.ChildTypes() {
		for _, n := range r.ChildNames(t) {
			child, _ := r.Child(address.Element(t, n))
			child.Walk(addr.Append(address.Element(t, n)), fn)
		}
	}
}

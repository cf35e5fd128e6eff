package registry

import (
	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// Kind returns the registration's variant.
func (r *Registration) Kind() Kind { return r.kind }

// IsAlias reports whether the registration is an alias.
func (r *Registration) IsAlias() bool { return r.kind == KindAlias }

// IsRemote reports whether the registration is a proxy mount.
func (r *Registration) IsRemote() bool { return r.kind == KindProxy }

// Element returns the element the registration was registered under.
func (r *Registration) Element() address.PathElement { return r.element }

// Parent returns the parent registration, nil for the root.
func (r *Registration) Parent() *Registration { return r.parent }

// IsWildcard reports whether the registration matches any child name.
func (r *Registration) IsWildcard() bool { return r.element.IsWildcard() }

// IsOverride reports whether the registration extends a wildcard
// registration for one specific name.
func (r *Registration) IsOverride() bool { return r.generic != nil }

// Generic returns the wildcard registration an override extends.
func (r *Registration) Generic() *Registration { return r.generic }

// IsRuntimeOnly reports whether resources of this registration are runtime
// only.
func (r *Registration) IsRuntimeOnly() bool { return r.runtimeOnly }

// IsOrdered reports whether resources of this registration keep positional
// order among siblings.
func (r *Registration) IsOrdered() bool { return r.ordered }

// IsFeature reports whether the registration projects to a feature.
func (r *Registration) IsFeature() bool { return !r.nonFeature && !r.runtimeOnly && r.kind == KindConcrete }

// Description returns the human-readable description.
func (r *Registration) Description() string { return r.description }

// AliasEntry returns the alias target, nil unless IsAlias.
func (r *Registration) AliasEntry() *AliasEntry { return r.alias }

// ProxyController returns the remote delegate, nil unless IsRemote.
func (r *Registration) ProxyController() ops.ProxyController { return r.proxy }

// Address returns the registration's address pattern.
func (r *Registration) Address() address.PathAddress {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()
	return r.addressLocked()
}

func (r *Registration) addressLocked() address.PathAddress {
	var elems []address.PathElement
	for cur := r; cur.parent != nil; cur = cur.parent {
		elems = append(elems, cur.element)
	}
	for i, j := 0, len(elems)-1; i < j; i, j = i+1, j-1 {
		elems[i], elems[j] = elems[j], elems[i]
	}
	return address.New(elems...)
}

// target follows alias entries to the registration holding real metadata.
func (r *Registration) target() *Registration {
	cur := r
	for i := 0; cur.kind == KindAlias && i < 32; i++ {
		cur = cur.alias.Target
	}
	return cur
}

// Sub returns the child registration matching elem. An exact value match
// wins over the wildcard registration. For an alias the lookup happens on
// the alias target. Proxies have no local children.
func (r *Registration) Sub(elem address.PathElement) *Registration {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()
	return r.subLocked(elem)
}

func (r *Registration) subLocked(elem address.PathElement) *Registration {
	src := r.target()
	if src.kind == KindProxy {
		return nil
	}
	if c := src.childLocked(elem); c != nil {
		return c
	}
	if src.generic != nil {
		return src.generic.childLocked(elem)
	}
	return nil
}

func (r *Registration) childLocked(elem address.PathElement) *Registration {
	byValue := r.children[elem.Key]
	if byValue == nil {
		return nil
	}
	if !elem.IsMultiTarget() {
		if c, ok := byValue[elem.Value]; ok {
			return c
		}
	}
	return byValue[address.Wildcard]
}

// Navigate walks addr from r. Walking stops at a proxy registration, which is
// returned even if addr continues below it. It returns nil when no
// registration matches.
func (r *Registration) Navigate(addr address.PathAddress) *Registration {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	cur := r
	for i := 0; i < addr.Len(); i++ {
		if cur.kind == KindProxy {
			return cur
		}
		next := cur.subLocked(addr.Element(i))
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

// Attributes returns attribute definitions in declaration order. Overrides
// list the generic attributes first.
func (r *Registration) Attributes() []*AttributeDefinition {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()
	return r.attributesLocked()
}

func (r *Registration) attributesLocked() []*AttributeDefinition {
	src := r.target()
	var out []*AttributeDefinition
	if src.generic != nil {
		out = src.generic.attributesLocked()
	}
	for _, n := range src.attrNames {
		out = append(out, src.attrs[n])
	}
	return out
}

// AttributeNames returns attribute names in declaration order.
func (r *Registration) AttributeNames() []string {
	defs := r.Attributes()
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

// Attribute returns the named attribute definition.
func (r *Registration) Attribute(name string) (*AttributeDefinition, bool) {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	if d, ok := src.attrs[name]; ok {
		return d, true
	}
	if src.generic != nil {
		d, ok := src.generic.attrs[name]
		return d, ok
	}
	return nil, false
}

// Operation returns the operation registered under name here, on the
// generic registration of an override, or as an inherited operation on an
// ancestor.
func (r *Registration) Operation(name string) (*OperationEntry, bool) {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	if e, ok := src.ops[name]; ok {
		return e, true
	}
	if src.generic != nil {
		if e, ok := src.generic.ops[name]; ok {
			return e, true
		}
	}
	for p := src.parent; p != nil; p = p.parent {
		if e, ok := p.ops[name]; ok && e.Definition.Inherited {
			return e, true
		}
	}
	if src != r {
		for p := r.parent; p != nil; p = p.parent {
			if e, ok := p.ops[name]; ok && e.Definition.Inherited {
				return e, true
			}
		}
	}
	return nil, false
}

// Operations returns the operations available at this registration in
// registration order. With inherited, operations inherited from ancestors
// are included after the local ones.
func (r *Registration) Operations(inherited bool) []*OperationEntry {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	seen := make(map[string]bool)
	var out []*OperationEntry
	add := func(reg *Registration, onlyInherited bool) {
		for _, n := range reg.opNames {
			e := reg.ops[n]
			if seen[n] || (onlyInherited && !e.Definition.Inherited) {
				continue
			}
			seen[n] = true
			out = append(out, e)
		}
	}
	add(src, false)
	if src.generic != nil {
		add(src.generic, false)
	}
	if inherited {
		for p := src.parent; p != nil; p = p.parent {
			add(p, true)
		}
	}
	return out
}

// Notifications returns the notification definitions.
func (r *Registration) Notifications() []*NotificationDefinition {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	var out []*NotificationDefinition
	if src.generic != nil {
		out = append(out, src.generic.notifications...)
	}
	return append(out, src.notifications...)
}

// Capabilities returns the declared capabilities.
func (r *Registration) Capabilities() []capability.Capability {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	var out []capability.Capability
	if src.generic != nil {
		out = append(out, src.generic.capabilities...)
	}
	return append(out, src.capabilities...)
}

// ChildTypes returns the registered child types in registration order.
func (r *Registration) ChildTypes() []string {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	if src.kind == KindProxy {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range src.childTypes {
		seen[t] = true
		out = append(out, t)
	}
	if src.generic != nil {
		for _, t := range src.generic.childTypes {
			if !seen[t] {
				out = append(out, t)
			}
		}
	}
	return out
}

// ChildRegistrations returns the registrations of childType in registration
// order.
func (r *Registration) ChildRegistrations(childType string) []*Registration {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	seen := make(map[string]bool)
	var out []*Registration
	collect := func(reg *Registration) {
		for _, v := range reg.childValues[childType] {
			if !seen[v] {
				seen[v] = true
				out = append(out, reg.children[childType][v])
			}
		}
	}
	collect(src)
	if src.generic != nil {
		collect(src.generic)
	}
	return out
}

// IsSingletonType reports whether childType has only fixed-name
// registrations, with no wildcard.
func (r *Registration) IsSingletonType(childType string) bool {
	r.tree.mu.RLock()
	defer r.tree.mu.RUnlock()

	src := r.target()
	byValue := src.children[childType]
	if len(byValue) == 0 && src.generic != nil {
		byValue = src.generic.children[childType]
	}
	if len(byValue) == 0 {
		return false
	}
	_, wildcard := byValue[address.Wildcard]
	return !wildcard
}

// IsRuntimeOnlyType reports whether every registration of childType is
// runtime only.
func (r *Registration) IsRuntimeOnlyType(childType string) bool {
	regs := r.ChildRegistrations(childType)
	if len(regs) == 0 {
		return false
	}
	for _, c := range regs {
		if !c.IsRuntimeOnly() {
			return false
		}
	}
	return true
}

// IsOrderedType reports whether childType keeps positional order.
func (r *Registration) IsOrderedType(childType string) bool {
	for _, c := range r.ChildRegistrations(childType) {
		if c.IsOrdered() {
			return true
		}
	}
	return false
}

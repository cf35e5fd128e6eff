// Package capability tracks which resources provide named capabilities and
// which resources require them.
package capability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// Capability is a capability declared by a resource registration. A dynamic
// capability gets one instance per resource, named after the resource's last
// address element value.
type Capability struct {
	Name    string
	Dynamic bool
}

// InstanceName returns the capability name for the resource at addr.
func (c Capability) InstanceName(addr address.PathAddress) string {
	if !c.Dynamic || addr.IsEmpty() {
		return c.Name
	}
	return DynamicName(c.Name, addr.Last().Value)
}

// DynamicName joins a base capability name and a dynamic element.
func DynamicName(base, element string) string {
	return base + "." + element
}

// Requirement is an edge from a requiring resource to a capability name.
type Requirement struct {
	Address   address.PathAddress
	Attribute string
	Required  string
	Optional  bool
}

func (r Requirement) key() string {
	return r.Address.String() + "#" + r.Attribute + "#" + r.Required
}

// Registry maps capability names to providers and records requirements.
//
// A Registry is not synchronized. The controller gives each writing
// transaction its own Clone and swaps the clone in on commit.
type Registry struct {
	providers    map[string]address.PathAddress
	requirements map[string]Requirement
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers:    make(map[string]address.PathAddress),
		requirements: make(map[string]Requirement),
	}
}

// RegisterCapability records that addr provides name. A capability has one
// provider; registering it from a second address is an error.
func (r *Registry) RegisterCapability(name string, addr address.PathAddress) error {
	if prev, ok := r.providers[name]; ok && !prev.Equal(addr) {
		return ops.NewHandlerError(
			fmt.Sprintf("capability '%s' is already provided by %s", name, prev), nil).
			WithCode(ops.ErrCodeCapability).WithAddress(addr)
	}
	r.providers[name] = addr
	return nil
}

// RemoveCapability removes name if addr is its provider.
func (r *Registry) RemoveCapability(name string, addr address.PathAddress) {
	if prev, ok := r.providers[name]; ok && prev.Equal(addr) {
		delete(r.providers, name)
	}
}

// RegisterRequirement records a requirement edge.
func (r *Registry) RegisterRequirement(req Requirement) {
	r.requirements[req.key()] = req
}

// RemoveRequirement removes a single requirement edge.
func (r *Registry) RemoveRequirement(req Requirement) {
	delete(r.requirements, req.key())
}

// RemoveRequirementsFrom drops every requirement declared by addr.
func (r *Registry) RemoveRequirementsFrom(addr address.PathAddress) {
	for k, req := range r.requirements {
		if req.Address.Equal(addr) {
			delete(r.requirements, k)
		}
	}
}

// HasCapability reports whether name has a provider.
func (r *Registry) HasCapability(name string) bool {
	_, ok := r.providers[name]
	return ok
}

// ProviderOf returns the provider of name.
func (r *Registry) ProviderOf(name string) (address.PathAddress, bool) {
	a, ok := r.providers[name]
	return a, ok
}

// Names returns every provided capability name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Requirements returns all requirement edges sorted by requiring address.
func (r *Registry) Requirements() []Requirement {
	out := make([]Requirement, 0, len(r.requirements))
	for _, req := range r.requirements {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Clone returns an independent copy.
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	for k, v := range r.providers {
		c.providers[k] = v
	}
	for k, v := range r.requirements {
		c.requirements[k] = v
	}
	return c
}

// Validate checks that every mandatory requirement has a provider.
func (r *Registry) Validate() error {
	var missing []string
	var first address.PathAddress
	for _, req := range r.Requirements() {
		if req.Optional || r.HasCapability(req.Required) {
			continue
		}
		if len(missing) == 0 {
			first = req.Address
		}
		missing = append(missing, fmt.Sprintf("%s requires '%s'", req.Address, req.Required))
	}
	if len(missing) == 0 {
		return nil
	}
	return ops.NewValidationError("unsatisfied capability requirements: "+strings.Join(missing, "; "), nil).
		WithCode(ops.ErrCodeCapability).WithAddress(first).
		WithDetail("missing", missing)
}

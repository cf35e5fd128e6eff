package global

import (
	"strings"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/resource"
)

// FeatureName returns the dotted feature name of a registration address:
// fixed elements contribute "key.value", wildcard elements their key.
func FeatureName(addr address.PathAddress) string {
	var parts []string
	for _, e := range addr.Elements() {
		parts = append(parts, e.Key)
		if !e.IsWildcard() {
			parts = append(parts, e.Value)
		}
	}
	return strings.Join(parts, ".")
}

// featureParams maps attribute names to feature parameter names. Names that
// collide with an address key or a reserved name get a "-feature" suffix.
type featureParams struct {
	reserved map[string]bool
}

func newFeatureParams(ctx registry.OperationContext, addr address.PathAddress) featureParams {
	p := featureParams{reserved: make(map[string]bool)}
	for _, n := range ctx.ReservedFeatureNames() {
		p.reserved[n] = true
	}
	for _, e := range addr.Elements() {
		p.reserved[e.Key] = true
	}
	return p
}

func (p featureParams) name(attr string) string {
	if p.reserved[attr] {
		return attr + "-feature"
	}
	return attr
}

// featureAttributes are the attributes projected as parameters.
func featureAttributes(reg *registry.Registration) (params, complexChildren []*registry.AttributeDefinition) {
	for _, def := range reg.Attributes() {
		switch {
		case def.IsRuntime() || def.Alias:
		case def.ResourceOnly:
			complexChildren = append(complexChildren, def)
		default:
			params = append(params, def)
		}
	}
	return params, complexChildren
}

func addressParams(addr address.PathAddress) *node.Node {
	list := node.List()
	for _, e := range addr.Elements() {
		p := node.Object()
		p.Get("name").Set(node.String(e.Key))
		p.Get("feature-id").Set(node.Bool(true))
		if !e.IsWildcard() {
			p.Get("default").Set(node.String(e.Value))
		}
		list.Append(p)
	}
	return list
}

// describeFeature renders the feature spec of a registration.
func describeFeature(ctx registry.OperationContext, reg *registry.Registration, recursive bool) *node.Node {
	addr := reg.Address()
	name := FeatureName(addr)
	names := newFeatureParams(ctx, addr)
	f := node.Object()
	f.Get("name").Set(node.String(name))

	params := f.Get("params").Set(addressParams(addr))
	attrs, complexChildren := featureAttributes(reg)
	for _, def := range attrs {
		p := node.Object()
		p.Get("name").Set(node.String(names.name(def.Name)))
		p.Get("type").Set(node.String(def.Type.String()))
		p.Get("nillable").Set(node.Bool(!def.Required))
		if def.Default.IsDefined() {
			p.Get("default").Set(def.Default)
		}
		params.Append(p)
	}

	if parent := reg.Parent(); parent != nil && parent.Parent() != nil && parent.IsFeature() {
		ref := node.Object()
		ref.Get("feature").Set(node.String(FeatureName(parent.Address())))
		f.Get("refs").Set(node.List()).Append(ref)
	}

	var requires []*node.Node
	for _, def := range attrs {
		if def.CapabilityReference == "" {
			continue
		}
		r := node.Object()
		r.Get("name").Set(node.String(def.CapabilityReference + ".$" + names.name(def.Name)))
		r.Get("optional").Set(node.Bool(!def.Required))
		requires = append(requires, r)
	}
	if len(requires) > 0 {
		f.Get("requires").Set(node.List(requires...))
	}

	if caps := reg.Capabilities(); len(caps) > 0 {
		provides := f.Get("provides").Set(node.List())
		for _, c := range caps {
			n := c.Name
			if c.Dynamic && !addr.IsEmpty() {
				n += ".$" + addr.Last().Key
			}
			provides.Append(node.String(n))
		}
	}

	if !recursive {
		return f
	}
	var children []*node.Node
	for _, def := range complexChildren {
		c := node.Object()
		c.Get("name").Set(node.String(name + "." + def.Name))
		c.Get("params").Set(addressParams(addr))
		ref := node.Object()
		ref.Get("feature").Set(node.String(name))
		c.Get("refs").Set(node.List(ref))
		children = append(children, c)
	}
	for _, childType := range reg.ChildTypes() {
		for _, c := range reg.ChildRegistrations(childType) {
			if c.IsFeature() {
				children = append(children, describeFeature(ctx, c, true))
			}
		}
	}
	if len(children) > 0 {
		f.Get("children").Set(node.List(children...))
	}
	return f
}

// readFeatureDescription is undefined for registrations that are not
// features: runtime-only, non-feature, alias and proxy registrations.
func readFeatureDescription(ctx registry.OperationContext, op *ops.Operation) error {
	reg := ctx.ResourceRegistration()
	if reg == nil || !reg.IsFeature() || reg.Parent() == nil {
		ctx.Result().Set(node.New())
		return nil
	}
	ctx.Result().Get("feature").Set(describeFeature(ctx, reg, op.BoolParam(ops.ParamRecursive, false)))
	return nil
}

// readConfigAsFeatures exports every feature instance below the current
// resource. With nested, child features are listed in their parent's
// "children"; otherwise the list is flat, parents first.
func readConfigAsFeatures(ctx registry.OperationContext, op *ops.Operation) error {
	res, err := ctx.ReadResource(address.Empty)
	if err != nil {
		return err
	}
	nested := op.BoolParam(ops.ParamNested, true)
	out := node.List()
	exportFeatures(ctx, ctx.ResourceRegistration(), res, ctx.CurrentAddress(), nested, out)
	ctx.Result().Set(out)
	return nil
}

func exportFeatures(ctx registry.OperationContext, reg *registry.Registration, res *resource.Resource,
	addr address.PathAddress, nested bool, out *node.Node) {
	into := out
	if reg.IsFeature() && !addr.IsEmpty() && !res.IsRuntime() {
		f := featureInstance(ctx, reg, res, addr)
		if nested {
			// Append copies, so fill children on the copy held by out.
			out.Append(f)
			into = out.Index(out.Len() - 1).Get("children").Set(node.List())
		} else {
			out.Append(f)
		}
		_, complexChildren := featureAttributes(reg)
		for _, def := range complexChildren {
			v, ok := res.Model().Lookup(def.Name)
			if !ok || !v.IsDefined() {
				continue
			}
			into.Append(complexInstance(ctx, reg, def, v, addr))
		}
	}

	for _, childType := range res.ChildTypes() {
		for _, name := range res.ChildNames(childType) {
			elem := address.Element(childType, name)
			child, ok := res.Child(elem)
			if !ok || child.IsRuntime() {
				continue
			}
			creg := reg.Sub(elem)
			if creg == nil {
				continue
			}
			exportFeatures(ctx, creg, child, addr.Append(elem), nested, into)
		}
	}
	if nested && into != out && into.Len() == 0 {
		out.Index(out.Len() - 1).Remove("children")
	}
}

func featureID(addr address.PathAddress) *node.Node {
	id := node.Object()
	for _, e := range addr.Elements() {
		id.Get(e.Key).Set(node.String(e.Value))
	}
	return id
}

func featureInstance(ctx registry.OperationContext, reg *registry.Registration, res *resource.Resource,
	addr address.PathAddress) *node.Node {
	names := newFeatureParams(ctx, addr)
	f := node.Object()
	f.Get("spec").Set(node.String(FeatureName(reg.Address())))
	f.Get("id").Set(featureID(addr))
	params := node.Object()
	attrs, _ := featureAttributes(reg)
	for _, def := range attrs {
		if v, ok := res.Model().Lookup(def.Name); ok && v.IsDefined() {
			params.Get(names.name(def.Name)).Set(v)
		}
	}
	if params.Len() > 0 {
		f.Get("params").Set(params)
	}
	return f
}

func complexInstance(ctx registry.OperationContext, reg *registry.Registration, def *registry.AttributeDefinition,
	value *node.Node, addr address.PathAddress) *node.Node {
	names := newFeatureParams(ctx, addr)
	f := node.Object()
	f.Get("spec").Set(node.String(FeatureName(reg.Address()) + "." + def.Name))
	f.Get("id").Set(featureID(addr))
	params := node.Object()
	if value.Kind() == node.KindObject {
		for _, k := range value.Keys() {
			v, _ := value.Lookup(k)
			params.Get(names.name(k)).Set(v)
		}
	} else {
		params.Get(names.name(def.Name)).Set(value)
	}
	f.Get("params").Set(params)
	return f
}

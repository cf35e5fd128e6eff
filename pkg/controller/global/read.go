package global

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/resource"
)

const maxAliasHops = 16

type readOptions struct {
	// depth is the number of child levels to read; -1 reads the whole subtree.
	depth           int
	includeRuntime  bool
	includeDefaults bool
	includeAliases  bool
	attributesOnly  bool
	resolve         bool
}

func readOptionsFrom(op *ops.Operation) readOptions {
	o := readOptions{
		includeRuntime:  op.BoolParam(ops.ParamIncludeRuntime, false),
		includeDefaults: op.BoolParam(ops.ParamIncludeDefaults, true),
		includeAliases:  op.BoolParam(ops.ParamIncludeAliases, false),
		attributesOnly:  op.BoolParam(ops.ParamAttributesOnly, false),
		resolve:         op.BoolParam(ops.ParamResolveExpressions, false),
	}
	if d := op.IntParam(ops.ParamRecursiveDepth, 0); d > 0 {
		o.depth = int(d)
	} else if op.BoolParam(ops.ParamRecursive, false) {
		o.depth = -1
	}
	return o
}

// forward builds the read-resource sent to a proxied child.
func (o readOptions) forward(addr address.PathAddress, depth int) *ops.Operation {
	op := ops.NewOperation(ops.OpReadResource, addr).
		SetParam(ops.ParamIncludeRuntime, node.Bool(o.includeRuntime)).
		SetParam(ops.ParamIncludeDefaults, node.Bool(o.includeDefaults)).
		SetParam(ops.ParamIncludeAliases, node.Bool(o.includeAliases)).
		SetParam(ops.ParamResolveExpressions, node.Bool(o.resolve))
	switch {
	case depth < 0:
		op.SetParam(ops.ParamRecursive, node.Bool(true))
	case depth > 0:
		op.SetParam(ops.ParamRecursiveDepth, node.Int(int64(depth)))
	}
	return op
}

func childDepth(depth int) int {
	if depth < 0 {
		return depth
	}
	return depth - 1
}

// readTarget returns the resource the step addresses. A declared runtime-only
// singleton with no backing resource reads as a placeholder.
func readTarget(ctx registry.OperationContext) (*resource.Resource, error) {
	res, err := ctx.ReadResource(address.Empty)
	if err == nil {
		return res, nil
	}
	reg := ctx.ResourceRegistration()
	if ops.IsNoSuchResource(err) && reg != nil && reg.IsRuntimeOnly() && !reg.IsWildcard() {
		return resource.NewPlaceholder(), nil
	}
	return nil, err
}

func unknownAttribute(name string, addr address.PathAddress) error {
	return ops.NewValidationError(fmt.Sprintf("unknown attribute '%s'", name), nil).
		WithCode(ops.ErrCodeUnknownAttribute).WithAddress(addr)
}

// attributeValue returns the value reported for def. Runtime attributes are
// computed by their reader. Undefined stored values fall back to the default
// when includeDefaults is set.
func attributeValue(ctx registry.OperationContext, o readOptions, def *registry.AttributeDefinition,
	model *node.Node, addr address.PathAddress) (*node.Node, error) {
	var v *node.Node
	if def.IsRuntime() {
		read, err := def.Reader(ctx, addr)
		if err != nil {
			return nil, err
		}
		v = read
	} else if stored, ok := model.Lookup(def.Name); ok {
		v = stored
	}
	if !v.IsDefined() {
		if o.includeDefaults && def.Default.IsDefined() {
			return def.Default.Clone(), nil
		}
		return node.New(), nil
	}
	if o.resolve {
		return ctx.ResolveExpressions(v)
	}
	return v.Clone(), nil
}

// readAttributes writes every declared attribute selected by keep into out,
// undefined ones included, in declaration order.
func readAttributes(ctx registry.OperationContext, o readOptions, reg *registry.Registration,
	res *resource.Resource, addr address.PathAddress, keep func(*registry.AttributeDefinition) bool, out *node.Node) error {
	model := res.Model()
	for _, def := range reg.Attributes() {
		if keep != nil && !keep(def) {
			continue
		}
		if def.Alias && !o.includeAliases {
			continue
		}
		if def.IsRuntime() && !o.includeRuntime {
			continue
		}
		v, err := attributeValue(ctx, o, def, model, addr)
		if err != nil {
			return err
		}
		out.Get(def.Name).Set(v)
	}
	return nil
}

type childEntry struct {
	name string
	// addr is where the content is read. For an alias child it is the
	// alias target.
	addr        address.PathAddress
	reg         *registry.Registration
	remote      bool
	placeholder bool
}

// childEntries lists the children of childType visible with the given
// options: existing resources, alias children, proxied children and
// declared runtime-only singletons.
func childEntries(ctx registry.OperationContext, o readOptions, reg *registry.Registration,
	res *resource.Resource, addr address.PathAddress, childType string) ([]childEntry, error) {
	var out []childEntry
	seen := make(map[string]bool)
	add := func(e childEntry) {
		if !seen[e.name] {
			seen[e.name] = true
			out = append(out, e)
		}
	}

	for _, name := range res.ChildNames(childType) {
		elem := address.Element(childType, name)
		child, ok := res.Child(elem)
		if !ok {
			continue
		}
		creg := reg.Sub(elem)
		if creg == nil || creg.IsAlias() {
			continue
		}
		if (child.IsRuntime() || creg.IsRuntimeOnly()) && !o.includeRuntime {
			continue
		}
		add(childEntry{name: name, addr: addr.Append(elem), reg: creg, remote: creg.IsRemote()})
	}

	for _, creg := range reg.ChildRegistrations(childType) {
		value := creg.Element().Value
		switch {
		case creg.IsAlias():
			if !o.includeAliases {
				continue
			}
			names := []string{value}
			if creg.IsWildcard() {
				names = wildcardAliasNames(ctx, creg, addr.Append(creg.Element()))
			}
			for _, name := range names {
				target, treg, err := resolveAlias(ctx, creg, addr.Append(address.Element(childType, name)))
				if err != nil {
					if ops.IsNoSuchResource(err) {
						continue
					}
					return nil, err
				}
				if _, err := ctx.ReadResourceFromRoot(target); err != nil {
					continue
				}
				add(childEntry{name: name, addr: target, reg: treg})
			}
		case creg.IsRemote():
			if o.includeRuntime && !creg.IsWildcard() {
				add(childEntry{name: value, addr: addr.Append(creg.Element()), reg: creg, remote: true})
			}
		case creg.IsRuntimeOnly() && !creg.IsWildcard():
			if o.includeRuntime {
				add(childEntry{name: value, addr: addr.Append(creg.Element()), reg: creg, placeholder: true})
			}
		}
	}
	return out, nil
}

// resolveAlias follows alias registrations from addr to a concrete address.
func resolveAlias(ctx registry.OperationContext, reg *registry.Registration,
	addr address.PathAddress) (address.PathAddress, *registry.Registration, error) {
	for hops := 0; reg != nil && reg.IsAlias(); hops++ {
		if hops >= maxAliasHops {
			return address.Empty, nil, ops.NewValidationError("alias chain is too long", nil).WithAddress(addr)
		}
		target, err := reg.AliasEntry().ConvertToTargetAddress(addr, ctx)
		if err != nil {
			return address.Empty, nil, err
		}
		addr = target
		reg = ctx.RootResourceRegistration().Navigate(target)
	}
	if reg == nil {
		return address.Empty, nil, ops.NewNoSuchResourceError(addr)
	}
	return addr, reg, nil
}

// wildcardAliasNames lists the names a wildcard alias takes: the existing
// children of the target type.
func wildcardAliasNames(ctx registry.OperationContext, alias *registry.Registration, pattern address.PathAddress) []string {
	target, err := alias.AliasEntry().ConvertToTargetAddress(pattern, ctx)
	if err != nil || target.IsEmpty() || !target.Last().IsWildcard() {
		return nil
	}
	res, err := ctx.ReadResourceFromRoot(target.Parent())
	if err != nil {
		return nil
	}
	return res.ChildNames(target.Last().Key)
}

// visibleChildTypes drops child types made only of runtime or alias
// registrations unless the options ask for them.
func visibleChildTypes(reg *registry.Registration, o readOptions) []string {
	var out []string
	for _, t := range reg.ChildTypes() {
		if !o.includeRuntime && reg.IsRuntimeOnlyType(t) {
			continue
		}
		if !o.includeAliases && isAliasType(reg, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func isAliasType(reg *registry.Registration, childType string) bool {
	regs := reg.ChildRegistrations(childType)
	if len(regs) == 0 {
		return false
	}
	for _, c := range regs {
		if !c.IsAlias() {
			return false
		}
	}
	return true
}

// readResourceInto renders res into out. Children down to depth are read by
// steps scheduled on the MODEL stage, so each child is looked up again when
// its step runs. A child that is gone by then is dropped from the result.
func readResourceInto(ctx registry.OperationContext, o readOptions, reg *registry.Registration,
	res *resource.Resource, addr address.PathAddress, depth int, out *node.Node) error {
	out.Set(node.Object())
	if err := readAttributes(ctx, o, reg, res, addr, nil, out); err != nil {
		return err
	}
	if o.attributesOnly {
		return nil
	}
	for _, childType := range visibleChildTypes(reg, o) {
		entries, err := childEntries(ctx, o, reg, res, addr, childType)
		if err != nil {
			return err
		}
		slot := out.Get(childType)
		if len(entries) == 0 {
			continue
		}
		slot.Set(node.Object())
		for _, e := range entries {
			target := slot.Get(e.name)
			if depth == 0 {
				continue
			}
			if err := scheduleChildRead(ctx, o, e, slot, target, childDepth(depth)); err != nil {
				return err
			}
		}
	}
	return nil
}

// scheduleChildRead queues the read of one child into target. parent is the
// child-type object holding target.
func scheduleChildRead(ctx registry.OperationContext, o readOptions, e childEntry,
	parent, target *node.Node, depth int) error {
	if e.remote {
		return ctx.AddResolvedStep(target, registry.StageModel, o.forward(e.addr, depth))
	}
	op := ops.NewOperation(ops.OpReadResource, e.addr)
	return ctx.AddStepWithResult(target, registry.StageModel, op,
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			res, err := ctx.ReadResourceFromRoot(e.addr)
			switch {
			case err == nil:
			case ops.IsNoSuchResource(err) && e.placeholder:
				res = resource.NewPlaceholder()
			case ops.IsNoSuchResource(err):
				parent.Remove(e.name)
				return nil
			default:
				return err
			}
			err = readResourceInto(ctx, o, e.reg, res, e.addr, depth, ctx.Result())
			if ops.IsNoSuchResource(err) && !e.placeholder {
				parent.Remove(e.name)
				return nil
			}
			return err
		}))
}

func readResource(ctx registry.OperationContext, op *ops.Operation) error {
	o := readOptionsFrom(op)
	res, err := readTarget(ctx)
	if err != nil {
		return err
	}
	return readResourceInto(ctx, o, ctx.ResourceRegistration(), res, ctx.CurrentAddress(), o.depth, ctx.Result())
}

func readAttribute(ctx registry.OperationContext, op *ops.Operation) error {
	name, err := op.RequireStringParam(ops.ParamName)
	if err != nil {
		return err
	}
	def, ok := ctx.ResourceRegistration().Attribute(name)
	if !ok {
		return unknownAttribute(name, ctx.CurrentAddress())
	}
	res, err := readTarget(ctx)
	if err != nil {
		return err
	}
	o := readOptions{
		includeRuntime:  true,
		includeDefaults: op.BoolParam(ops.ParamIncludeDefaults, true),
		includeAliases:  true,
		resolve:         op.BoolParam(ops.ParamResolveExpressions, false),
	}
	v, err := attributeValue(ctx, o, def, res.Model(), ctx.CurrentAddress())
	if err != nil {
		return err
	}
	ctx.Result().Set(v)
	return nil
}

func requireChildType(ctx registry.OperationContext, op *ops.Operation) (string, error) {
	childType, err := op.RequireStringParam(ops.ParamChildType)
	if err != nil {
		return "", err
	}
	for _, t := range ctx.ResourceRegistration().ChildTypes() {
		if t == childType {
			return childType, nil
		}
	}
	return "", ops.NewValidationError(fmt.Sprintf("no child type '%s'", childType), nil).
		WithCode(ops.ErrCodeInvalidParameter).WithAddress(ctx.CurrentAddress())
}

func readChildrenNames(ctx registry.OperationContext, op *ops.Operation) error {
	childType, err := requireChildType(ctx, op)
	if err != nil {
		return err
	}
	res, err := readTarget(ctx)
	if err != nil {
		return err
	}
	o := readOptionsFrom(op)
	entries, err := childEntries(ctx, o, ctx.ResourceRegistration(), res, ctx.CurrentAddress(), childType)
	if err != nil {
		return err
	}
	names := node.List()
	for _, e := range entries {
		names.Append(node.String(e.name))
	}
	ctx.Result().Set(names)
	return nil
}

// readChildrenTypes lists child types. With include-singletons each
// fixed-name registration is also listed as "type=name".
func readChildrenTypes(ctx registry.OperationContext, op *ops.Operation) error {
	o := readOptionsFrom(op)
	singletons := op.BoolParam(ops.ParamIncludeSingletons, false)
	reg := ctx.ResourceRegistration()
	types := node.List()
	for _, t := range visibleChildTypes(reg, o) {
		types.Append(node.String(t))
		if !singletons {
			continue
		}
		for _, c := range reg.ChildRegistrations(t) {
			if c.IsWildcard() || (c.IsAlias() && !o.includeAliases) || (c.IsRuntimeOnly() && !o.includeRuntime) {
				continue
			}
			types.Append(node.String(c.Element().String()))
		}
	}
	ctx.Result().Set(types)
	return nil
}

func readChildrenResources(ctx registry.OperationContext, op *ops.Operation) error {
	childType, err := requireChildType(ctx, op)
	if err != nil {
		return err
	}
	res, err := readTarget(ctx)
	if err != nil {
		return err
	}
	o := readOptionsFrom(op)
	entries, err := childEntries(ctx, o, ctx.ResourceRegistration(), res, ctx.CurrentAddress(), childType)
	if err != nil {
		return err
	}
	out := ctx.Result().Set(node.Object())
	for _, e := range entries {
		if err := scheduleChildRead(ctx, o, e, out, out.Get(e.name), o.depth); err != nil {
			return err
		}
	}
	return nil
}

func readAttributeGroup(ctx registry.OperationContext, op *ops.Operation) error {
	group, err := op.RequireStringParam(ops.ParamName)
	if err != nil {
		return err
	}
	res, err := readTarget(ctx)
	if err != nil {
		return err
	}
	o := readOptionsFrom(op)
	out := ctx.Result().Set(node.Object())
	return readAttributes(ctx, o, ctx.ResourceRegistration(), res, ctx.CurrentAddress(),
		func(def *registry.AttributeDefinition) bool { return def.Group == group }, out)
}

func readAttributeGroupNames(ctx registry.OperationContext, _ *ops.Operation) error {
	seen := make(map[string]bool)
	names := node.List()
	for _, def := range ctx.ResourceRegistration().Attributes() {
		if def.Group == "" || seen[def.Group] {
			continue
		}
		seen[def.Group] = true
		names.Append(node.String(def.Group))
	}
	ctx.Result().Set(names)
	return nil
}

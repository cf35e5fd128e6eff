package global

import (
	"fmt"
	"sort"

	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

type describeOptions struct {
	depth          int
	includeAliases bool
	operations     bool
	notifications  bool
	inherited      bool
}

func describeOptionsFrom(op *ops.Operation) describeOptions {
	o := describeOptions{
		includeAliases: op.BoolParam(ops.ParamIncludeAliases, false),
		operations:     op.BoolParam(ops.ParamOperations, false),
		notifications:  op.BoolParam(ops.ParamNotifications, false),
		inherited:      op.BoolParam(ops.ParamInherited, true),
	}
	if d := op.IntParam(ops.ParamRecursiveDepth, 0); d > 0 {
		o.depth = int(d)
	} else if op.BoolParam(ops.ParamRecursive, false) {
		o.depth = -1
	}
	return o
}

// offered reports whether the operation is available in this process.
// Processes that run no servers do not offer runtime-only operations.
func offered(ctx registry.OperationContext, def *registry.OperationDefinition) bool {
	return !def.RuntimeOnly || ctx.ProcessType().RunsServers()
}

// descriptionText returns the description of reg, or of its target when
// reg is an alias.
func descriptionText(reg *registry.Registration) string {
	if reg.IsAlias() && reg.AliasEntry() != nil && reg.AliasEntry().Target != nil {
		if d := reg.Description(); d != "" {
			return d
		}
		return descriptionText(reg.AliasEntry().Target)
	}
	return reg.Description()
}

// describe renders the description of reg. Alias registrations describe
// their target. Proxied registrations are described without content.
func describe(ctx registry.OperationContext, reg *registry.Registration, o describeOptions, depth int) *node.Node {
	d := node.Object()
	d.Get("description").Set(node.String(descriptionText(reg)))
	switch {
	case reg.IsRemote():
		d.Get("proxy").Set(node.Bool(true))
		return d
	case reg.IsRuntimeOnly():
		d.Get("storage").Set(node.String(string(registry.StorageRuntime)))
	default:
		d.Get("storage").Set(node.String(string(registry.StorageConfiguration)))
	}
	if reg.IsOrdered() {
		d.Get("ordered").Set(node.Bool(true))
	}
	if caps := reg.Capabilities(); len(caps) > 0 {
		list := d.Get("capabilities").Set(node.List())
		for _, c := range caps {
			cd := node.Object()
			cd.Get("name").Set(node.String(c.Name))
			cd.Get("dynamic").Set(node.Bool(c.Dynamic))
			list.Append(cd)
		}
	}

	attrs := d.Get("attributes").Set(node.Object())
	for _, def := range reg.Attributes() {
		if def.Alias && !o.includeAliases {
			continue
		}
		attrs.Get(def.Name).Set(def.Describe())
	}

	if o.operations {
		opsNode := d.Get("operations").Set(node.Object())
		for _, e := range reg.Operations(o.inherited) {
			if offered(ctx, e.Definition) {
				opsNode.Get(e.Definition.Name).Set(e.Definition.Describe())
			}
		}
	}
	if o.notifications {
		nn := d.Get("notifications").Set(node.Object())
		for _, n := range reg.Notifications() {
			nn.Get(n.Type).Set(n.Describe())
		}
	}

	children := d.Get("children").Set(node.Object())
	for _, childType := range reg.ChildTypes() {
		if !o.includeAliases && isAliasType(reg, childType) {
			continue
		}
		var regs []*registry.Registration
		for _, c := range reg.ChildRegistrations(childType) {
			if c.IsAlias() && !o.includeAliases {
				continue
			}
			regs = append(regs, c)
		}
		if len(regs) == 0 {
			continue
		}
		ct := children.Get(childType)
		ct.Get("description").Set(node.String(descriptionText(regs[0])))
		md := ct.Get("model-description").Set(node.Object())
		for _, c := range regs {
			slot := md.Get(c.Element().Value)
			if depth != 0 {
				slot.Set(describe(ctx, c, o, childDepth(depth)))
			}
		}
	}
	return d
}

func readResourceDescription(ctx registry.OperationContext, op *ops.Operation) error {
	o := describeOptionsFrom(op)
	reg := ctx.ResourceRegistration()
	if reg == nil {
		return ops.NewNoSuchResourceError(ctx.CurrentAddress())
	}
	ctx.Result().Set(describe(ctx, reg, o, o.depth))
	return nil
}

func readOperationNames(ctx registry.OperationContext, _ *ops.Operation) error {
	var names []string
	for _, e := range ctx.ResourceRegistration().Operations(true) {
		if offered(ctx, e.Definition) {
			names = append(names, e.Definition.Name)
		}
	}
	sort.Strings(names)
	ctx.Result().Set(node.Of(names))
	return nil
}

func readOperationDescription(ctx registry.OperationContext, op *ops.Operation) error {
	name, err := op.RequireStringParam(ops.ParamName)
	if err != nil {
		return err
	}
	e, ok := ctx.ResourceRegistration().Operation(name)
	if !ok || !offered(ctx, e.Definition) {
		return ops.NewValidationError(fmt.Sprintf("no operation '%s'", name), nil).
			WithCode(ops.ErrCodeUnknownOperation).WithAddress(ctx.CurrentAddress())
	}
	ctx.Result().Set(e.Definition.Describe())
	return nil
}

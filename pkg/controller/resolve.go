package controller

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

const maxAliasHops = 16

// fanItem collects the outcome for one concrete target of a multi-target
// read.
type fanItem struct {
	address address.PathAddress
	result  *node.Node
	err     error
}

func (f *fanItem) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

// resolveStep schedules op. Single-target addresses are dispatched
// directly. Multi-target addresses are expanded against the registration
// tree and the snapshot, one dispatched step per concrete target, and result
// becomes the list of per-target outcomes.
func (oc *operationContext) resolveStep(result *node.Node, stage registry.Stage, op *ops.Operation, item *fanItem) error {
	if !op.Address.IsMultiTarget() {
		return oc.dispatch(result, stage, op, item, 0)
	}

	def, remote := lookupDefinition(oc.c.rootReg, op.Address, 0, op.Name)
	if def == nil && !remote {
		return ops.NewValidationError(fmt.Sprintf("no operation '%s' at %s", op.Name, op.Address), nil).
			WithCode(ops.ErrCodeUnknownOperation).WithAddress(op.Address).WithOperation(op.Name)
	}
	if def != nil && !def.ReadOnly {
		return ops.NewValidationError(fmt.Sprintf("operation '%s' cannot target multiple resources", op.Name), nil).
			WithCode(ops.ErrCodeInvalidParameter).WithAddress(op.Address).WithOperation(op.Name)
	}

	byRegistration := def != nil && def.RegistrationRead
	var targets []address.PathAddress
	if err := oc.expand(oc.c.rootReg, address.Empty, address.Empty, op.Address, byRegistration, 0, &targets); err != nil {
		return err
	}

	result.Set(node.List())
	items := make([]*fanItem, 0, len(targets))
	for _, target := range targets {
		it := &fanItem{address: target, result: node.New()}
		items = append(items, it)
		if err := oc.dispatch(it.result, stage, op.WithAddress(target), it, 0); err != nil {
			it.fail(err)
		}
	}
	oc.finalizers = append(oc.finalizers, func() { collectItems(result, items) })
	return nil
}

// collectItems renders the per-target outcomes. Targets that vanished are
// left out. A target forwarded to a remote controller as a multi-target
// request contributes the remote's list entries.
func collectItems(result *node.Node, items []*fanItem) {
	for _, it := range items {
		if it.err != nil && ops.IsNoSuchResource(it.err) {
			continue
		}
		if it.err == nil && it.address.IsMultiTarget() && it.result.Kind() == node.KindList {
			for _, e := range it.result.Elements() {
				result.Append(e)
			}
			continue
		}
		entry := node.Object()
		entry.Get(ops.FieldAddress).Set(ops.AddressNode(it.address))
		if it.err != nil {
			entry.Get(ops.FieldOutcome).Set(node.String(string(ops.OutcomeFailed)))
			entry.Get(ops.FieldFailureDescription).Set(ops.FailureDescription(it.err))
		} else {
			entry.Get(ops.FieldOutcome).Set(node.String(string(ops.OutcomeSuccess)))
			entry.Get(ops.FieldResult).Set(it.result)
		}
		result.Append(entry)
	}
}

// lookupDefinition finds the definition of name for any registration that
// addr could match. remote is true when the walk reaches a proxy, in which
// case the definition is the remote's business.
func lookupDefinition(reg *registry.Registration, addr address.PathAddress, i int, name string) (def *registry.OperationDefinition, remote bool) {
	if reg.IsRemote() {
		return nil, true
	}
	if i == addr.Len() {
		if e, ok := reg.Operation(name); ok {
			return e.Definition, false
		}
		return nil, false
	}
	el := addr.Element(i)
	var candidates []*registry.Registration
	switch {
	case !el.IsMultiTarget():
		if c := reg.Sub(el); c != nil {
			candidates = append(candidates, c)
		}
	case el.IsWildcard():
		candidates = reg.ChildRegistrations(el.Key)
		if len(candidates) == 0 && reg.IsAlias() {
			if c := reg.Sub(el); c != nil {
				candidates = append(candidates, c)
			}
		}
	default:
		for _, v := range el.Values() {
			if c := reg.Sub(address.Element(el.Key, v)); c != nil {
				candidates = append(candidates, c)
			}
		}
	}
	for _, c := range candidates {
		if d, r := lookupDefinition(c, addr, i+1, name); d != nil || r {
			return d, r
		}
	}
	return nil, false
}

// expand appends to out every concrete address matching rest below the
// registration reg. visible is the address as the caller wrote it, resolved the
// same address with aliases rewritten to their targets. With byRegistration
// wildcards expand to the registered child values instead of the existing
// resources.
func (oc *operationContext) expand(reg *registry.Registration, visible, resolved, rest address.PathAddress,
	byRegistration bool, hops int, out *[]address.PathAddress) error {
	if reg.IsRemote() || rest.IsEmpty() {
		*out = append(*out, visible.AppendAddress(rest))
		return nil
	}
	el := rest.Element(0)
	tail := rest.Tail(1)

	var values []string
	switch {
	case !el.IsMultiTarget():
		values = []string{el.Value}
	case el.IsWildcard() && byRegistration:
		for _, c := range reg.ChildRegistrations(el.Key) {
			values = append(values, c.Element().Value)
		}
	case el.IsWildcard():
		seen := make(map[string]bool)
		if res, err := oc.snap.Read(resolved); err == nil {
			for _, name := range res.ChildNames(el.Key) {
				seen[name] = true
				values = append(values, name)
			}
		} else if !ops.IsNoSuchResource(err) {
			return err
		}
		for _, c := range reg.ChildRegistrations(el.Key) {
			switch v := c.Element().Value; {
			case c.IsRemote() && !seen[v]:
				seen[v] = true
				values = append(values, v)
			case c.IsAlias() && c.IsWildcard():
				for _, name := range oc.aliasChildNames(c, resolved.Append(el)) {
					if !seen[name] {
						seen[name] = true
						values = append(values, name)
					}
				}
			}
		}
	default:
		values = el.Values()
	}

	for _, v := range values {
		e := address.Element(el.Key, v)
		child := reg.Sub(e)
		if child == nil {
			continue
		}
		childResolved := resolved.Append(e)
		n := hops
		for child.IsAlias() {
			if n >= maxAliasHops {
				return ops.NewValidationError("alias chain is too long", nil).WithAddress(visible.Append(e))
			}
			target, err := child.AliasEntry().ConvertToTargetAddress(childResolved, oc)
			if err != nil {
				return err
			}
			childResolved = target
			child = oc.c.rootReg.Navigate(target)
			if child == nil {
				break
			}
			n++
		}
		if child == nil {
			continue
		}
		if err := oc.expand(child, visible.Append(e), childResolved, tail, byRegistration, n, out); err != nil {
			return err
		}
	}
	return nil
}

// aliasChildNames lists the names a wildcard alias can take: the existing
// children of the target type. pattern is the alias address ending in the
// wildcard element.
func (oc *operationContext) aliasChildNames(alias *registry.Registration, pattern address.PathAddress) []string {
	target, err := alias.AliasEntry().ConvertToTargetAddress(pattern, oc)
	if err != nil || target.IsEmpty() || !target.Last().IsWildcard() {
		return nil
	}
	res, err := oc.snap.Read(target.Parent())
	if err != nil {
		return nil
	}
	return res.ChildNames(target.Last().Key)
}

// dispatch resolves a single-target operation to its handler and queues the
// step. Aliases are rewritten and proxied subtrees become a proxy step.
func (oc *operationContext) dispatch(result *node.Node, stage registry.Stage, op *ops.Operation, item *fanItem, hops int) error {
	addr := op.Address
	reg := oc.c.rootReg
	for i := 0; i < addr.Len(); i++ {
		if reg.IsRemote() {
			return oc.addProxyStep(result, stage, op, addr.SubAddress(0, i), reg, item)
		}
		child := reg.Sub(addr.Element(i))
		if child == nil {
			return ops.NewNoSuchResourceError(addr).WithOperation(op.Name)
		}
		if child.IsAlias() {
			if hops >= maxAliasHops {
				return ops.NewValidationError("alias chain is too long", nil).WithAddress(addr).WithOperation(op.Name)
			}
			target, err := child.AliasEntry().ConvertToTargetAddress(addr.SubAddress(0, i+1), oc)
			if err != nil {
				return ops.AsOperationError(err).WithOperation(op.Name)
			}
			return oc.dispatch(result, stage, op.WithAddress(target.AppendAddress(addr.Tail(i+1))), item, hops+1)
		}
		reg = child
	}
	if reg.IsRemote() {
		return oc.addProxyStep(result, stage, op, addr, reg, item)
	}

	entry, ok := reg.Operation(op.Name)
	if !ok {
		return ops.NewValidationError(fmt.Sprintf("no operation '%s' at %s", op.Name, addr), nil).
			WithCode(ops.ErrCodeUnknownOperation).WithAddress(addr).WithOperation(op.Name)
	}
	def := entry.Definition
	if def.RuntimeOnly && !oc.c.cfg.ProcessType.RunsServers() {
		return ops.NewValidationError(fmt.Sprintf("operation '%s' is not available on a %s", op.Name, oc.c.cfg.ProcessType), nil).
			WithCode(ops.ErrCodeUnknownOperation).WithAddress(addr).WithOperation(op.Name)
	}
	if !def.ReadOnly && !oc.c.state.State().acceptsWrites() {
		return ops.NewValidationError(fmt.Sprintf("the process is %s", oc.c.state.State()), nil).
			WithCode(ops.ErrCodeNotRunning).WithAddress(addr).WithOperation(op.Name)
	}
	if err := def.ValidateParameters(op); err != nil {
		return err
	}
	return oc.addStep(&step{
		op:      op,
		handler: entry.Handler,
		address: addr,
		reg:     reg,
		result:  result,
		stage:   stage,
		item:    item,
	}, false)
}

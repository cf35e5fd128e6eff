package global

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// add creates the resource from the operation parameters, registers the
// capabilities it provides and the requirements its attributes reference.
func add(ctx registry.OperationContext, op *ops.Operation) error {
	reg := ctx.ResourceRegistration()
	res, err := ctx.CreateResource(address.Empty, int(op.IntParam(ops.ParamAddIndex, -1)))
	if err != nil {
		return err
	}
	model := res.Model()
	for _, def := range reg.Attributes() {
		if def.IsRuntime() {
			continue
		}
		v := op.Param(def.Name)
		if !v.IsDefined() {
			continue
		}
		converted, err := def.Convert(v)
		if err != nil {
			return ops.NewValidationError(fmt.Sprintf("invalid value for '%s'", def.Name), err).
				WithCode(ops.ErrCodeInvalidParameter)
		}
		model.Get(def.Name).Set(converted)
	}

	addr := ctx.CurrentAddress()
	for _, c := range reg.Capabilities() {
		if err := ctx.RegisterCapability(c.InstanceName(addr)); err != nil {
			return err
		}
	}
	registerRequirements(ctx, reg, model)
	return nil
}

// registerRequirements records one requirement per defined attribute that
// references a capability.
func registerRequirements(ctx registry.OperationContext, reg *registry.Registration, model *node.Node) {
	addr := ctx.CurrentAddress()
	for _, def := range reg.Attributes() {
		if def.CapabilityReference == "" || !model.HasDefined(def.Name) {
			continue
		}
		v, _ := model.Lookup(def.Name)
		ctx.RegisterRequirement(capability.Requirement{
			Address:   addr,
			Attribute: def.Name,
			Required:  capability.DynamicName(def.CapabilityReference, v.AsString()),
			Optional:  !def.Required,
		})
	}
}

// remove deletes a resource that has no children, together with the
// capabilities and requirements it registered.
func remove(ctx registry.OperationContext, _ *ops.Operation) error {
	res, err := ctx.ReadResource(address.Empty)
	if err != nil {
		return err
	}
	addr := ctx.CurrentAddress()
	if res.HasAnyChildren() {
		return ops.NewHandlerError(fmt.Sprintf("cannot remove %s: it still has children", addr), nil)
	}
	for _, c := range ctx.ResourceRegistration().Capabilities() {
		ctx.DeregisterCapability(c.InstanceName(addr))
	}
	ctx.DeregisterRequirements()
	_, err = ctx.RemoveResource(address.Empty)
	return err
}

func writableAttribute(ctx registry.OperationContext, op *ops.Operation) (*registry.AttributeDefinition, error) {
	name, err := op.RequireStringParam(ops.ParamName)
	if err != nil {
		return nil, err
	}
	def, ok := ctx.ResourceRegistration().Attribute(name)
	if !ok {
		return nil, unknownAttribute(name, ctx.CurrentAddress())
	}
	if !def.IsWritable() {
		return nil, ops.NewValidationError(fmt.Sprintf("attribute '%s' is not writable", name), nil).
			WithCode(ops.ErrCodeInvalidParameter).WithAddress(ctx.CurrentAddress())
	}
	return def, nil
}

func writeAttribute(ctx registry.OperationContext, op *ops.Operation) error {
	def, err := writableAttribute(ctx, op)
	if err != nil {
		return err
	}
	value := op.Param(ops.ParamValue)
	if err := def.Validate(value); err != nil {
		return err
	}
	converted, err := def.Convert(value)
	if err != nil {
		return ops.NewValidationError(fmt.Sprintf("invalid value for '%s'", def.Name), err).
			WithCode(ops.ErrCodeInvalidParameter)
	}
	return storeAttribute(ctx, def, converted)
}

func undefineAttribute(ctx registry.OperationContext, op *ops.Operation) error {
	def, err := writableAttribute(ctx, op)
	if err != nil {
		return err
	}
	if err := def.Validate(node.New()); err != nil {
		return err
	}
	return storeAttribute(ctx, def, node.New())
}

// storeAttribute writes value, flags a reload for restart-required
// attributes and emits attribute-value-written.
func storeAttribute(ctx registry.OperationContext, def *registry.AttributeDefinition, value *node.Node) error {
	res, err := ctx.ReadResourceForUpdate(address.Empty)
	if err != nil {
		return err
	}
	model := res.Model()
	old := node.New()
	if v, ok := model.Lookup(def.Name); ok {
		old = v.Clone()
	}
	if value.IsDefined() {
		model.Get(def.Name).Set(value)
	} else {
		model.Remove(def.Name)
	}
	if old.Equal(value) {
		return nil
	}

	if def.CapabilityReference != "" {
		ctx.DeregisterRequirements()
		registerRequirements(ctx, ctx.ResourceRegistration(), model)
	}
	if def.RestartRequired {
		ctx.ReloadRequired()
	}
	data := node.Object()
	data.Get("name").Set(node.String(def.Name))
	data.Get("old-value").Set(old)
	data.Get("new-value").Set(value)
	ctx.EmitNotification(telemetry.NotificationAttributeValueWritten, data)
	return nil
}

package global

import (
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

// composite runs its steps in one transaction. Each step is resolved only
// when the previous one has run, so a wildcard step sees resources added by
// earlier steps. The result holds "step-N" entries in step order.
func composite(ctx registry.OperationContext, op *ops.Operation) error {
	raw := op.Param(ops.ParamSteps)
	if raw.Kind() != node.KindList {
		return ops.NewValidationError("'steps' must be a list", nil).WithCode(ops.ErrCodeInvalidParameter)
	}
	steps := make([]*ops.Operation, 0, raw.Len())
	for i, s := range raw.Elements() {
		stepOp, err := ops.OperationFromNode(s)
		if err != nil {
			return ops.AsOperationError(err).WithDetail("step", i+1)
		}
		steps = append(steps, stepOp)
	}
	result := ctx.Result().Set(node.Object())
	for i := range steps {
		result.Get(stepKey(i))
	}
	return scheduleCompositeStep(ctx, steps, 0, result)
}

func stepKey(i int) string { return fmt.Sprintf("step-%d", i+1) }

func scheduleCompositeStep(ctx registry.OperationContext, steps []*ops.Operation, i int, result *node.Node) error {
	if i == len(steps) {
		return nil
	}
	return ctx.AddStep(registry.StageModel, ops.NewOperation(ops.OpComposite, ctx.CurrentAddress()),
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			slot := result.Get(stepKey(i))
			slot.Get(ops.FieldOutcome).Set(node.String(string(ops.OutcomeSuccess)))
			if err := ctx.AddResolvedStep(slot.Get(ops.FieldResult), registry.StageModel, steps[i]); err != nil {
				return err
			}
			return scheduleCompositeStep(ctx, steps, i+1, result)
		}))
}

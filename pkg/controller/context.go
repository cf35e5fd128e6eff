package controller

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/resource"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// step is one queued handler invocation.
type step struct {
	op      *ops.Operation
	handler registry.StepHandler
	address address.PathAddress
	reg     *registry.Registration
	result  *node.Node
	stage   registry.Stage

	// item is set for steps serving one target of a multi-target read.
	// Their failures are recorded on the item instead of failing the
	// transaction.
	item *fanItem
}

type completion struct {
	step    *step
	handler registry.ResultHandler
}

// operationContext is the per-transaction implementation of
// registry.OperationContext. It is used by one goroutine at a time.
type operationContext struct {
	c      *ModelController
	ctx    context.Context
	cancel context.CancelFunc
	txID   string
	logger *telemetry.Logger

	headers     ops.Headers
	handler     ops.MessageHandler
	attachments ops.Attachments
	booting     bool

	stage   registry.Stage
	queues  [registry.StageDone][]*step
	current *step

	snap         *resource.Snapshot
	caps         *capability.Registry
	capsModified bool
	writeLocked  bool
	affected     []address.PathAddress

	completions    []completion
	proxies        []*preparedProxy
	finalizers     []func()
	notifications  []telemetry.Notification
	rollbackOnly   bool
	runtimeFailure error
	deferredErr    error

	reloadSet   bool
	reloadStamp uint64
	ended       bool
}

var _ registry.OperationContext = (*operationContext)(nil)

func (c *ModelController) newContext(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
	attachments ops.Attachments, booting bool) *operationContext {
	if handler == nil {
		handler = ops.DiscardMessages
	}
	if attachments == nil {
		attachments = ops.NoAttachments
	}
	var cancel context.CancelFunc
	if timeout := op.Headers.Timeout(c.cfg.DefaultTimeout); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	txID := uuid.NewString()
	return &operationContext{
		c:           c,
		ctx:         ctx,
		cancel:      cancel,
		txID:        txID,
		logger:      c.logger.WithTxID(txID).WithOperation(op.Name, op.Address),
		headers:     op.Headers,
		handler:     handler,
		attachments: attachments,
		booting:     booting,
		snap:        resource.NewSnapshot(c.root.Load()),
	}
}

// runStages drains the stage queues in order.
func (oc *operationContext) runStages() error {
	for oc.stage = registry.StageModel; oc.stage < registry.StageDone; oc.stage++ {
		for len(oc.queues[oc.stage]) > 0 {
			if err := oc.ctx.Err(); err != nil {
				return ops.NewHandlerError("operation cancelled", err).WithCode(ops.ErrCodeTimeout)
			}
			s := oc.queues[oc.stage][0]
			oc.queues[oc.stage] = oc.queues[oc.stage][1:]

			err := oc.runStep(s)
			if err == nil {
				continue
			}
			switch {
			case s.item != nil:
				s.item.fail(err)
			case oc.stage == registry.StageRuntime && !oc.headers.RollbackOnRuntime() && !ops.IsUnexpected(err):
				oc.logger.WithError(err).Warn("runtime step failed, keeping model changes")
				if oc.runtimeFailure == nil {
					oc.runtimeFailure = err
				}
				oc.rollbackStep(s)
			default:
				return err
			}
		}
		if oc.stage == registry.StageModel && oc.capsModified {
			if err := oc.caps.Validate(); err != nil {
				return err
			}
		}
	}
	if oc.rollbackOnly && oc.runtimeFailure == nil {
		return ops.NewHandlerError("operation was marked rollback-only", nil).WithCode(ops.ErrCodeRollbackOnly)
	}
	return nil
}

// runStep invokes one handler. Panics and unclassified errors become
// unexpected failures.
func (oc *operationContext) runStep(s *step) (err error) {
	prev := oc.current
	oc.current = s
	defer func() {
		oc.current = prev
		if r := recover(); r != nil {
			err = ops.NewUnexpectedError(fmt.Sprintf("operation handler panicked: %v", r), nil).
				WithAddress(s.address).WithOperation(s.op.Name)
		}
	}()

	oc.c.tel.Metrics.RecordStep(s.stage.String())
	err = s.handler.Execute(oc, s.op)
	if err == nil && oc.deferredErr != nil {
		err, oc.deferredErr = oc.deferredErr, nil
	}
	if err == nil {
		return nil
	}
	oe := ops.AsOperationError(err)
	if oe.Address == nil {
		oe.WithAddress(s.address)
	}
	if oe.Operation == "" {
		oe.WithOperation(s.op.Name)
	}
	return oe
}

// rollbackStep runs and drops the result handlers registered by s.
func (oc *operationContext) rollbackStep(s *step) {
	kept := oc.completions[:0]
	var own []completion
	for _, cpl := range oc.completions {
		if cpl.step == s {
			own = append(own, cpl)
		} else {
			kept = append(kept, cpl)
		}
	}
	oc.completions = kept
	for i := len(own) - 1; i >= 0; i-- {
		oc.callResultHandler(own[i].handler, registry.ResultRollback)
	}
}

func (oc *operationContext) runFinalizers() {
	for i := len(oc.finalizers) - 1; i >= 0; i-- {
		oc.finalizers[i]()
	}
}

// finish completes every prepared proxy in parallel, then runs the result
// handlers in reverse registration order.
func (oc *operationContext) finish(action registry.ResultAction) {
	if oc.ended {
		return
	}
	oc.ended = true

	var g errgroup.Group
	for _, p := range oc.proxies {
		p := p
		g.Go(func() error { return p.finish(action, oc.c.waitTimeout()) })
	}
	if err := g.Wait(); err != nil {
		oc.logger.WithError(err).Warn("remote controller did not complete cleanly")
	}

	for i := len(oc.completions) - 1; i >= 0; i-- {
		oc.callResultHandler(oc.completions[i].handler, action)
	}
}

func (oc *operationContext) callResultHandler(h registry.ResultHandler, action registry.ResultAction) {
	defer func() {
		if r := recover(); r != nil {
			oc.logger.Errorf("result handler panicked: %v", r)
		}
	}()
	h(action)
}

// acquireWrite takes the controller write lock and rebases the snapshot on
// the latest committed tree.
func (oc *operationContext) acquireWrite() error {
	if oc.writeLocked {
		return nil
	}
	select {
	case oc.c.writeLock <- struct{}{}:
	case <-oc.ctx.Done():
		return ops.NewHandlerError("interrupted while waiting for the controller lock", oc.ctx.Err()).
			WithCode(ops.ErrCodeTimeout)
	}
	oc.writeLocked = true
	oc.snap = resource.NewSnapshot(oc.c.root.Load())
	oc.c.capMu.RLock()
	oc.caps = oc.c.caps.Clone()
	oc.c.capMu.RUnlock()
	return nil
}

func (oc *operationContext) releaseWrite() {
	if oc.writeLocked {
		oc.writeLocked = false
		<-oc.c.writeLock
	}
}

func (oc *operationContext) currentAddress() address.PathAddress {
	if oc.current == nil {
		return address.Empty
	}
	return oc.current.address
}

func (oc *operationContext) abs(relative address.PathAddress) address.PathAddress {
	return oc.currentAddress().AppendAddress(relative)
}

// addStep queues s. Steps may not be added to a stage that already ran.
func (oc *operationContext) addStep(s *step, first bool) error {
	if s.stage < oc.stage || s.stage >= registry.StageDone {
		return ops.NewHandlerError(fmt.Sprintf("cannot add a %s step while in stage %s", s.stage, oc.stage), nil)
	}
	if s.address.Len() == 0 && s.op != nil {
		s.address = s.op.Address
	}
	if s.reg == nil {
		s.reg = oc.c.rootReg.Navigate(s.address)
	}
	if s.result == nil {
		s.result = node.New()
	}
	q := oc.queues[s.stage]
	if first {
		oc.queues[s.stage] = append([]*step{s}, q...)
	} else {
		oc.queues[s.stage] = append(q, s)
	}
	return nil
}

func (oc *operationContext) currentItem() *fanItem {
	if oc.current == nil {
		return nil
	}
	return oc.current.item
}

func (oc *operationContext) currentResult() *node.Node {
	if oc.current == nil {
		return node.New()
	}
	return oc.current.result
}

// Context implements registry.OperationContext.
func (oc *operationContext) Context() context.Context { return oc.ctx }

func (oc *operationContext) CurrentAddress() address.PathAddress { return oc.currentAddress() }

func (oc *operationContext) CurrentStage() registry.Stage {
	if oc.current != nil {
		return oc.current.stage
	}
	return oc.stage
}

func (oc *operationContext) ProcessType() registry.ProcessType { return oc.c.cfg.ProcessType }

func (oc *operationContext) IsBooting() bool { return oc.booting }

func (oc *operationContext) Result() *node.Node { return oc.currentResult() }

func (oc *operationContext) AddStep(stage registry.Stage, op *ops.Operation, handler registry.StepHandler) error {
	return oc.addStep(&step{op: op, handler: handler, address: op.Address, result: oc.currentResult(),
		stage: stage, item: oc.currentItem()}, false)
}

func (oc *operationContext) AddStepFirst(stage registry.Stage, op *ops.Operation, handler registry.StepHandler) error {
	return oc.addStep(&step{op: op, handler: handler, address: op.Address, result: oc.currentResult(),
		stage: stage, item: oc.currentItem()}, true)
}

func (oc *operationContext) AddStepWithResult(result *node.Node, stage registry.Stage, op *ops.Operation,
	handler registry.StepHandler) error {
	return oc.addStep(&step{op: op, handler: handler, address: op.Address, result: result,
		stage: stage, item: oc.currentItem()}, false)
}

func (oc *operationContext) AddResolvedStep(result *node.Node, stage registry.Stage, op *ops.Operation) error {
	if stage < oc.stage {
		return ops.NewHandlerError(fmt.Sprintf("cannot add a %s step while in stage %s", stage, oc.stage), nil)
	}
	return oc.resolveStep(result, stage, op, oc.currentItem())
}

func (oc *operationContext) CompleteStep(handler registry.ResultHandler) {
	oc.completions = append(oc.completions, completion{step: oc.current, handler: handler})
}

func (oc *operationContext) SetRollbackOnly() { oc.rollbackOnly = true }

func (oc *operationContext) IsRollbackOnly() bool { return oc.rollbackOnly }

func (oc *operationContext) ReadResource(relative address.PathAddress) (*resource.Resource, error) {
	return oc.snap.Read(oc.abs(relative))
}

func (oc *operationContext) ReadResourceFromRoot(addr address.PathAddress) (*resource.Resource, error) {
	return oc.snap.Read(addr)
}

func (oc *operationContext) ReadResourceForUpdate(relative address.PathAddress) (*resource.Resource, error) {
	if err := oc.acquireWrite(); err != nil {
		return nil, err
	}
	addr := oc.abs(relative)
	r, err := oc.snap.ForUpdate(addr)
	if err != nil {
		return nil, err
	}
	oc.affected = append(oc.affected, addr)
	return r, nil
}

func (oc *operationContext) CreateResource(relative address.PathAddress, index int) (*resource.Resource, error) {
	addr := oc.abs(relative)
	r := newResourceFor(oc.c.rootReg.Navigate(addr))
	if err := oc.AddResource(relative, index, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (oc *operationContext) AddResource(relative address.PathAddress, index int, r *resource.Resource) error {
	if err := oc.acquireWrite(); err != nil {
		return err
	}
	addr := oc.abs(relative)
	if err := oc.snap.Create(addr, index, r); err != nil {
		return err
	}
	oc.affected = append(oc.affected, addr)
	oc.queueNotification(telemetry.NotificationResourceAdded, addr, nil)
	return nil
}

func (oc *operationContext) RemoveResource(relative address.PathAddress) (*resource.Resource, error) {
	if err := oc.acquireWrite(); err != nil {
		return nil, err
	}
	addr := oc.abs(relative)
	r, err := oc.snap.Remove(addr)
	if err != nil {
		return nil, err
	}
	oc.affected = append(oc.affected, addr)
	oc.queueNotification(telemetry.NotificationResourceRemoved, addr, nil)
	return r, nil
}

func (oc *operationContext) ResourceRegistration() *registry.Registration {
	if oc.current == nil {
		return oc.c.rootReg
	}
	return oc.current.reg
}

func (oc *operationContext) RootResourceRegistration() *registry.Registration { return oc.c.rootReg }

func (oc *operationContext) RegisterCapability(name string) error {
	if err := oc.acquireWrite(); err != nil {
		return err
	}
	if err := oc.caps.RegisterCapability(name, oc.currentAddress()); err != nil {
		return err
	}
	oc.capsModified = true
	return nil
}

func (oc *operationContext) DeregisterCapability(name string) {
	if err := oc.acquireWrite(); err != nil {
		oc.deferredErr = err
		return
	}
	oc.caps.RemoveCapability(name, oc.currentAddress())
	oc.capsModified = true
}

func (oc *operationContext) RegisterRequirement(req capability.Requirement) {
	if err := oc.acquireWrite(); err != nil {
		oc.deferredErr = err
		return
	}
	if req.Address.IsEmpty() {
		req.Address = oc.currentAddress()
	}
	oc.caps.RegisterRequirement(req)
	oc.capsModified = true
}

func (oc *operationContext) DeregisterRequirements() {
	if err := oc.acquireWrite(); err != nil {
		oc.deferredErr = err
		return
	}
	oc.caps.RemoveRequirementsFrom(oc.currentAddress())
	oc.capsModified = true
}

func (oc *operationContext) HasCapability(name string) bool {
	if oc.caps != nil {
		return oc.caps.HasCapability(name)
	}
	oc.c.capMu.RLock()
	defer oc.c.capMu.RUnlock()
	return oc.c.caps.HasCapability(name)
}

func (oc *operationContext) ReloadRequired() {
	if oc.reloadSet {
		return
	}
	oc.reloadStamp = oc.c.state.SetReloadRequired()
	oc.reloadSet = true
}

func (oc *operationContext) RevertReloadRequired() {
	if !oc.reloadSet {
		return
	}
	oc.c.state.RevertReloadRequired(oc.reloadStamp)
	oc.reloadSet = false
}

func (oc *operationContext) Report(severity ops.MessageSeverity, message string) {
	oc.handler.HandleMessage(severity, message)
}

func (oc *operationContext) Attachments() ops.Attachments { return oc.attachments }

func (oc *operationContext) ResolveExpressions(value *node.Node) (*node.Node, error) {
	resolved, err := value.Resolve(os.LookupEnv)
	if err != nil {
		return nil, ops.NewValidationError("cannot resolve expression", err).
			WithCode(ops.ErrCodeInvalidParameter).WithAddress(oc.currentAddress())
	}
	return resolved, nil
}

func (oc *operationContext) EmitNotification(notificationType string, data *node.Node) {
	oc.queueNotification(notificationType, oc.currentAddress(), data)
}

func (oc *operationContext) queueNotification(notificationType string, source address.PathAddress, data *node.Node) {
	if data != nil {
		data = data.Clone()
	}
	oc.notifications = append(oc.notifications, telemetry.Notification{
		Type:   notificationType,
		Source: source,
		TxID:   oc.txID,
		Data:   data,
	})
}

func (oc *operationContext) ReservedFeatureNames() []string {
	return append([]string(nil), oc.c.cfg.ReservedFeatureNames...)
}

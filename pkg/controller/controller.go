// Package controller executes management operations against the resource
// tree.
//
// A ModelController owns the committed resource tree, the capability
// registry and the registration tree. Each call to Execute runs one
// transaction: the operation is resolved against the registration tree
// (wildcards expanded, aliases rewritten, proxied subtrees forwarded), its
// steps run stage by stage on a private copy-on-write snapshot, and the
// prepared result is handed to a TransactionControl that decides between
// commit and rollback. Only one transaction at a time holds the write lock;
// it is taken at the first write and released when the transaction ends.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/resource"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// ConfigurationPersister stores the model after a commit and supplies the
// boot operations.
type ConfigurationPersister interface {
	// Store prepares model for persistence. The controller commits the
	// returned resource after swapping in the new tree, or rolls it back.
	Store(ctx context.Context, model *resource.Resource, affected []address.PathAddress) (PersistenceResource, error)

	// Load returns the operations that rebuild the persisted model.
	Load(ctx context.Context) ([]*ops.Operation, error)
}

// PersistenceResource is a pending store.
type PersistenceResource interface {
	Commit() error
	Rollback()
}

// Option configures a ModelController.
type Option func(*ModelController)

// WithPersister sets the configuration persister.
func WithPersister(p ConfigurationPersister) Option {
	return func(c *ModelController) { c.persister = p }
}

// WithTelemetry sets logging, metrics, tracing and notifications.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *ModelController) { c.tel = t }
}

// WithProcessState shares a process state with other components.
func WithProcessState(s *ProcessState) Option {
	return func(c *ModelController) { c.state = s }
}

// ModelController executes operations against one resource tree.
type ModelController struct {
	cfg       Config
	rootReg   *registry.Registration
	root      atomic.Pointer[resource.Resource]
	writeLock chan struct{}

	capMu sync.RWMutex
	caps  *capability.Registry

	persister ConfigurationPersister
	state     *ProcessState
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	pool      *pool
	closeOnce sync.Once
}

// New creates a controller over the registration tree rooted at root. The
// controller starts in StateStarting and accepts operations once Boot
// completes.
func New(root *registry.Registration, cfg Config, opts ...Option) (*ModelController, error) {
	if root == nil {
		return nil, fmt.Errorf("controller needs a root registration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &ModelController{
		cfg:       cfg,
		rootReg:   root,
		writeLock: make(chan struct{}, 1),
		caps:      capability.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tel == nil {
		c.tel = telemetry.NewNop()
	}
	if c.state == nil {
		c.state = NewProcessState()
	}
	c.logger = c.tel.Logger.NewComponentLogger("controller")
	c.root.Store(newResourceFor(root))
	c.pool = newPool(cfg.PoolSize, cfg.QueueSize, c.tel.Metrics)
	return c, nil
}

// newResourceFor creates an empty resource shaped by reg.
func newResourceFor(reg *registry.Registration) *resource.Resource {
	if reg == nil {
		return resource.New()
	}
	var r *resource.Resource
	switch {
	case reg.IsRemote():
		r = resource.NewProxy()
	case reg.IsRuntimeOnly():
		r = resource.NewRuntime()
	default:
		r = resource.New()
	}
	for _, t := range reg.ChildTypes() {
		if reg.IsOrderedType(t) {
			r.SetOrderedChildType(t)
		}
	}
	return r
}

// RootRegistration returns the root of the registration tree.
func (c *ModelController) RootRegistration() *registry.Registration { return c.rootReg }

// ProcessState returns the lifecycle state.
func (c *ModelController) ProcessState() *ProcessState { return c.state }

// Config returns the controller configuration.
func (c *ModelController) Config() Config { return c.cfg }

// Telemetry returns the telemetry bundle.
func (c *ModelController) Telemetry() *telemetry.Telemetry { return c.tel }

// Model returns the committed resource tree. It must not be mutated.
func (c *ModelController) Model() *resource.Resource { return c.root.Load() }

// Capabilities returns a copy of the committed capability registry.
func (c *ModelController) Capabilities() *capability.Registry {
	c.capMu.RLock()
	defer c.capMu.RUnlock()
	return c.caps.Clone()
}

// Execute runs op as one transaction and returns its response. handler,
// control and attachments may be nil; a nil control commits every prepared
// transaction.
func (c *ModelController) Execute(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
	control ops.TransactionControl, attachments ops.Attachments) *ops.Response {
	if err := op.Validate(); err != nil {
		return ops.Failed(err, false)
	}
	if c.state.State() == StateStarting {
		return ops.Failed(ops.NewValidationError("the controller has not completed boot", nil).
			WithCode(ops.ErrCodeNotRunning).WithOperation(op.Name), false)
	}
	oc := c.newContext(ctx, op, handler, attachments, false)
	defer oc.cancel()
	return c.run(oc, op, func(result *node.Node) error {
		return oc.resolveStep(result, registry.StageModel, op, nil)
	}, control)
}

// ExecuteOperation is Execute with no messages, no attachments and automatic
// commit.
func (c *ModelController) ExecuteOperation(ctx context.Context, op *ops.Operation) *ops.Response {
	return c.Execute(ctx, op, nil, nil, nil)
}

// Boot runs the boot operations as a single transaction and moves the
// process to StateRunning. Boot operations are not persisted again.
func (c *ModelController) Boot(ctx context.Context, bootOps []*ops.Operation) error {
	if s := c.state.State(); s != StateStarting {
		return fmt.Errorf("cannot boot a controller in state %s", s)
	}
	for i, op := range bootOps {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("boot operation %d: %w", i+1, err)
		}
	}

	bootOp := ops.NewOperation("boot", address.Empty)
	oc := c.newContext(ctx, bootOp, nil, nil, true)
	defer oc.cancel()
	resp := c.run(oc, bootOp, func(result *node.Node) error {
		result.Set(node.Object())
		for i, op := range bootOps {
			if err := oc.resolveStep(result.Get(fmt.Sprintf("step-%d", i+1)), registry.StageModel, op, nil); err != nil {
				return err
			}
		}
		return nil
	}, ops.AutoCommit)
	if !resp.IsSuccess() {
		return fmt.Errorf("boot failed: %w", resp.Err())
	}
	c.state.SetState(StateRunning)
	c.logger.Infof("boot completed with %d operations", len(bootOps))
	return nil
}

// LoadAndBoot boots from the persister's boot operations.
func (c *ModelController) LoadAndBoot(ctx context.Context) error {
	var bootOps []*ops.Operation
	if c.persister != nil {
		loaded, err := c.persister.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		bootOps = loaded
	}
	return c.Boot(ctx, bootOps)
}

// Close stops accepting operations, waits for queued async operations and
// marks the process stopped.
func (c *ModelController) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.SetState(StateStopping)
		err = c.pool.close(ctx)
		c.state.SetState(StateStopped)
	})
	return err
}

// run executes one transaction. schedule adds the initial steps.
func (c *ModelController) run(oc *operationContext, op *ops.Operation, schedule func(*node.Node) error,
	control ops.TransactionControl) *ops.Response {
	ctx, span := c.tel.Tracer.StartOperationSpan(oc.ctx, oc.txID, op.Name, op.Address.String())
	defer span.End()
	oc.ctx = ctx

	timer := telemetry.NewTimer()
	c.tel.Metrics.TransactionStarted()
	oc.logger.Debug("transaction started")

	result := node.New()
	err := schedule(result)
	if err == nil {
		err = oc.runStages()
	}
	if err == nil {
		oc.runFinalizers()
	}
	resp := oc.complete(result, err, control)

	c.tel.Metrics.RecordOperation(op.Name, string(resp.Outcome), timer.Duration())
	if resp.IsSuccess() {
		telemetry.RecordSuccess(span)
	} else {
		fe := resp.Err()
		telemetry.RecordError(span, fe)
		if oe := ops.AsOperationError(fe); oe != nil {
			c.tel.Metrics.RecordError(string(oe.Class), oe.Code)
		}
	}
	oc.logger.Debugf("transaction finished: %s", resp.Outcome)
	return resp
}

// complete turns the step outcome into a response, drives the commit
// decision and commits or rolls back.
func (oc *operationContext) complete(result *node.Node, err error, control ops.TransactionControl) *ops.Response {
	if err != nil {
		rolledBack := oc.writeLocked || len(oc.proxies) > 0 || !ops.IsValidation(err)
		oc.rollback()
		resp := ops.Failed(err, rolledBack)
		if errors.Is(err, context.Canceled) {
			resp.Outcome = ops.OutcomeCancelled
		}
		if ops.IsUnexpected(err) {
			oc.logger.WithError(err).Error("operation failed unexpectedly")
		} else {
			oc.logger.WithError(err).Debug("operation failed")
		}
		return resp
	}

	resp := ops.Success(result)
	if oc.runtimeFailure != nil {
		resp = ops.Failed(oc.runtimeFailure, false)
		resp.Result = result
	}
	oc.stampHeaders(resp)

	if control == nil {
		control = ops.AutoCommit
	}
	decision := make(chan bool, 1)
	tx := ops.NewTransaction(func() { decision <- true }, func() { decision <- false })
	oc.logger.Debug("transaction prepared")
	control.OperationPrepared(tx, resp)

	var commit bool
	select {
	case commit = <-decision:
	case <-oc.ctx.Done():
		tx.Rollback()
		commit = <-decision
	}

	if !commit {
		oc.rollback()
		cause := ops.NewHandlerError("transaction rolled back by the caller", oc.ctx.Err()).WithCode(ops.ErrCodeRollbackOnly)
		out := ops.Failed(cause, true)
		if oc.ctx.Err() != nil {
			out.Outcome = ops.OutcomeCancelled
		}
		return out
	}
	if err := oc.commit(); err != nil {
		return ops.Failed(err, true)
	}
	return resp
}

func (oc *operationContext) stampHeaders(resp *ops.Response) {
	if oc.reloadSet {
		resp.Header(ops.HeaderOperationRequiresReload).Set(node.Bool(true))
		resp.Header(ops.HeaderProcessState).Set(node.String(oc.c.state.Describe()))
	}
}

// commit persists and publishes the snapshot, then tells every participant
// to keep its changes.
func (oc *operationContext) commit() error {
	c := oc.c
	if oc.writeLocked {
		var pr PersistenceResource
		if oc.snap.IsModified() && c.persister != nil && !oc.booting {
			var err error
			pr, err = c.persister.Store(oc.ctx, oc.snap.Root(), oc.affected)
			c.tel.Metrics.RecordPersisterStore(fmt.Sprintf("%T", c.persister), err)
			if err != nil {
				oc.rollback()
				return ops.NewHandlerError("failed to persist the configuration", err)
			}
		}
		c.root.Store(oc.snap.Root())
		if oc.caps != nil {
			c.capMu.Lock()
			c.caps = oc.caps
			c.capMu.Unlock()
		}
		if pr != nil {
			if err := pr.Commit(); err != nil {
				oc.logger.WithError(err).Warn("configuration store did not commit")
			}
		}
		oc.releaseWrite()
	}

	oc.finish(registry.ResultKeep)
	for _, n := range oc.notifications {
		if err := c.tel.Notifications.Publish(n); err != nil {
			oc.logger.WithError(err).Warn("notification dropped")
		}
	}
	c.tel.Metrics.TransactionFinished("committed")
	oc.logger.Debug("transaction committed")
	return nil
}

// rollback discards the snapshot and tells every participant to undo. It
// runs at most once.
func (oc *operationContext) rollback() {
	if oc.ended {
		return
	}
	oc.finish(registry.ResultRollback)
	if oc.reloadSet {
		oc.c.state.RevertReloadRequired(oc.reloadStamp)
		oc.reloadSet = false
	}
	oc.releaseWrite()
	oc.c.tel.Metrics.TransactionFinished("rolled-back")
	oc.logger.Debug("transaction rolled back")
}

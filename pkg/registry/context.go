package registry

import (
	"context"
	"fmt"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/resource"
)

// Stage is a phase of step execution within a transaction.
type Stage int

const (
	// StageModel steps validate input and mutate the resource tree.
	StageModel Stage = iota
	// StageRuntime steps apply changes to running services and compute
	// runtime values.
	StageRuntime
	// StageVerify steps check the outcome.
	StageVerify
	// StageDone means all steps completed.
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageModel:
		return "MODEL"
	case StageRuntime:
		return "RUNTIME"
	case StageVerify:
		return "VERIFY"
	case StageDone:
		return "DONE"
	}
	return fmt.Sprintf("STAGE(%d)", int(s))
}

// ProcessType identifies the kind of process the controller runs in.
type ProcessType string

const (
	// ProcessTypeServer is a standalone or managed server.
	ProcessTypeServer ProcessType = "server"
	// ProcessTypeHostController manages the servers on one host.
	ProcessTypeHostController ProcessType = "host-controller"
	// ProcessTypeDomainCoordinator owns the domain-wide configuration and
	// runs no servers itself.
	ProcessTypeDomainCoordinator ProcessType = "domain-coordinator"
)

// Validate checks the process type.
func (p ProcessType) Validate() error {
	switch p {
	case ProcessTypeServer, ProcessTypeHostController, ProcessTypeDomainCoordinator:
		return nil
	default:
		return fmt.Errorf("invalid process type: %s", p)
	}
}

// RunsServers reports whether runtime-only operations that act on running
// servers apply to this process.
func (p ProcessType) RunsServers() bool { return p != ProcessTypeDomainCoordinator }

// ResultAction tells a ResultHandler how the transaction ended.
type ResultAction int

const (
	// ResultKeep means the transaction committed.
	ResultKeep ResultAction = iota
	// ResultRollback means the transaction rolled back.
	ResultRollback
)

// ResultHandler is called once when the transaction completes.
type ResultHandler func(action ResultAction)

// StepHandler executes one step of an operation.
type StepHandler interface {
	Execute(ctx OperationContext, op *ops.Operation) error
}

// StepHandlerFunc adapts a function to StepHandler.
type StepHandlerFunc func(ctx OperationContext, op *ops.Operation) error

// Execute implements StepHandler.
func (f StepHandlerFunc) Execute(ctx OperationContext, op *ops.Operation) error {
	return f(ctx, op)
}

// AttributeReader computes the value of a runtime attribute.
type AttributeReader func(ctx OperationContext, addr address.PathAddress) (*node.Node, error)

// OperationContext is the view a step handler has of the executing
// transaction. Addresses passed to resource methods are relative to the
// step's current address unless the method name says otherwise.
type OperationContext interface {
	// Context returns the caller's context.
	Context() context.Context

	// CurrentAddress is the address of the executing step.
	CurrentAddress() address.PathAddress

	// CurrentStage is the stage of the executing step.
	CurrentStage() Stage

	// ProcessType is the type of the hosting process.
	ProcessType() ProcessType

	// IsBooting reports whether the transaction runs the boot operations.
	IsBooting() bool

	// Result is the result node of the executing step.
	Result() *node.Node

	// AddStep schedules handler to run in stage, writing into the current
	// step's result. Adding a step to a stage that already completed is an
	// error.
	AddStep(stage Stage, op *ops.Operation, handler StepHandler) error

	// AddStepFirst is AddStep, but the step runs before any other queued
	// step of that stage.
	AddStepFirst(stage Stage, op *ops.Operation, handler StepHandler) error

	// AddStepWithResult is AddStep writing into result.
	AddStepWithResult(result *node.Node, stage Stage, op *ops.Operation, handler StepHandler) error

	// AddResolvedStep resolves op's address and name against the
	// registration tree, the way a top-level request is resolved, and
	// schedules the resulting steps. Proxies, aliases and multi-target
	// addresses are handled.
	AddResolvedStep(result *node.Node, stage Stage, op *ops.Operation) error

	// CompleteStep registers a handler called when the transaction ends.
	// Handlers run in reverse registration order.
	CompleteStep(handler ResultHandler)

	// SetRollbackOnly marks the transaction for rollback.
	SetRollbackOnly()

	// IsRollbackOnly reports whether the transaction will roll back.
	IsRollbackOnly() bool

	// ReadResource returns the resource at the relative address.
	ReadResource(relative address.PathAddress) (*resource.Resource, error)

	// ReadResourceFromRoot returns the resource at an absolute address.
	ReadResourceFromRoot(addr address.PathAddress) (*resource.Resource, error)

	// ReadResourceForUpdate returns a writable resource at the relative
	// address.
	ReadResourceForUpdate(relative address.PathAddress) (*resource.Resource, error)

	// CreateResource creates a resource at the relative address. index
	// positions ordered children, -1 appends.
	CreateResource(relative address.PathAddress, index int) (*resource.Resource, error)

	// AddResource registers an existing resource at the relative address.
	AddResource(relative address.PathAddress, index int, r *resource.Resource) error

	// RemoveResource removes the resource at the relative address.
	RemoveResource(relative address.PathAddress) (*resource.Resource, error)

	// ResourceRegistration is the registration of the current address.
	ResourceRegistration() *Registration

	// RootResourceRegistration is the root of the registration tree.
	RootResourceRegistration() *Registration

	// RegisterCapability records that the current address provides name.
	RegisterCapability(name string) error

	// DeregisterCapability removes a capability provided by the current
	// address.
	DeregisterCapability(name string)

	// RegisterRequirement records a requirement of the current address.
	RegisterRequirement(req capability.Requirement)

	// DeregisterRequirements removes every requirement of the current address.
	DeregisterRequirements()

	// HasCapability reports whether a capability is provided in this
	// transaction's view.
	HasCapability(name string) bool

	// ReloadRequired flags the process as needing a reload.
	ReloadRequired()

	// RevertReloadRequired undoes a prior ReloadRequired of this
	// transaction. Without a prior call it does nothing.
	RevertReloadRequired()

	// Report sends a progress message to the caller.
	Report(severity ops.MessageSeverity, message string)

	// Attachments returns the binary streams sent with the request.
	Attachments() ops.Attachments

	// ResolveExpressions resolves ${...} expressions in value.
	ResolveExpressions(value *node.Node) (*node.Node, error)

	// EmitNotification queues a notification published after commit.
	EmitNotification(notificationType string, data *node.Node)

	// ReservedFeatureNames lists parameter names that collide with
	// address parameters when projecting features.
	ReservedFeatureNames() []string
}

package controller

import (
	"context"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

// LocalProxyController mounts another in-process ModelController as a
// proxied subtree. Hosts use it for the controllers of their managed
// servers when no transport is involved.
type LocalProxyController struct {
	addr   address.PathAddress
	target *ModelController
}

var _ ops.ProxyController = (*LocalProxyController)(nil)

// NewLocalProxyController returns a proxy for target mounted at addr.
func NewLocalProxyController(addr address.PathAddress, target *ModelController) *LocalProxyController {
	return &LocalProxyController{addr: addr, target: target}
}

// ProxyNodeAddress implements ops.ProxyController.
func (p *LocalProxyController) ProxyNodeAddress() address.PathAddress { return p.addr }

// Execute implements ops.ProxyController.
func (p *LocalProxyController) Execute(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
	control ops.ProxyOperationControl, attachments ops.Attachments) {
	prepared := false
	resp := p.target.Execute(ctx, op, handler, ops.TransactionControlFunc(func(tx ops.ModelTransaction, result *ops.Response) {
		prepared = true
		control.OperationPrepared(tx, result)
	}), attachments)
	if !prepared {
		control.OperationFailed(resp)
		return
	}
	control.OperationCompleted(resp)
}

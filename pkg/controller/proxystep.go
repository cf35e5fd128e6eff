package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

const defaultProxyWait = 30 * time.Second

type proxyPrepared struct {
	tx   ops.ModelTransaction
	resp *ops.Response
}

// proxyStepControl receives the callbacks of one proxied request. Once the
// local step gives up waiting, a late prepare is rolled back immediately.
type proxyStepControl struct {
	mu        sync.Mutex
	abandoned bool
	prepared  chan proxyPrepared
	failed    chan *ops.Response
	completed chan *ops.Response
}

func newProxyStepControl() *proxyStepControl {
	return &proxyStepControl{
		prepared:  make(chan proxyPrepared, 1),
		failed:    make(chan *ops.Response, 1),
		completed: make(chan *ops.Response, 1),
	}
}

// OperationFailed implements ops.ProxyOperationControl.
func (p *proxyStepControl) OperationFailed(resp *ops.Response) {
	select {
	case p.failed <- resp:
	default:
	}
}

// OperationPrepared implements ops.ProxyOperationControl.
func (p *proxyStepControl) OperationPrepared(tx ops.ModelTransaction, resp *ops.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned {
		tx.Rollback()
		return
	}
	select {
	case p.prepared <- proxyPrepared{tx: tx, resp: resp}:
	default:
		tx.Rollback()
	}
}

// OperationCompleted implements ops.ProxyOperationControl.
func (p *proxyStepControl) OperationCompleted(resp *ops.Response) {
	select {
	case p.completed <- resp:
	default:
	}
}

func (p *proxyStepControl) abandon() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned = true
	select {
	case pr := <-p.prepared:
		pr.tx.Rollback()
	default:
	}
}

// preparedProxy is a remote transaction waiting for the local decision.
type preparedProxy struct {
	addr address.PathAddress
	tx   ops.ModelTransaction
	ctl  *proxyStepControl
}

// finish forwards the decision and waits for the remote to complete.
func (p *preparedProxy) finish(action registry.ResultAction, timeout time.Duration) error {
	if action == registry.ResultKeep {
		p.tx.Commit()
	} else {
		p.tx.Rollback()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-p.ctl.completed:
		if action == registry.ResultKeep && resp != nil && !resp.IsSuccess() && resp.RolledBack {
			return fmt.Errorf("remote controller at %s rolled back after commit: %w", p.addr, resp.Err())
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("remote controller at %s did not complete within %s", p.addr, timeout)
	}
}

func (c *ModelController) waitTimeout() time.Duration {
	if c.cfg.DefaultTimeout > 0 {
		return c.cfg.DefaultTimeout
	}
	return defaultProxyWait
}

// addProxyStep queues a step forwarding op to the proxy mounted at
// proxyAddr.
func (oc *operationContext) addProxyStep(result *node.Node, stage registry.Stage, op *ops.Operation,
	proxyAddr address.PathAddress, reg *registry.Registration, item *fanItem) error {
	proxy := reg.ProxyController()
	if proxy == nil {
		return ops.NewUnexpectedError(fmt.Sprintf("no proxy controller registered at %s", proxyAddr), nil)
	}
	h := registry.StepHandlerFunc(func(_ registry.OperationContext, op *ops.Operation) error {
		return oc.executeProxied(proxy, proxyAddr, op)
	})
	return oc.addStep(&step{
		op:      op,
		handler: h,
		address: op.Address,
		reg:     reg,
		result:  result,
		stage:   stage,
		item:    item,
	}, false)
}

// executeProxied sends op to the remote controller and waits until it has
// prepared or failed. The remote's decision arrives later, from finish.
func (oc *operationContext) executeProxied(proxy ops.ProxyController, proxyAddr address.PathAddress, op *ops.Operation) error {
	rel := op.WithAddress(op.Address.Tail(proxyAddr.Len()))
	ctx, span := oc.c.tel.Tracer.StartProxySpan(oc.ctx, oc.txID, op.Name, op.Address.String())
	defer span.End()

	timer := telemetry.NewTimer()
	ctl := newProxyStepControl()
	go proxy.Execute(ctx, rel, oc.handler, ctl, oc.attachments)

	select {
	case resp := <-ctl.failed:
		oc.c.tel.Metrics.RecordProxyRequest("failed", timer.Duration())
		err := remoteError(resp, proxyAddr).WithOperation(op.Name)
		telemetry.RecordError(span, err)
		return err

	case pr := <-ctl.prepared:
		oc.c.tel.Metrics.RecordProxyRequest("prepared", timer.Duration())
		oc.proxies = append(oc.proxies, &preparedProxy{addr: proxyAddr, tx: pr.tx, ctl: ctl})
		if out := pr.resp.ResultOrUndefined().Clone(); out.IsDefined() {
			if rel.Address.IsMultiTarget() {
				prefixFanOut(out, proxyAddr)
			}
			oc.currentResult().Set(out)
		}
		if pr.resp.Header(ops.HeaderOperationRequiresReload).BoolOr(false) {
			oc.logger.Infof("remote controller at %s requires reload", proxyAddr)
		}
		if !pr.resp.IsSuccess() {
			err := remoteError(pr.resp, proxyAddr)
			if oc.runtimeFailure == nil {
				oc.runtimeFailure = err
			}
			telemetry.RecordError(span, err)
			return nil
		}
		telemetry.RecordSuccess(span)
		return nil

	case <-oc.ctx.Done():
		ctl.abandon()
		oc.c.tel.Metrics.RecordProxyRequest("timeout", timer.Duration())
		err := ops.NewTransportError(fmt.Sprintf("no answer from the remote controller at %s", proxyAddr), oc.ctx.Err()).
			WithCode(ops.ErrCodeTimeout).WithAddress(op.Address).WithOperation(op.Name)
		telemetry.RecordError(span, err)
		return err
	}
}

// remoteError rebuilds a remote failure with its address made absolute.
func remoteError(resp *ops.Response, proxyAddr address.PathAddress) *ops.OperationError {
	e := ops.AsOperationError(resp.Err())
	if e == nil {
		e = ops.NewTransportError("remote controller reported failure without a description", nil)
	}
	if e.Address != nil {
		e.WithAddress(proxyAddr.AppendAddress(*e.Address))
	} else {
		e.WithAddress(proxyAddr)
	}
	return e
}

// prefixFanOut makes the addresses of a remote fan-out result absolute.
func prefixFanOut(list *node.Node, proxyAddr address.PathAddress) {
	if list.Kind() != node.KindList {
		return
	}
	for _, entry := range list.Elements() {
		a, ok := entry.Lookup(ops.FieldAddress)
		if !ok {
			continue
		}
		rel, err := ops.AddressFromNode(a)
		if err != nil {
			continue
		}
		entry.Get(ops.FieldAddress).Set(ops.AddressNode(proxyAddr.AppendAddress(rel)))
	}
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

const attachmentChunkSize = 64 * 1024

// requestState tracks one in-flight request on the client.
type requestState int

const (
	stateSent requestState = iota
	statePrepared
	stateCommitted
	stateRolledBack
	stateDone
)

func (s requestState) String() string {
	switch s {
	case stateSent:
		return "sent"
	case statePrepared:
		return "prepared"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled-back"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

type clientRequest struct {
	id    string
	inbox *queue[*Frame]

	mu    sync.Mutex
	state requestState
}

func (r *clientRequest) transition(from, to requestState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

func (r *clientRequest) current() requestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RemoteProxyController forwards operations to a controller on the other
// end of a Channel. One controller multiplexes any number of concurrent
// requests over its channel.
type RemoteProxyController struct {
	addr    address.PathAddress
	ch      Channel
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	pending map[string]*clientRequest
	closed  bool
	done    chan struct{}
}

var _ ops.ProxyController = (*RemoteProxyController)(nil)

// ClientOption configures a RemoteProxyController.
type ClientOption func(*RemoteProxyController)

// WithClientLogger sets the logger.
func WithClientLogger(l *telemetry.Logger) ClientOption {
	return func(c *RemoteProxyController) { c.logger = l.NewComponentLogger("proxy-client") }
}

// WithClientMetrics sets the metrics sink.
func WithClientMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *RemoteProxyController) { c.metrics = m }
}

// NewRemoteProxyController mounts the controller reachable over ch at addr
// and starts reading frames from ch.
func NewRemoteProxyController(addr address.PathAddress, ch Channel, opts ...ClientOption) *RemoteProxyController {
	c := &RemoteProxyController{
		addr:    addr,
		ch:      ch,
		logger:  telemetry.NewNopLogger(),
		pending: make(map[string]*clientRequest),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("proxy", addr.String())
	go c.readLoop()
	return c
}

// ProxyNodeAddress implements ops.ProxyController.
func (c *RemoteProxyController) ProxyNodeAddress() address.PathAddress { return c.addr }

// Done is closed once the channel has closed.
func (c *RemoteProxyController) Done() <-chan struct{} { return c.done }

// Close closes the channel. Requests still waiting for PREPARED fail and
// prepared requests complete as rolled back.
func (c *RemoteProxyController) Close() error {
	err := c.ch.Close()
	<-c.done
	return err
}

func (c *RemoteProxyController) readLoop() {
	defer c.shutdown()
	for {
		f, err := c.ch.Receive()
		if err != nil {
			if !errors.Is(err, ErrChannelClosed) {
				c.logger.WithError(err).Warn("proxy channel failed")
			}
			return
		}
		c.mu.Lock()
		req := c.pending[f.RequestID]
		c.mu.Unlock()
		if req == nil {
			c.logger.Debugf("dropping %s frame for unknown request %s", f.Type, f.RequestID)
			continue
		}
		req.inbox.push(f)
	}
}

func (c *RemoteProxyController) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *RemoteProxyController) register() (*clientRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	req := &clientRequest{id: uuid.NewString(), inbox: newQueue[*Frame]()}
	c.pending[req.id] = req
	return req, nil
}

func (c *RemoteProxyController) unregister(req *clientRequest) {
	c.mu.Lock()
	delete(c.pending, req.id)
	c.mu.Unlock()
}

func (c *RemoteProxyController) send(t FrameType, requestID string, data interface{}) error {
	f, err := NewFrame(t, requestID, data)
	if err != nil {
		return err
	}
	return c.ch.Send(f)
}

func (c *RemoteProxyController) transportFailure(message string, err error, code string) *ops.Response {
	return ops.Failed(ops.NewTransportError(message, err).WithCode(code).WithAddress(c.addr), false)
}

// Execute implements ops.ProxyController. It blocks until the request is
// done: failed, completed, or abandoned because ctx ended or the channel
// closed.
func (c *RemoteProxyController) Execute(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
	control ops.ProxyOperationControl, attachments ops.Attachments) {
	if handler == nil {
		handler = ops.DiscardMessages
	}
	if attachments == nil {
		attachments = ops.NoAttachments
	}
	timer := telemetry.NewTimer()
	req, err := c.register()
	if err != nil {
		c.metrics.RecordProxyRequest("failed", timer.Duration())
		control.OperationFailed(c.transportFailure("proxy channel is closed", err, ops.ErrCodeChannelClosed))
		return
	}
	defer c.unregister(req)
	logger := c.logger.WithRequestID(req.id).WithOperation(op.Name, op.Address)

	if err := c.send(FrameExecute, req.id, &ExecuteRequest{Operation: op, Attachments: attachments.Count()}); err != nil {
		c.metrics.RecordProxyRequest("failed", timer.Duration())
		control.OperationFailed(c.transportFailure("failed to send operation", err, ops.ErrCodeTransport))
		return
	}
	logger.Debug("operation sent")

	for {
		if f, ok := req.inbox.pop(); ok {
			if finished := c.handleFrame(req, f, logger, handler, control, attachments); finished {
				c.metrics.RecordProxyRequest(req.current().String(), timer.Duration())
				return
			}
			continue
		}
		select {
		case <-req.inbox.ready:
		case <-c.done:
			if !req.inbox.empty() {
				continue
			}
			c.channelLost(req, logger, control)
			c.metrics.RecordProxyRequest("channel-closed", timer.Duration())
			return

		case <-ctx.Done():
			// Prepared requests wait for the caller's decision regardless.
			if req.current() != stateSent {
				ctx = context.Background()
				continue
			}
			if req.transition(stateSent, stateRolledBack) {
				_ = c.send(FrameRollback, req.id, nil)
			}
			logger.Warn("abandoning request before prepare")
			c.metrics.RecordProxyRequest("timeout", timer.Duration())
			control.OperationFailed(ops.Failed(ops.NewTransportError("no answer from the remote controller", ctx.Err()).
				WithCode(ops.ErrCodeTimeout).WithAddress(c.addr), false))
			return
		}
	}
}

// handleFrame processes one frame and reports whether the request is done.
func (c *RemoteProxyController) handleFrame(req *clientRequest, f *Frame, logger *telemetry.Logger,
	handler ops.MessageHandler, control ops.ProxyOperationControl, attachments ops.Attachments) bool {
	switch f.Type {
	case FrameMessage:
		var m MessagePayload
		if err := f.Decode(&m); err != nil {
			logger.WithError(err).Warn("bad message frame")
			return false
		}
		handler.HandleMessage(m.Severity, m.Message)
		return false

	case FrameAttachmentRequest:
		var ar AttachmentRequest
		if err := f.Decode(&ar); err != nil {
			logger.WithError(err).Warn("bad attachment request")
			return false
		}
		go c.streamAttachment(req.id, ar.Index, attachments, logger)
		return false

	case FrameFailed:
		resp := decodeResponse(f)
		req.transition(stateSent, stateDone)
		logger.Debug("remote operation failed")
		control.OperationFailed(resp)
		return true

	case FramePrepared:
		if !req.transition(stateSent, statePrepared) {
			logger.Warnf("prepared frame in state %s", req.current())
			return false
		}
		logger.Debug("remote operation prepared")
		control.OperationPrepared(c.transaction(req, logger), decodeResponse(f))
		return false

	case FrameCompleted:
		req.mu.Lock()
		req.state = stateDone
		req.mu.Unlock()
		logger.Debug("remote operation completed")
		control.OperationCompleted(decodeResponse(f))
		return true

	default:
		logger.Warnf("unexpected %s frame", f.Type)
		return false
	}
}

// transaction returns the handle for a prepared request. Its decision is
// sent once; the completed frame ends the request.
func (c *RemoteProxyController) transaction(req *clientRequest, logger *telemetry.Logger) ops.ModelTransaction {
	return ops.NewTransaction(
		func() {
			if req.transition(statePrepared, stateCommitted) {
				if err := c.send(FrameCommit, req.id, nil); err != nil {
					logger.WithError(err).Error("failed to send commit")
				}
			}
		},
		func() {
			if req.transition(statePrepared, stateRolledBack) {
				if err := c.send(FrameRollback, req.id, nil); err != nil {
					logger.WithError(err).Warn("failed to send rollback")
				}
			}
		},
	)
}

// channelLost ends a request whose channel closed. Before PREPARED the
// request failed; afterwards the remote transaction is taken as rolled back.
func (c *RemoteProxyController) channelLost(req *clientRequest, logger *telemetry.Logger, control ops.ProxyOperationControl) {
	req.mu.Lock()
	prev := req.state
	req.state = stateDone
	req.mu.Unlock()

	logger.Warnf("proxy channel closed with request in state %s", prev)
	resp := c.transportFailure("channel to the remote controller closed", ErrChannelClosed, ops.ErrCodeChannelClosed)
	if prev == stateSent {
		control.OperationFailed(resp)
		return
	}
	resp.RolledBack = true
	control.OperationCompleted(resp)
}

func (c *RemoteProxyController) streamAttachment(requestID string, index int, attachments ops.Attachments, logger *telemetry.Logger) {
	sendErr := func(err error) {
		logger.WithError(err).Warnf("attachment %d could not be streamed", index)
		_ = c.send(FrameAttachmentChunk, requestID, &AttachmentChunk{Index: index, Error: err.Error()})
	}
	r, err := attachments.Stream(index)
	if err != nil {
		sendErr(err)
		return
	}
	defer r.Close()
	buf := make([]byte, attachmentChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := &AttachmentChunk{Index: index, Data: append([]byte(nil), buf[:n]...)}
			if serr := c.send(FrameAttachmentChunk, requestID, chunk); serr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = c.send(FrameAttachmentChunk, requestID, &AttachmentChunk{Index: index, EOF: true})
			return
		}
		if err != nil {
			sendErr(err)
			return
		}
	}
}

func decodeResponse(f *Frame) *ops.Response {
	var p ResponsePayload
	if err := f.Decode(&p); err != nil || p.Response == nil {
		if err == nil {
			err = fmt.Errorf("%s frame without response", f.Type)
		}
		return ops.Failed(ops.NewTransportError("malformed response from the remote controller", err).
			WithCode(ops.ErrCodeRemoteFailure), false)
	}
	return p.Response
}

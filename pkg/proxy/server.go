package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// DefaultDecisionTimeout bounds how long a prepared transaction waits for
// the client's commit or rollback.
const DefaultDecisionTimeout = 5 * time.Minute

// Executor runs operations as transactions. *controller.ModelController
// implements it.
type Executor interface {
	Execute(ctx context.Context, op *ops.Operation, handler ops.MessageHandler,
		control ops.TransactionControl, attachments ops.Attachments) *ops.Response
}

// Server executes requests arriving on a channel against an Executor.
type Server struct {
	target          Executor
	logger          *telemetry.Logger
	decisionTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *telemetry.Logger) ServerOption {
	return func(s *Server) { s.logger = l.NewComponentLogger("proxy-server") }
}

// WithDecisionTimeout sets how long a prepared transaction waits for the
// client before rolling back.
func WithDecisionTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.decisionTimeout = d }
}

// NewServer returns a server executing against target.
func NewServer(target Executor, opts ...ServerOption) *Server {
	s := &Server{
		target:          target,
		logger:          telemetry.NewNopLogger(),
		decisionTimeout: DefaultDecisionTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type serverRequest struct {
	id       string
	cancel   context.CancelFunc
	decision chan FrameType
	lost     <-chan struct{}

	mu       sync.Mutex
	prepared bool
	streams  map[int]*queue[AttachmentChunk]
}

func (r *serverRequest) decide(t FrameType) {
	select {
	case r.decision <- t:
	default:
	}
	r.mu.Lock()
	prepared := r.prepared
	r.mu.Unlock()
	if t == FrameRollback && !prepared {
		r.cancel()
	}
}

func (r *serverRequest) openStream(index int) *queue[AttachmentChunk] {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := newQueue[AttachmentChunk]()
	r.streams[index] = q
	return q
}

func (r *serverRequest) closeStream(index int) {
	r.mu.Lock()
	delete(r.streams, index)
	r.mu.Unlock()
}

func (r *serverRequest) deliver(c AttachmentChunk) {
	r.mu.Lock()
	q := r.streams[c.Index]
	r.mu.Unlock()
	if q != nil {
		q.push(c)
	}
}

// Serve reads requests from ch until it closes or ctx ends. Transactions
// still waiting for a decision when the channel goes away are rolled back.
// Serve closes ch before returning.
func (s *Server) Serve(ctx context.Context, ch Channel) error {
	lost := make(chan struct{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		pending = make(map[string]*serverRequest)
	)
	defer func() {
		close(lost)
		_ = ch.Close()
		mu.Lock()
		for _, req := range pending {
			req.mu.Lock()
			prepared := req.prepared
			req.mu.Unlock()
			if !prepared {
				req.cancel()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()

	send := func(t FrameType, id string, data interface{}) error {
		f, err := NewFrame(t, id, data)
		if err != nil {
			return err
		}
		return ch.Send(f)
	}

	for {
		f, err := ch.Receive()
		if err != nil {
			if errors.Is(err, ErrChannelClosed) {
				s.logger.Debug("proxy channel closed")
				return nil
			}
			return fmt.Errorf("proxy channel failed: %w", err)
		}

		mu.Lock()
		req := pending[f.RequestID]
		mu.Unlock()

		switch f.Type {
		case FrameExecute:
			if req != nil {
				s.logger.Warnf("duplicate request id %s", f.RequestID)
				continue
			}
			var er ExecuteRequest
			err := f.Decode(&er)
			if err == nil {
				err = er.Validate()
			}
			if err != nil {
				_ = send(FrameFailed, f.RequestID, &ResponsePayload{
					Response: ops.Failed(ops.NewValidationError("invalid execute request", err), false),
				})
				continue
			}
			reqCtx, cancel := context.WithCancel(ctx)
			req = &serverRequest{
				id:       f.RequestID,
				cancel:   cancel,
				decision: make(chan FrameType, 1),
				lost:     lost,
				streams:  make(map[int]*queue[AttachmentChunk]),
			}
			mu.Lock()
			pending[req.id] = req
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(pending, req.id)
					mu.Unlock()
				}()
				s.handle(reqCtx, req, er, send)
			}()

		case FrameCommit, FrameRollback:
			if req == nil {
				s.logger.Debugf("%s for unknown request %s", f.Type, f.RequestID)
				continue
			}
			req.decide(f.Type)

		case FrameAttachmentChunk:
			if req == nil {
				continue
			}
			var c AttachmentChunk
			if err := f.Decode(&c); err != nil {
				s.logger.WithError(err).Warn("bad attachment chunk")
				continue
			}
			req.deliver(c)

		default:
			s.logger.Warnf("unexpected %s frame from client", f.Type)
		}
	}
}

type sendFunc func(t FrameType, id string, data interface{}) error

func (s *Server) handle(ctx context.Context, req *serverRequest, er ExecuteRequest, send sendFunc) {
	defer req.cancel()
	op := er.Operation
	logger := s.logger.WithRequestID(req.id).WithOperation(op.Name, op.Address)
	logger.Debug("executing proxied operation")

	handler := ops.MessageHandlerFunc(func(severity ops.MessageSeverity, message string) {
		_ = send(FrameMessage, req.id, &MessagePayload{Severity: severity, Message: message})
	})
	attachments := &remoteAttachments{req: req, count: er.Attachments, send: send}

	control := ops.TransactionControlFunc(func(tx ops.ModelTransaction, result *ops.Response) {
		req.mu.Lock()
		req.prepared = true
		req.mu.Unlock()
		if err := send(FramePrepared, req.id, &ResponsePayload{Response: result}); err != nil {
			logger.WithError(err).Warn("could not report prepare, rolling back")
			tx.Rollback()
			return
		}
		timer := time.NewTimer(s.decisionTimeout)
		defer timer.Stop()
		select {
		case d := <-req.decision:
			if d == FrameCommit {
				logger.Debug("committing")
				tx.Commit()
				return
			}
			logger.Debug("rolling back on request")
		case <-req.lost:
			logger.Warn("channel lost while prepared, rolling back")
		case <-timer.C:
			logger.Warnf("no decision within %s, rolling back", s.decisionTimeout)
		}
		tx.Rollback()
	})

	resp := s.target.Execute(ctx, op, handler, control, attachments)

	req.mu.Lock()
	prepared := req.prepared
	req.mu.Unlock()
	t := FrameFailed
	if prepared {
		t = FrameCompleted
	}
	if err := send(t, req.id, &ResponsePayload{Response: resp}); err != nil {
		logger.WithError(err).Debugf("could not send %s", t)
	}
}

// remoteAttachments fetches attachment streams from the client on demand.
type remoteAttachments struct {
	req   *serverRequest
	count int
	send  sendFunc
}

var _ ops.Attachments = (*remoteAttachments)(nil)

func (a *remoteAttachments) Count() int { return a.count }

func (a *remoteAttachments) Stream(index int) (io.ReadCloser, error) {
	if index < 0 || index >= a.count {
		return nil, fmt.Errorf("no attachment stream at index %d", index)
	}
	q := a.req.openStream(index)
	if err := a.send(FrameAttachmentRequest, a.req.id, &AttachmentRequest{Index: index}); err != nil {
		a.req.closeStream(index)
		return nil, fmt.Errorf("failed to request attachment %d: %w", index, err)
	}
	return &attachmentReader{
		chunks: q,
		lost:   a.req.lost,
		close:  func() { a.req.closeStream(index) },
	}, nil
}

type attachmentReader struct {
	chunks *queue[AttachmentChunk]
	lost   <-chan struct{}
	close  func()
	buf    []byte
	err    error
}

func (r *attachmentReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		c, ok := r.chunks.pop()
		if !ok {
			select {
			case <-r.chunks.ready:
			case <-r.lost:
				r.err = io.ErrUnexpectedEOF
			}
			continue
		}
		switch {
		case c.Error != "":
			r.err = fmt.Errorf("attachment %d: %s", c.Index, c.Error)
		case c.EOF:
			r.err = io.EOF
		}
		r.buf = c.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *attachmentReader) Close() error {
	r.close()
	return nil
}

package ops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/openfroyo/mgmtd/pkg/address"
)

// MessageSeverity is the severity of a progress message.
type MessageSeverity string

const (
	SeverityInfo    MessageSeverity = "INFO"
	SeverityWarning MessageSeverity = "WARN"
	SeverityError   MessageSeverity = "ERROR"
)

// MessageHandler receives progress messages emitted while an operation runs.
type MessageHandler interface {
	HandleMessage(severity MessageSeverity, message string)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(severity MessageSeverity, message string)

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(severity MessageSeverity, message string) {
	f(severity, message)
}

// DiscardMessages ignores all messages.
var DiscardMessages MessageHandler = MessageHandlerFunc(func(MessageSeverity, string) {})

// Attachments are binary streams that travel alongside an operation, such as
// deployment content. Streams are opened lazily by index.
type Attachments interface {
	Count() int
	Stream(index int) (io.ReadCloser, error)
}

// BytesAttachments holds attachments in memory.
type BytesAttachments [][]byte

// Count implements Attachments.
func (b BytesAttachments) Count() int { return len(b) }

// Stream implements Attachments.
func (b BytesAttachments) Stream(index int) (io.ReadCloser, error) {
	if index < 0 || index >= len(b) {
		return nil, fmt.Errorf("no attachment stream at index %d", index)
	}
	return io.NopCloser(bytes.NewReader(b[index])), nil
}

// NoAttachments is the empty attachment set.
var NoAttachments Attachments = BytesAttachments(nil)

// ModelTransaction is a prepared transaction. Exactly one of Commit or
// Rollback takes effect; repeated or late calls are no-ops.
type ModelTransaction interface {
	Commit()
	Rollback()
}

// TransactionControl is notified when a transaction reaches PREPARED. The
// implementation must eventually call Commit or Rollback on tx.
type TransactionControl interface {
	OperationPrepared(tx ModelTransaction, result *Response)
}

// TransactionControlFunc adapts a function to TransactionControl.
type TransactionControlFunc func(tx ModelTransaction, result *Response)

// OperationPrepared implements TransactionControl.
func (f TransactionControlFunc) OperationPrepared(tx ModelTransaction, result *Response) {
	f(tx, result)
}

// AutoCommit commits every prepared transaction.
var AutoCommit TransactionControl = TransactionControlFunc(func(tx ModelTransaction, _ *Response) {
	tx.Commit()
})

// ProxyOperationControl receives the outcome of a proxied operation. The proxy
// calls exactly one of OperationFailed, or OperationPrepared followed by
// OperationCompleted.
type ProxyOperationControl interface {
	OperationFailed(response *Response)
	OperationPrepared(tx ModelTransaction, response *Response)
	OperationCompleted(response *Response)
}

// ProxyController forwards operations to a delegate controller.
type ProxyController interface {
	// ProxyNodeAddress is the address at which the proxy is mounted.
	ProxyNodeAddress() address.PathAddress

	// Execute forwards op, whose address is relative to the proxy node.
	Execute(ctx context.Context, op *Operation, handler MessageHandler,
		control ProxyOperationControl, attachments Attachments)
}

type onceTransaction struct {
	once     sync.Once
	commit   func()
	rollback func()
}

// NewTransaction returns a ModelTransaction where only the first of Commit or
// Rollback runs its function.
func NewTransaction(commit, rollback func()) ModelTransaction {
	return &onceTransaction{commit: commit, rollback: rollback}
}

func (t *onceTransaction) Commit() {
	t.once.Do(func() {
		if t.commit != nil {
			t.commit()
		}
	})
}

func (t *onceTransaction) Rollback() {
	t.once.Do(func() {
		if t.rollback != nil {
			t.rollback()
		}
	})
}

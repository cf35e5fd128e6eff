// Package proxy implements the remote proxy protocol: an operation is
// forwarded over a bidirectional frame channel to a controller in another
// process, which drives it to PREPARED and then waits for the caller's commit
// or rollback decision.
//
// Frames are JSON objects. Over byte streams they are written one per line.
// Every frame except channel-level ones carries the request ID it belongs to.
//
//	client                              server
//	  execute  ───────────────────────▶
//	           ◀─────────────────────── message*
//	           ◀─────────────────────── attachment-request
//	  attachment-chunk+ ──────────────▶
//	           ◀─────────────────────── failed            (done)
//	           ◀─────────────────────── prepared
//	  commit | rollback ──────────────▶
//	           ◀─────────────────────── completed         (done)
package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/mgmtd/pkg/ops"
)

// FrameType identifies the kind of frame.
type FrameType string

const (
	// FrameExecute starts a request. Sent by the client.
	FrameExecute FrameType = "execute"

	// FrameMessage relays a progress message. Sent by the server.
	FrameMessage FrameType = "message"

	// FrameFailed ends a request that did not reach PREPARED.
	FrameFailed FrameType = "failed"

	// FramePrepared carries the tentative result of a prepared transaction.
	FramePrepared FrameType = "prepared"

	// FrameCommit tells the server to commit a prepared transaction.
	FrameCommit FrameType = "commit"

	// FrameRollback tells the server to roll back. Before PREPARED it
	// cancels the request.
	FrameRollback FrameType = "rollback"

	// FrameCompleted carries the definitive result and ends the request.
	FrameCompleted FrameType = "completed"

	// FrameAttachmentRequest asks the client for one attachment stream.
	FrameAttachmentRequest FrameType = "attachment-request"

	// FrameAttachmentChunk carries part of an attachment stream.
	FrameAttachmentChunk FrameType = "attachment-chunk"
)

// Validate checks if the frame type is valid.
func (t FrameType) Validate() error {
	switch t {
	case FrameExecute, FrameMessage, FrameFailed, FramePrepared, FrameCommit,
		FrameRollback, FrameCompleted, FrameAttachmentRequest, FrameAttachmentChunk:
		return nil
	default:
		return fmt.Errorf("invalid frame type: %s", t)
	}
}

// Frame is the envelope for all protocol traffic.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with data marshalled as its payload.
func NewFrame(t FrameType, requestID string, data interface{}) (*Frame, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f := &Frame{Type: t, RequestID: requestID, Timestamp: time.Now().UTC()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		f.Data = b
	}
	return f, nil
}

// Validate checks the envelope.
func (f *Frame) Validate() error {
	if err := f.Type.Validate(); err != nil {
		return err
	}
	if f.RequestID == "" {
		return fmt.Errorf("%s frame without request ID", f.Type)
	}
	return nil
}

// Decode parses the frame payload into target.
func (f *Frame) Decode(target interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", f.Type, err)
	}
	return nil
}

// ExecuteRequest is the payload of an execute frame.
type ExecuteRequest struct {
	Operation   *ops.Operation `json:"operation"`
	Attachments int            `json:"attachments,omitempty"`
}

// Validate checks the request.
func (r *ExecuteRequest) Validate() error {
	if r.Operation == nil {
		return fmt.Errorf("operation is required")
	}
	if r.Attachments < 0 {
		return fmt.Errorf("attachment count must not be negative")
	}
	return r.Operation.Validate()
}

// MessagePayload is a relayed progress message.
type MessagePayload struct {
	Severity ops.MessageSeverity `json:"severity"`
	Message  string              `json:"message"`
}

// ResponsePayload carries a response in failed, prepared and completed
// frames.
type ResponsePayload struct {
	Response *ops.Response `json:"response"`
}

// AttachmentRequest asks for the stream at Index.
type AttachmentRequest struct {
	Index int `json:"index"`
}

// AttachmentChunk is one piece of an attachment stream. The final chunk has
// EOF set, or Error when the stream could not be read.
type AttachmentChunk struct {
	Index int    `json:"index"`
	Data  []byte `json:"data,omitempty"`
	EOF   bool   `json:"eof,omitempty"`
	Error string `json:"error,omitempty"`
}

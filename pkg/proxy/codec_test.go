package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
)

func TestFrameTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		t       FrameType
		wantErr bool
	}{
		{"execute", FrameExecute, false},
		{"prepared", FramePrepared, false},
		{"attachment chunk", FrameAttachmentChunk, false},
		{"empty", FrameType(""), true},
		{"unknown", FrameType("CMD"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.t.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncoder(t *testing.T) {
	op := ops.NewOperation(ops.OpReadResource, address.MustParse("/subsystem=web")).
		SetParam(ops.ParamRecursive, node.Bool(true))
	tests := []struct {
		name      string
		frameType FrameType
		requestID string
		data      interface{}
		wantErr   bool
	}{
		{
			name:      "execute",
			frameType: FrameExecute,
			requestID: "req-1",
			data:      &ExecuteRequest{Operation: op, Attachments: 1},
		},
		{
			name:      "message",
			frameType: FrameMessage,
			requestID: "req-1",
			data:      &MessagePayload{Severity: ops.SeverityWarning, Message: "slow"},
		},
		{
			name:      "prepared",
			frameType: FramePrepared,
			requestID: "req-1",
			data:      &ResponsePayload{Response: ops.Success(node.String("ok"))},
		},
		{
			name:      "commit without payload",
			frameType: FrameCommit,
			requestID: "req-1",
		},
		{
			name:      "missing request id",
			frameType: FrameCommit,
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFrame(tt.frameType, tt.requestID, tt.data)
			if err != nil {
				t.Fatalf("NewFrame() error = %v", err)
			}
			var buf bytes.Buffer
			err = NewEncoder(&buf).Encode(f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !strings.HasSuffix(buf.String(), "\n") || strings.Count(buf.String(), "\n") != 1 {
				t.Errorf("frame is not a single line: %q", buf.String())
			}
			var got Frame
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output is not valid JSON: %v", err)
			}
			if got.Type != tt.frameType || got.RequestID != tt.requestID {
				t.Errorf("got %s/%s, want %s/%s", got.Type, got.RequestID, tt.frameType, tt.requestID)
			}
		})
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FrameType
		wantErr bool
	}{
		{
			name:  "execute",
			input: `{"type":"execute","request_id":"r1","ts":"2024-01-01T00:00:00Z","data":{"operation":{"address":[],"operation":"read-resource"}}}`,
			want:  FrameExecute,
		},
		{
			name:  "blank lines are skipped",
			input: "\n\n" + `{"type":"commit","request_id":"r1","ts":"2024-01-01T00:00:00Z"}`,
			want:  FrameCommit,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   `{"type":"READY","request_id":"r1","ts":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "missing request id",
			input:   `{"type":"commit","ts":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewDecoder(strings.NewReader(tt.input + "\n")).Decode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && f.Type != tt.want {
				t.Errorf("type = %s, want %s", f.Type, tt.want)
			}
		})
	}
}

func TestDecoderEOF(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("")).Decode()
	if !errors.Is(err, io.EOF) {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

func TestExecuteRequestRoundTrip(t *testing.T) {
	op := ops.NewOperation(ops.OpWriteAttribute, address.MustParse("/subsystem=web/connector=a")).
		SetParam(ops.ParamName, node.String("port")).
		SetParam(ops.ParamValue, node.Int(8443))
	f, err := NewFrame(FrameExecute, "r1", &ExecuteRequest{Operation: op})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(f); err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatal(err)
	}
	var er ExecuteRequest
	if err := got.Decode(&er); err != nil {
		t.Fatal(err)
	}
	if err := er.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if er.Operation.Name != op.Name || !er.Operation.Address.Equal(op.Address) {
		t.Errorf("operation = %s %s", er.Operation.Name, er.Operation.Address)
	}
	if v := er.Operation.IntParam(ops.ParamValue, 0); v != 8443 {
		t.Errorf("value = %d, want 8443", v)
	}
}

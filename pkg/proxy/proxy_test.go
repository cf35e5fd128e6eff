package proxy

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/controller/global"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

const waitFor = 5 * time.Second

var mount = address.Of("server", "remote")

// newModel returns a root with the global operations, /test=* and an
// "upload" operation that echoes its first attachment.
func newModel(t *testing.T) *registry.Registration {
	t.Helper()
	root := registry.NewRoot("proxy test")
	if err := global.Register(root); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := global.RegisterResource(root, registry.ResourceDefinition{
		Element:    address.WildcardElement("test"),
		Attributes: []*registry.AttributeDefinition{{Name: "attr", Type: node.KindString}},
	})
	if err != nil {
		t.Fatalf("RegisterResource() error = %v", err)
	}
	err = root.RegisterOperation(&registry.OperationDefinition{Name: "upload", ReadOnly: true},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			ctx.Report(ops.SeverityInfo, "reading attachment")
			r, err := ctx.Attachments().Stream(0)
			if err != nil {
				return ops.NewHandlerError("no attachment", err)
			}
			defer r.Close()
			b, err := io.ReadAll(r)
			if err != nil {
				return ops.NewHandlerError("attachment read failed", err)
			}
			ctx.Result().Set(node.String(string(b)))
			return nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func newController(t *testing.T, root *registry.Registration, boot ...*ops.Operation) *controller.ModelController {
	t.Helper()
	c, err := controller.New(root, controller.DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Boot(context.Background(), boot); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func addOp(addr string) *ops.Operation {
	return ops.NewOperation(ops.OpAdd, address.MustParse(addr))
}

// serve runs a Server for target on one end of ch and returns the other.
func serve(t *testing.T, target Executor, opts ...ServerOption) Channel {
	t.Helper()
	client, server := Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewServer(target, opts...).Serve(context.Background(), server)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		<-done
	})
	return client
}

// newHost mounts the remote controller reachable over ch at /server=remote.
func newHost(t *testing.T, ch Channel) *controller.ModelController {
	t.Helper()
	root := newModel(t)
	proxy := NewRemoteProxyController(mount, ch)
	if _, err := root.RegisterProxyController(mount.Last(), proxy); err != nil {
		t.Fatal(err)
	}
	return newController(t, root)
}

func hasTest(c *controller.ModelController, name string) bool {
	return c.Model().HasChild(address.Element("test", name))
}

func mustSucceed(t *testing.T, resp *ops.Response) *node.Node {
	t.Helper()
	if !resp.IsSuccess() {
		t.Fatalf("outcome = %s, failure = %v", resp.Outcome, resp.FailureDescription)
	}
	return resp.ResultOrUndefined()
}

func composite(steps ...*ops.Operation) *ops.Operation {
	list := node.List()
	for _, s := range steps {
		b, err := s.MarshalJSON()
		if err != nil {
			panic(err)
		}
		n, err := node.FromJSON(string(b))
		if err != nil {
			panic(err)
		}
		list.Append(n)
	}
	return ops.NewOperation(ops.OpComposite, address.Empty).SetParam(ops.ParamSteps, list)
}

func TestRemoteReadAndFanOut(t *testing.T) {
	server := newController(t, newModel(t), addOp("/test=a").SetParam("attr", node.String("cool")), addOp("/test=b"))
	host := newHost(t, serve(t, server))
	ctx := context.Background()

	got := mustSucceed(t, host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/test=a"))))
	if v := got.Get("attr").AsString(); v != "cool" {
		t.Errorf("attr = %q, want cool", v)
	}

	got = mustSucceed(t, host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/test=*"))))
	var addrs []string
	for _, e := range got.Elements() {
		a, err := ops.AddressFromNode(e.Get(ops.FieldAddress))
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, a.String())
	}
	if diff := cmp.Diff([]string{"/server=remote/test=a", "/server=remote/test=b"}, addrs); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}

	resp := host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/test=missing")))
	if resp.IsSuccess() || !ops.IsNoSuchResource(resp.Err()) {
		t.Fatalf("response = %+v", resp)
	}
	if a := ops.AsOperationError(resp.Err()).Address; a == nil || a.String() != "/server=remote/test=missing" {
		t.Errorf("failure address = %v", a)
	}
}

func TestCompositeCommitsLocalAndRemote(t *testing.T) {
	server := newController(t, newModel(t))
	host := newHost(t, serve(t, server))

	mustSucceed(t, host.ExecuteOperation(context.Background(), composite(
		addOp("/test=local"),
		addOp("/server=remote/test=remote"),
	)))
	if !hasTest(host, "local") || !hasTest(server, "remote") {
		t.Errorf("local=%v remote=%v, want both committed", hasTest(host, "local"), hasTest(server, "remote"))
	}
}

func TestCompositeRollsBackEveryParticipant(t *testing.T) {
	tests := []struct {
		name  string
		steps []*ops.Operation
	}{
		{
			name: "local step fails after remote prepared",
			steps: []*ops.Operation{
				addOp("/server=remote/test=remote"),
				addOp("/test=local"),
				addOp("/test=local"),
			},
		},
		{
			name: "remote step fails",
			steps: []*ops.Operation{
				addOp("/test=local"),
				addOp("/server=remote/test=exists"),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newController(t, newModel(t), addOp("/test=exists"))
			host := newHost(t, serve(t, server))

			resp := host.ExecuteOperation(context.Background(), composite(tt.steps...))
			if resp.IsSuccess() || !resp.RolledBack {
				t.Fatalf("response = %+v", resp)
			}
			if hasTest(host, "local") || hasTest(server, "remote") {
				t.Errorf("local=%v remote=%v, want neither committed", hasTest(host, "local"), hasTest(server, "remote"))
			}
			if !hasTest(server, "exists") {
				t.Error("remote boot resource lost")
			}
		})
	}
}

func TestAttachmentsAndMessages(t *testing.T) {
	server := newController(t, newModel(t))
	host := newHost(t, serve(t, server))

	var (
		mu       sync.Mutex
		messages []string
	)
	handler := ops.MessageHandlerFunc(func(_ ops.MessageSeverity, m string) {
		mu.Lock()
		messages = append(messages, m)
		mu.Unlock()
	})
	content := strings.Repeat("deployment-content;", 10000)
	op := ops.NewOperation("upload", address.MustParse("/server=remote"))
	resp := host.Execute(context.Background(), op, handler, nil, ops.BytesAttachments{[]byte(content)})
	got := mustSucceed(t, resp)
	if got.AsString() != content {
		t.Errorf("echoed %d bytes, want %d", len(got.AsString()), len(content))
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"reading attachment"}, messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketTransport(t *testing.T) {
	server := newController(t, newModel(t))
	ts := httptest.NewServer(NewServer(server).Handler())
	defer ts.Close()

	ch, err := DialWebSocket(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	host := newHost(t, ch)
	t.Cleanup(func() { _ = ch.Close() })

	mustSucceed(t, host.ExecuteOperation(context.Background(), addOp("/server=remote/test=ws")))
	if !hasTest(server, "ws") {
		t.Error("remote add not committed")
	}
}

// recorder is a ProxyOperationControl that records callbacks.
type recorder struct {
	failed    chan *ops.Response
	prepared  chan ops.ModelTransaction
	completed chan *ops.Response
}

func newRecorder() *recorder {
	return &recorder{
		failed:    make(chan *ops.Response, 1),
		prepared:  make(chan ops.ModelTransaction, 1),
		completed: make(chan *ops.Response, 1),
	}
}

func (r *recorder) OperationFailed(resp *ops.Response) { r.failed <- resp }
func (r *recorder) OperationPrepared(tx ops.ModelTransaction, _ *ops.Response) {
	r.prepared <- tx
}
func (r *recorder) OperationCompleted(resp *ops.Response) { r.completed <- resp }

func receive(t *testing.T, ch Channel, want FrameType) *Frame {
	t.Helper()
	type result struct {
		f   *Frame
		err error
	}
	out := make(chan result, 1)
	go func() {
		f, err := ch.Receive()
		out <- result{f, err}
	}()
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("Receive() error = %v", r.err)
		}
		if r.f.Type != want {
			t.Fatalf("frame type = %s, want %s", r.f.Type, want)
		}
		return r.f
	case <-time.After(waitFor):
		t.Fatalf("no %s frame", want)
		return nil
	}
}

func sendFrame(t *testing.T, ch Channel, ft FrameType, id string, data interface{}) {
	t.Helper()
	f, err := NewFrame(ft, id, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(f); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// startClient runs one request through a client whose peer the test drives.
func startClient(t *testing.T, ctx context.Context) (peer Channel, rec *recorder, execute *Frame) {
	t.Helper()
	local, peer := Pipe()
	client := NewRemoteProxyController(mount, local)
	t.Cleanup(func() { _ = client.Close() })
	rec = newRecorder()
	go client.Execute(ctx, addOp("/test=x"), nil, rec, nil)
	return peer, rec, receive(t, peer, FrameExecute)
}

func TestChannelClosedBeforePrepareFails(t *testing.T) {
	peer, rec, _ := startClient(t, context.Background())
	_ = peer.Close()

	resp := await(t, rec.failed, "failure")
	if oe := ops.AsOperationError(resp.Err()); oe == nil || oe.Code != ops.ErrCodeChannelClosed {
		t.Errorf("failure = %v", resp.FailureDescription)
	}
}

func TestChannelClosedAfterPrepareRollsBack(t *testing.T) {
	peer, rec, exec := startClient(t, context.Background())
	sendFrame(t, peer, FramePrepared, exec.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	await(t, rec.prepared, "prepare")
	_ = peer.Close()

	resp := await(t, rec.completed, "completion")
	if resp.IsSuccess() || !resp.RolledBack {
		t.Errorf("completion = %+v, want rolled back", resp)
	}
}

func TestDecisionIsSentOnce(t *testing.T) {
	peer, rec, exec := startClient(t, context.Background())
	sendFrame(t, peer, FramePrepared, exec.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	tx := await(t, rec.prepared, "prepare")

	// Pipe writes block until read, so decide from another goroutine.
	go func() {
		tx.Commit()
		tx.Commit()
		tx.Rollback()
	}()
	receive(t, peer, FrameCommit)

	sendFrame(t, peer, FrameCompleted, exec.RequestID, &ResponsePayload{Response: ops.Success(node.String("done"))})
	resp := await(t, rec.completed, "completion")
	if !resp.IsSuccess() || resp.ResultOrUndefined().AsString() != "done" {
		t.Errorf("completion = %+v", resp)
	}

	// No further frames follow the single commit.
	_ = peer.Close()
	if f, err := peer.Receive(); err == nil {
		t.Errorf("unexpected %s frame after completion", f.Type)
	}
}

func TestContextEndBeforePrepareCancelsRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	peer, rec, exec := startClient(t, ctx)
	cancel()

	f := receive(t, peer, FrameRollback)
	if f.RequestID != exec.RequestID {
		t.Errorf("rollback for %s, want %s", f.RequestID, exec.RequestID)
	}
	resp := await(t, rec.failed, "failure")
	if oe := ops.AsOperationError(resp.Err()); oe == nil || oe.Code != ops.ErrCodeTimeout {
		t.Errorf("failure = %v", resp.FailureDescription)
	}
}

func TestServerRollsBackWithoutDecision(t *testing.T) {
	server := newController(t, newModel(t))
	ch := serve(t, server, WithDecisionTimeout(50*time.Millisecond))

	sendFrame(t, ch, FrameExecute, "r1", &ExecuteRequest{Operation: addOp("/test=undecided")})
	receive(t, ch, FramePrepared)
	f := receive(t, ch, FrameCompleted)

	resp := decodeResponse(f)
	if resp.IsSuccess() || !resp.RolledBack {
		t.Errorf("completion = %+v, want rolled back", resp)
	}
	if hasTest(server, "undecided") {
		t.Error("undecided transaction committed")
	}
}

func TestServerRejectsInvalidRequest(t *testing.T) {
	server := newController(t, newModel(t))
	ch := serve(t, server)

	sendFrame(t, ch, FrameExecute, "r1", &ExecuteRequest{})
	f := receive(t, ch, FrameFailed)
	if resp := decodeResponse(f); !ops.IsValidation(resp.Err()) {
		t.Errorf("failure = %v", resp.FailureDescription)
	}
}

func TestServerRollbackFrameAfterPrepare(t *testing.T) {
	server := newController(t, newModel(t))
	ch := serve(t, server)

	sendFrame(t, ch, FrameExecute, "r1", &ExecuteRequest{Operation: addOp("/test=declined")})
	receive(t, ch, FramePrepared)
	sendFrame(t, ch, FrameRollback, "r1", nil)
	resp := decodeResponse(receive(t, ch, FrameCompleted))
	if resp.IsSuccess() || !resp.RolledBack {
		t.Errorf("completion = %+v, want rolled back", resp)
	}
	if hasTest(server, "declined") {
		t.Error("declined transaction committed")
	}
}

// gatedUpload opens the first attachment of "upload" requests and waits for
// gate before reading it. Every request prepares and reports whether it was
// committed.
type gatedUpload struct {
	gate chan struct{}
}

func (g *gatedUpload) Execute(_ context.Context, op *ops.Operation, _ ops.MessageHandler,
	control ops.TransactionControl, attachments ops.Attachments) *ops.Response {
	result := node.New()
	if op.Name == "upload" {
		r, err := attachments.Stream(0)
		if err != nil {
			return ops.Failed(ops.NewHandlerError("no attachment", err), false)
		}
		<-g.gate
		b, err := io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return ops.Failed(ops.NewHandlerError("attachment read failed", err), false)
		}
		result = node.String(string(b))
	}
	committed := make(chan bool, 1)
	control.OperationPrepared(ops.NewTransaction(
		func() { committed <- true },
		func() { committed <- false },
	), ops.Success(result))
	if !<-committed {
		return ops.Failed(ops.NewHandlerError("rolled back", nil), true)
	}
	return ops.Success(result)
}

func TestStalledAttachmentReaderDoesNotBlockServer(t *testing.T) {
	gate := make(chan struct{})
	ch := serve(t, &gatedUpload{gate: gate})

	sendFrame(t, ch, FrameExecute, "upload", &ExecuteRequest{
		Operation:   ops.NewOperation("upload", address.Empty),
		Attachments: 1,
	})
	receive(t, ch, FrameAttachmentRequest)

	const chunks = 100
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i <= chunks; i++ {
			c := &AttachmentChunk{Index: 0, Data: []byte("x")}
			if i == chunks {
				c = &AttachmentChunk{Index: 0, EOF: true}
			}
			f, err := NewFrame(FrameAttachmentChunk, "upload", c)
			if err != nil || ch.Send(f) != nil {
				return
			}
		}
	}()
	await(t, sent, "attachment chunks to be accepted")

	sendFrame(t, ch, FrameExecute, "other", &ExecuteRequest{Operation: addOp("/test=other")})
	if f := receive(t, ch, FramePrepared); f.RequestID != "other" {
		t.Fatalf("prepared %s, want other", f.RequestID)
	}
	sendFrame(t, ch, FrameCommit, "other", nil)
	if resp := decodeResponse(receive(t, ch, FrameCompleted)); !resp.IsSuccess() {
		t.Fatalf("other completion = %+v", resp)
	}

	close(gate)
	f := receive(t, ch, FramePrepared)
	if got := decodeResponse(f).ResultOrUndefined().AsString(); got != strings.Repeat("x", chunks) {
		t.Errorf("upload read %d bytes, want %d", len(got), chunks)
	}
	sendFrame(t, ch, FrameCommit, "upload", nil)
	if resp := decodeResponse(receive(t, ch, FrameCompleted)); !resp.IsSuccess() {
		t.Errorf("upload completion = %+v", resp)
	}
}

// gatedRecorder blocks in OperationPrepared until gate closes.
type gatedRecorder struct {
	*recorder
	gate chan struct{}
}

func (r *gatedRecorder) OperationPrepared(tx ops.ModelTransaction, _ *ops.Response) {
	r.prepared <- tx
	<-r.gate
}

func TestBusyRequestDoesNotBlockClient(t *testing.T) {
	local, peer := Pipe()
	client := NewRemoteProxyController(mount, local)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	busy := &gatedRecorder{recorder: newRecorder(), gate: make(chan struct{})}
	go client.Execute(ctx, addOp("/test=a"), nil, busy, nil)
	execA := receive(t, peer, FrameExecute)
	sendFrame(t, peer, FramePrepared, execA.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	txA := await(t, busy.prepared, "prepare of a")

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 200; i++ {
			f, err := NewFrame(FrameMessage, execA.RequestID, &MessagePayload{Severity: ops.SeverityInfo, Message: "progress"})
			if err != nil || peer.Send(f) != nil {
				return
			}
		}
	}()
	await(t, sent, "messages to be accepted")

	rec := newRecorder()
	go client.Execute(ctx, addOp("/test=b"), nil, rec, nil)
	execB := receive(t, peer, FrameExecute)
	sendFrame(t, peer, FramePrepared, execB.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	txB := await(t, rec.prepared, "prepare of b")
	go txB.Commit()
	if f := receive(t, peer, FrameCommit); f.RequestID != execB.RequestID {
		t.Fatalf("commit for %s, want %s", f.RequestID, execB.RequestID)
	}
	sendFrame(t, peer, FrameCompleted, execB.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	if resp := await(t, rec.completed, "completion of b"); !resp.IsSuccess() {
		t.Errorf("completion of b = %+v", resp)
	}

	close(busy.gate)
	go txA.Commit()
	receive(t, peer, FrameCommit)
	sendFrame(t, peer, FrameCompleted, execA.RequestID, &ResponsePayload{Response: ops.Success(nil)})
	if resp := await(t, busy.completed, "completion of a"); !resp.IsSuccess() {
		t.Errorf("completion of a = %+v", resp)
	}
}

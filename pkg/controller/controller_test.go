package controller

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

var (
	readModel = registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
		r, err := ctx.ReadResource(address.Empty)
		if err != nil {
			return err
		}
		ctx.Result().Set(r.Model())
		return nil
	})

	addModel = registry.StepHandlerFunc(func(ctx registry.OperationContext, op *ops.Operation) error {
		r, err := ctx.CreateResource(address.Empty, int(op.IntParam(ops.ParamAddIndex, -1)))
		if err != nil {
			return err
		}
		if op.HasParam("attr") {
			r.Model().Get("attr").Set(op.Param("attr"))
		}
		return nil
	})

	removeModel = registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
		_, err := ctx.RemoveResource(address.Empty)
		return err
	})
)

var addParams = []*registry.AttributeDefinition{
	{Name: "attr", Type: node.KindString},
	{Name: ops.ParamAddIndex, Type: node.KindInt},
}

func registerCRUD(t *testing.T, reg *registry.Registration) {
	t.Helper()
	for _, e := range []struct {
		def *registry.OperationDefinition
		h   registry.StepHandler
	}{
		{&registry.OperationDefinition{Name: ops.OpAdd, Parameters: addParams}, addModel},
		{&registry.OperationDefinition{Name: ops.OpRemove}, removeModel},
	} {
		if err := reg.RegisterOperation(e.def, e.h); err != nil {
			t.Fatalf("RegisterOperation(%s) error = %v", e.def.Name, err)
		}
	}
}

func sub(t *testing.T, parent *registry.Registration, elem address.PathElement, ordered bool) *registry.Registration {
	t.Helper()
	reg, err := parent.RegisterSubModel(registry.ResourceDefinition{Element: elem, Ordered: ordered})
	if err != nil {
		t.Fatalf("RegisterSubModel(%s) error = %v", elem, err)
	}
	registerCRUD(t, reg)
	return reg
}

// newTestRoot builds:
//
//	/subsystem=web/connector=*   (ordered)
//	/host=*/server=*
//	/test=*
//	/alias=web -> /subsystem=web
func newTestRoot(t *testing.T) *registry.Registration {
	t.Helper()
	root := registry.NewRoot("test")
	err := root.RegisterOperation(&registry.OperationDefinition{
		Name: ops.OpReadResource, ReadOnly: true, Inherited: true,
	}, readModel)
	if err != nil {
		t.Fatal(err)
	}
	web := sub(t, root, address.Element("subsystem", "web"), false)
	sub(t, web, address.WildcardElement("connector"), true)
	host := sub(t, root, address.WildcardElement("host"), false)
	sub(t, host, address.WildcardElement("server"), false)
	sub(t, root, address.WildcardElement("test"), false)
	if _, err := root.RegisterAlias(address.Element("alias", "web"), registry.NewAliasEntry(web, nil)); err != nil {
		t.Fatal(err)
	}
	return root
}

func newBooted(t *testing.T, root *registry.Registration, boot ...*ops.Operation) *ModelController {
	t.Helper()
	c, err := New(root, DefaultConfig())
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

func mustSucceed(t *testing.T, resp *ops.Response) *node.Node {
	t.Helper()
	if !resp.IsSuccess() {
		t.Fatalf("outcome = %s, failure = %v", resp.Outcome, resp.FailureDescription)
	}
	return resp.ResultOrUndefined()
}

func listAddresses(t *testing.T, list *node.Node) []string {
	t.Helper()
	var out []string
	for _, e := range list.Elements() {
		addr, err := ops.AddressFromNode(e.Get(ops.FieldAddress))
		if err != nil {
			t.Fatalf("AddressFromNode() error = %v", err)
		}
		out = append(out, addr.String())
	}
	return out
}

func TestExecuteRefusedBeforeBoot(t *testing.T) {
	c, err := New(newTestRoot(t), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpReadResource, address.Empty))
	if resp.IsSuccess() {
		t.Fatal("operation succeeded before boot")
	}
	if got := ops.AsOperationError(resp.Err()).Code; got != ops.ErrCodeNotRunning {
		t.Errorf("code = %s, want %s", got, ops.ErrCodeNotRunning)
	}
}

func TestBootRunsOperationsInOrder(t *testing.T) {
	c := newBooted(t, newTestRoot(t),
		addOp("/subsystem=web"),
		addOp("/subsystem=web/connector=http").SetParam("attr", node.String("8080")),
	)
	if c.ProcessState().State() != StateRunning {
		t.Fatalf("state = %s", c.ProcessState().State())
	}
	r, err := c.Model().Navigate(address.MustParse("/subsystem=web/connector=http"))
	if err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}
	if got := r.Model().Get("attr").AsString(); got != "8080" {
		t.Errorf("attr = %q", got)
	}
	if err := c.Boot(context.Background(), nil); err == nil {
		t.Error("second Boot() succeeded")
	}
}

func TestAddReadRemove(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	ctx := context.Background()

	mustSucceed(t, c.ExecuteOperation(ctx, addOp("/test=exists").SetParam("attr", node.String("cool"))))

	got := mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.Of("test", "exists"))))
	if !got.Equal(node.Of(map[string]any{"attr": "cool"})) {
		t.Errorf("read-resource = %s", got)
	}

	mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation(ops.OpRemove, address.Of("test", "exists"))))
	resp := c.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.Of("test", "exists")))
	if resp.IsSuccess() {
		t.Fatal("read after remove succeeded")
	}
	oe := ops.AsOperationError(resp.Err())
	if !ops.IsNoSuchResource(oe) || oe.Address == nil || oe.Address.String() != "/test=exists" {
		t.Errorf("failure = %v", oe)
	}
}

func TestWildcardCrossProduct(t *testing.T) {
	c := newBooted(t, newTestRoot(t),
		addOp("/host=a"), addOp("/host=a/server=one"), addOp("/host=a/server=two"),
		addOp("/host=b"), addOp("/host=b/server=three"),
		addOp("/host=c"),
	)
	ctx := context.Background()

	tests := []struct {
		addr string
		want []string
	}{
		{"/host=*/server=*", []string{"/host=a/server=one", "/host=a/server=two", "/host=b/server=three"}},
		{"/host=*", []string{"/host=a", "/host=b", "/host=c"}},
		{"/host=[a,c]", []string{"/host=a", "/host=c"}},
		{"/host=c/server=*", nil},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got := mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse(tt.addr))))
			if got.Kind() != node.KindList {
				t.Fatalf("result kind = %s", got.Kind())
			}
			addrs := listAddresses(t, got)
			sort.Strings(addrs)
			if diff := cmp.Diff(tt.want, addrs); diff != "" {
				t.Errorf("addresses mismatch (-want +got):\n%s", diff)
			}
			for _, e := range got.Elements() {
				if e.Get(ops.FieldOutcome).AsString() != string(ops.OutcomeSuccess) {
					t.Errorf("entry outcome = %s", e)
				}
			}
		})
	}
}

func TestMultiValueSkipsMissingTargets(t *testing.T) {
	c := newBooted(t, newTestRoot(t), addOp("/host=a"))
	got := mustSucceed(t, c.ExecuteOperation(context.Background(),
		ops.NewOperation(ops.OpReadResource, address.MustParse("/host=[a,missing]"))))
	if diff := cmp.Diff([]string{"/host=a"}, listAddresses(t, got)); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiTargetWriteRejected(t *testing.T) {
	c := newBooted(t, newTestRoot(t), addOp("/host=a"))
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpRemove, address.MustParse("/host=*")))
	if resp.IsSuccess() || !ops.IsValidation(resp.Err()) {
		t.Fatalf("response = %+v", resp)
	}
	if resp.RolledBack {
		t.Error("validation failure reported rolled-back")
	}
}

func TestAliasReadMatchesTarget(t *testing.T) {
	c := newBooted(t, newTestRoot(t),
		addOp("/subsystem=web").SetParam("attr", node.String("main")),
		addOp("/subsystem=web/connector=http").SetParam("attr", node.String("8080")),
	)
	ctx := context.Background()
	for _, pair := range [][2]string{
		{"/alias=web", "/subsystem=web"},
		{"/alias=web/connector=http", "/subsystem=web/connector=http"},
	} {
		viaAlias := mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse(pair[0]))))
		direct := mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse(pair[1]))))
		if !viaAlias.Equal(direct) {
			t.Errorf("%s = %s, %s = %s", pair[0], viaAlias, pair[1], direct)
		}
	}
}

func TestOrderedChildInsertion(t *testing.T) {
	c := newBooted(t, newTestRoot(t), addOp("/subsystem=web"))
	ctx := context.Background()
	inserts := []struct {
		name  string
		index int64
	}{
		{"tree", 0}, {"house", -1}, {"which", 0}, {"likes", 2}, {"mice", 1000000},
	}
	for _, in := range inserts {
		op := addOp("/subsystem=web/connector=" + in.name)
		if in.index >= 0 {
			op.SetParam(ops.ParamAddIndex, node.Int(in.index))
		}
		mustSucceed(t, c.ExecuteOperation(ctx, op))
	}
	web, err := c.Model().Navigate(address.Of("subsystem", "web"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"which", "tree", "likes", "house", "mice"}
	if diff := cmp.Diff(want, web.ChildNames("connector")); diff != "" {
		t.Errorf("child order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandlerFailureRollsBack(t *testing.T) {
	root := newTestRoot(t)
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "add-then-fail"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			if _, err := ctx.CreateResource(address.Of("test", "partial"), -1); err != nil {
				return err
			}
			return ctx.AddStep(registry.StageRuntime, ops.NewOperation("fail", address.Empty),
				registry.StepHandlerFunc(func(registry.OperationContext, *ops.Operation) error {
					return ops.NewHandlerError("runtime refused", nil)
				}))
		}))
	if err != nil {
		t.Fatal(err)
	}
	c := newBooted(t, root)
	before := c.Model()

	resp := c.ExecuteOperation(context.Background(), ops.NewOperation("add-then-fail", address.Empty))
	if resp.IsSuccess() || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	if c.Model() != before {
		t.Error("committed root changed after rollback")
	}
	if c.Model().HasChild(address.Element("test", "partial")) {
		t.Error("rolled back resource is visible")
	}
}

func TestRuntimeFailureWithoutRollback(t *testing.T) {
	root := newTestRoot(t)
	var rolledBack bool
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "add-then-fail"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			if _, err := ctx.CreateResource(address.Of("test", "kept"), -1); err != nil {
				return err
			}
			return ctx.AddStep(registry.StageRuntime, ops.NewOperation("fail", address.Empty),
				registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
					ctx.CompleteStep(func(action registry.ResultAction) {
						rolledBack = action == registry.ResultRollback
					})
					return ops.NewHandlerError("service did not start", nil)
				}))
		}))
	if err != nil {
		t.Fatal(err)
	}
	c := newBooted(t, root)

	keep := false
	op := ops.NewOperation("add-then-fail", address.Empty)
	op.Headers.RollbackOnRuntimeFailure = &keep
	resp := c.ExecuteOperation(context.Background(), op)
	if resp.IsSuccess() || resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	if !c.Model().HasChild(address.Element("test", "kept")) {
		t.Error("model change was not kept")
	}
	if !rolledBack {
		t.Error("failed runtime step was not told to roll back")
	}
}

func TestPanicIsUnexpected(t *testing.T) {
	root := newTestRoot(t)
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "panic"},
		registry.StepHandlerFunc(func(registry.OperationContext, *ops.Operation) error { panic("bad handler") }))
	if err != nil {
		t.Fatal(err)
	}
	c := newBooted(t, root)
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation("panic", address.Empty))
	if resp.IsSuccess() || !ops.IsUnexpected(resp.Err()) || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCallerRollback(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	var completions []registry.ResultAction
	control := ops.TransactionControlFunc(func(tx ops.ModelTransaction, resp *ops.Response) {
		if !resp.IsSuccess() {
			t.Errorf("prepared response = %+v", resp)
		}
		tx.Rollback()
		tx.Rollback()
		tx.Commit()
	})
	root := c.RootRegistration()
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "tracked-add"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			ctx.CompleteStep(func(a registry.ResultAction) { completions = append(completions, a) })
			_, err := ctx.CreateResource(address.Of("test", "x"), -1)
			return err
		}))
	if err != nil {
		t.Fatal(err)
	}

	resp := c.Execute(context.Background(), ops.NewOperation("tracked-add", address.Empty), nil, control, nil)
	if resp.IsSuccess() || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	if diff := cmp.Diff([]registry.ResultAction{registry.ResultRollback}, completions); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
	if c.Model().HasChild(address.Element("test", "x")) {
		t.Error("resource committed after caller rollback")
	}
}

func TestReloadRequired(t *testing.T) {
	root := newTestRoot(t)
	for _, e := range []struct {
		name string
		fn   func(registry.OperationContext)
	}{
		{"needs-reload", func(ctx registry.OperationContext) { ctx.ReloadRequired() }},
		{"revert-only", func(ctx registry.OperationContext) { ctx.RevertReloadRequired() }},
		{"reload-then-fail", func(ctx registry.OperationContext) { ctx.ReloadRequired(); ctx.SetRollbackOnly() }},
	} {
		fn := e.fn
		err := root.RegisterOperation(&registry.OperationDefinition{Name: e.name},
			registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
				fn(ctx)
				return nil
			}))
		if err != nil {
			t.Fatal(err)
		}
	}
	c := newBooted(t, root)
	ctx := context.Background()

	mustSucceed(t, c.ExecuteOperation(ctx, ops.NewOperation("revert-only", address.Empty)))
	if c.ProcessState().IsReloadRequired() {
		t.Fatal("revert without prior set changed the state")
	}

	resp := c.ExecuteOperation(ctx, ops.NewOperation("reload-then-fail", address.Empty))
	if resp.IsSuccess() {
		t.Fatal("rollback-only operation succeeded")
	}
	if c.ProcessState().IsReloadRequired() {
		t.Fatal("rolled back operation left reload-required")
	}

	resp = c.ExecuteOperation(ctx, ops.NewOperation("needs-reload", address.Empty))
	mustSucceed(t, resp)
	if !resp.Header(ops.HeaderOperationRequiresReload).BoolOr(false) {
		t.Error("missing operation-requires-reload header")
	}
	if got := resp.Header(ops.HeaderProcessState).AsString(); got != "reload-required" {
		t.Errorf("process-state header = %q", got)
	}
	if !c.ProcessState().IsReloadRequired() {
		t.Error("process is not reload-required")
	}
}

func TestCapabilityValidation(t *testing.T) {
	root := newTestRoot(t)
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "require-missing"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			ctx.RegisterRequirement(capability.Requirement{Required: "org.example.datasource.missing"})
			return nil
		}))
	if err != nil {
		t.Fatal(err)
	}
	c := newBooted(t, root)
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation("require-missing", address.Empty))
	if resp.IsSuccess() {
		t.Fatal("unsatisfied requirement committed")
	}
	if got := ops.AsOperationError(resp.Err()).Code; got != ops.ErrCodeCapability {
		t.Errorf("code = %s", got)
	}
}

func TestUnknownOperation(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation("no-such-op", address.Empty))
	if resp.IsSuccess() || ops.AsOperationError(resp.Err()).Code != ops.ErrCodeUnknownOperation {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUnregisteredAddress(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	resp := c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpReadResource, address.MustParse("/nothing=here")))
	if resp.IsSuccess() || !ops.IsNoSuchResource(resp.Err()) {
		t.Fatalf("response = %+v", resp)
	}
}

func TestWritesRefusedWhenStopping(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	c.ProcessState().SetState(StateStopping)
	resp := c.ExecuteOperation(context.Background(), addOp("/test=late"))
	if resp.IsSuccess() || ops.AsOperationError(resp.Err()).Code != ops.ErrCodeNotRunning {
		t.Fatalf("response = %+v", resp)
	}
	mustSucceed(t, c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpReadResource, address.Empty)))
}

func TestNotificationsPublishedAfterCommit(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	var got []string
	c.Telemetry().Notifications.Subscribe(func(n telemetry.Notification) {
		got = append(got, n.Type+" "+n.Source.String())
	}, nil)

	mustSucceed(t, c.ExecuteOperation(context.Background(), addOp("/test=n")))
	mustSucceed(t, c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpRemove, address.Of("test", "n"))))
	_ = c.ExecuteOperation(context.Background(), addOp("/test=n/missing=parent"))

	want := []string{"resource-added /test=n", "resource-removed /test=n"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteAsync(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	ctx := context.Background()
	var futures []*Future
	for _, name := range []string{"a", "b", "c", "d"} {
		f, err := c.ExecuteAsync(ctx, addOp("/test="+name), nil, nil, nil)
		if err != nil {
			t.Fatalf("ExecuteAsync() error = %v", err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		resp, err := f.Get(wctx)
		cancel()
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		mustSucceed(t, resp)
	}
	root, _ := c.Model().Navigate(address.Empty)
	if got := len(root.ChildNames("test")); got != 4 {
		t.Errorf("children = %d, want 4", got)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecuteAsync(ctx, addOp("/test=e"), nil, nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("ExecuteAsync() after Close error = %v", err)
	}
}

func TestBlockingTimeoutWaitsForLock(t *testing.T) {
	c := newBooted(t, newTestRoot(t))
	entered := make(chan struct{})
	release := make(chan struct{})
	root := c.RootRegistration()
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "hold"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			if _, err := ctx.ReadResourceForUpdate(address.Empty); err != nil {
				return err
			}
			close(entered)
			<-release
			return nil
		}))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *ops.Response, 1)
	go func() { done <- c.ExecuteOperation(context.Background(), ops.NewOperation("hold", address.Empty)) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := c.ExecuteOperation(ctx, addOp("/test=blocked"))
	if resp.IsSuccess() {
		t.Fatal("write succeeded while the lock was held")
	}

	mustSucceed(t, c.ExecuteOperation(context.Background(), ops.NewOperation(ops.OpReadResource, address.Empty)))
	close(release)
	mustSucceed(t, <-done)
}

func TestProcessStateListeners(t *testing.T) {
	p := NewProcessState()
	var got []State
	p.OnChange(func(s State) { got = append(got, s) })
	p.OnChange(func(s State) {
		// Registering from a listener must not deadlock.
		if s == StateRunning {
			p.OnChange(func(State) {})
		}
	})

	p.SetReloadRequired()
	p.SetState(StateRunning)
	p.SetState(StateStopping)
	p.SetState(StateStarting)

	want := []State{StateRunning, StateStopping, StateStarting}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listener states mismatch (-want +got):\n%s", diff)
	}
	if p.IsReloadRequired() {
		t.Error("reload-required survived a restart")
	}
}

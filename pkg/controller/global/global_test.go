package global

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

func constReader(v *node.Node) registry.AttributeReader {
	return func(registry.OperationContext, address.PathAddress) (*node.Node, error) { return v, nil }
}

func mustRegister(t *testing.T, parent *registry.Registration, def registry.ResourceDefinition) *registry.Registration {
	t.Helper()
	reg, err := RegisterResource(parent, def)
	if err != nil {
		t.Fatalf("RegisterResource(%s) error = %v", def.Element, err)
	}
	return reg
}

// newModel builds:
//
//	/subsystem=web                  capability "web", grouped attributes
//	/subsystem=web/connector=*      ordered
//	/test=*                         runtime attribute "uptime"
//	/test=*/status=current          runtime-only singleton
//	/socket=*                       dynamic capability "socket"
//	/listener=*                     requires "socket.<socket-binding>"
//	/alias=web -> /subsystem=web
func newModel(t *testing.T) *registry.Registration {
	t.Helper()
	root := registry.NewRoot("test server")
	if err := Register(root); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	web := mustRegister(t, root, registry.ResourceDefinition{
		Element:     address.Element("subsystem", "web"),
		Description: "The web subsystem",
		Attributes: []*registry.AttributeDefinition{
			{Name: "welcome", Type: node.KindString, Group: "pages", AllowExpression: true},
			{Name: "max-connections", Type: node.KindInt, Group: "limits", RestartRequired: true},
			{Name: "error-page", Type: node.KindString, Group: "pages"},
			{Name: "enabled", Type: node.KindBool, Default: node.Bool(true)},
		},
		Capabilities: []capability.Capability{{Name: "web"}},
	})
	mustRegister(t, web, registry.ResourceDefinition{
		Element: address.WildcardElement("connector"),
		Ordered: true,
		Attributes: []*registry.AttributeDefinition{
			{Name: "port", Type: node.KindInt, Default: node.Int(8080)},
			{Name: "host", Type: node.KindString},
		},
	})

	test := mustRegister(t, root, registry.ResourceDefinition{
		Element: address.WildcardElement("test"),
		Attributes: []*registry.AttributeDefinition{
			{Name: "attr", Type: node.KindString},
			{Name: "uptime", Type: node.KindInt, Storage: registry.StorageRuntime, Reader: constReader(node.Int(42))},
		},
	})
	_, err := test.RegisterSubModel(registry.ResourceDefinition{
		Element:     address.Element("status", "current"),
		RuntimeOnly: true,
		Attributes: []*registry.AttributeDefinition{
			{Name: "state", Type: node.KindString, Storage: registry.StorageRuntime, Reader: constReader(node.String("ok"))},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = test.RegisterOperation(&registry.OperationDefinition{Name: "restart", RuntimeOnly: true},
		registry.StepHandlerFunc(func(registry.OperationContext, *ops.Operation) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}

	mustRegister(t, root, registry.ResourceDefinition{
		Element:      address.WildcardElement("socket"),
		Attributes:   []*registry.AttributeDefinition{{Name: "port", Type: node.KindInt}},
		Capabilities: []capability.Capability{{Name: "socket", Dynamic: true}},
	})
	mustRegister(t, root, registry.ResourceDefinition{
		Element: address.WildcardElement("listener"),
		Attributes: []*registry.AttributeDefinition{
			{Name: "socket-binding", Type: node.KindString, Required: true, CapabilityReference: "socket"},
		},
	})
	if _, err := root.RegisterAlias(address.Element("alias", "web"), registry.NewAliasEntry(web, nil)); err != nil {
		t.Fatal(err)
	}
	return root
}

func newController(t *testing.T, root *registry.Registration, cfg controller.Config, boot ...*ops.Operation) *controller.ModelController {
	t.Helper()
	c, err := controller.New(root, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Boot(context.Background(), boot); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newOp(name, addr string) *ops.Operation {
	return ops.NewOperation(name, address.MustParse(addr))
}

func addOp(addr string) *ops.Operation { return newOp(ops.OpAdd, addr) }

func webBoot() []*ops.Operation {
	return []*ops.Operation{
		addOp("/subsystem=web").SetParam("welcome", node.String("index.html")),
		addOp("/subsystem=web/connector=a"),
		addOp("/subsystem=web/connector=b").SetParam("port", node.Int(8443)),
	}
}

func execute(c *controller.ModelController, op *ops.Operation) *ops.Response {
	return c.ExecuteOperation(context.Background(), op)
}

func mustSucceed(t *testing.T, resp *ops.Response) *node.Node {
	t.Helper()
	if !resp.IsSuccess() {
		t.Fatalf("outcome = %s, failure = %v", resp.Outcome, resp.FailureDescription)
	}
	return resp.ResultOrUndefined()
}

func stringList(n *node.Node) []string {
	var out []string
	for _, e := range n.Elements() {
		out = append(out, e.AsString())
	}
	return out
}

func TestAddReadRemoveRoundTrip(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig())

	mustSucceed(t, execute(c, addOp("/test=exists").SetParam("attr", node.String("cool"))))

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/test=exists").SetParam(ops.ParamRecursive, node.Bool(true))))
	want := node.Object()
	want.Get("attr").Set(node.String("cool"))
	if !got.Equal(want) {
		t.Errorf("read-resource = %s, want %s", got, want)
	}

	mustSucceed(t, execute(c, newOp(ops.OpRemove, "/test=exists")))
	resp := execute(c, newOp(ops.OpReadResource, "/test=exists").SetParam(ops.ParamRecursive, node.Bool(true)))
	if resp.IsSuccess() || !ops.IsNoSuchResource(resp.Err()) {
		t.Fatalf("response = %+v, want no such resource", resp)
	}
	if a := ops.AsOperationError(resp.Err()).Address; a == nil || a.String() != "/test=exists" {
		t.Errorf("failure address = %v, want /test=exists", a)
	}
}

func TestReadResourceReportsUndefinedSlotsAndDefaults(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/subsystem=web")))
	if !got.Has("error-page") || got.HasDefined("error-page") {
		t.Errorf("error-page slot = %v, want present and undefined", got.Get("error-page"))
	}
	if v := got.Get("enabled"); !v.Equal(node.Bool(true)) {
		t.Errorf("enabled = %s, want the default true", v)
	}
	connectors := got.Get("connector")
	if diff := cmp.Diff([]string{"a", "b"}, connectors.Keys()); diff != "" {
		t.Errorf("connector names mismatch (-want +got):\n%s", diff)
	}
	if connectors.HasDefined("a") {
		t.Errorf("non-recursive read included child content: %s", connectors.Get("a"))
	}

	got = mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/subsystem=web").
		SetParam(ops.ParamIncludeDefaults, node.Bool(false))))
	if got.HasDefined("enabled") {
		t.Errorf("enabled = %s without include-defaults", got.Get("enabled"))
	}
}

func TestReadResourceRecursiveAndDepth(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/subsystem=web").SetParam(ops.ParamRecursive, node.Bool(true))))
	if port := got.Get("connector").Get("b").Get("port"); !port.Equal(node.Int(8443)) {
		t.Errorf("connector=b port = %s, want 8443", port)
	}

	got = mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/").SetParam(ops.ParamRecursiveDepth, node.Int(1))))
	web := got.Get("subsystem").Get("web")
	if !web.HasDefined("welcome") {
		t.Errorf("depth 1 did not read subsystem=web: %s", web)
	}
	if web.Get("connector").HasDefined("a") {
		t.Errorf("depth 1 read connector content: %s", web.Get("connector"))
	}

	got = mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/subsystem=web").SetParam(ops.ParamAttributesOnly, node.Bool(true))))
	if got.Has("connector") {
		t.Errorf("attributes-only read listed children: %s", got)
	}
}

func TestIncludeRuntimeReadsComputedValues(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), addOp("/test=x"))

	plain := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/test=x").SetParam(ops.ParamRecursive, node.Bool(true))))
	if plain.Has("uptime") || plain.Has("status") {
		t.Errorf("read without include-runtime = %s", plain)
	}

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/test=x").
		SetParam(ops.ParamRecursive, node.Bool(true)).
		SetParam(ops.ParamIncludeRuntime, node.Bool(true))))
	if v := got.Get("uptime"); !v.Equal(node.Int(42)) {
		t.Errorf("uptime = %s, want 42", v)
	}
	if v := got.Get("status").Get("current").Get("state"); !v.Equal(node.String("ok")) {
		t.Errorf("status=current state = %s, want ok", v)
	}

	direct := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/test=x/status=current").
		SetParam(ops.ParamIncludeRuntime, node.Bool(true))))
	if v := direct.Get("state"); !v.Equal(node.String("ok")) {
		t.Errorf("direct placeholder read state = %s, want ok", v)
	}
}

func TestReadChildrenNamesOfRuntimeOnlySingleton(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), addOp("/test=x"))
	read := func(includeRuntime bool) []string {
		op := newOp(ops.OpReadChildrenNames, "/test=x").
			SetParam(ops.ParamChildType, node.String("status")).
			SetParam(ops.ParamIncludeRuntime, node.Bool(includeRuntime))
		return stringList(mustSucceed(t, execute(c, op)))
	}
	if got := read(false); len(got) != 0 {
		t.Errorf("names without include-runtime = %v, want none", got)
	}
	if diff := cmp.Diff([]string{"current"}, read(true)); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	resp := execute(c, newOp(ops.OpReadChildrenNames, "/test=x").SetParam(ops.ParamChildType, node.String("nope")))
	if resp.IsSuccess() || !ops.IsValidation(resp.Err()) {
		t.Errorf("unknown child type response = %+v", resp)
	}
}

func TestReadChildrenTypesAndResources(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	got := stringList(mustSucceed(t, execute(c, newOp(ops.OpReadChildrenTypes, "/"))))
	if diff := cmp.Diff([]string{"subsystem", "test", "socket", "listener"}, got); diff != "" {
		t.Errorf("types mismatch (-want +got):\n%s", diff)
	}
	got = stringList(mustSucceed(t, execute(c, newOp(ops.OpReadChildrenTypes, "/").
		SetParam(ops.ParamIncludeSingletons, node.Bool(true)))))
	if diff := cmp.Diff([]string{"subsystem", "subsystem=web", "test", "socket", "listener"}, got); diff != "" {
		t.Errorf("types with singletons mismatch (-want +got):\n%s", diff)
	}

	res := mustSucceed(t, execute(c, newOp(ops.OpReadChildrenResources, "/subsystem=web").
		SetParam(ops.ParamChildType, node.String("connector"))))
	if diff := cmp.Diff([]string{"a", "b"}, res.Keys()); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}
	if port := res.Get("a").Get("port"); !port.Equal(node.Int(8080)) {
		t.Errorf("connector=a port = %s, want default 8080", port)
	}
}

func TestOrderedAddIndex(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)
	mustSucceed(t, execute(c, addOp("/subsystem=web/connector=first").SetParam(ops.ParamAddIndex, node.Int(0))))
	mustSucceed(t, execute(c, addOp("/subsystem=web/connector=last").SetParam(ops.ParamAddIndex, node.Int(99))))

	got := stringList(mustSucceed(t, execute(c, newOp(ops.OpReadChildrenNames, "/subsystem=web").
		SetParam(ops.ParamChildType, node.String("connector")))))
	if diff := cmp.Diff([]string{"first", "a", "b", "last"}, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestAliasReadMatchesTarget(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)
	recursive := func(addr string) *ops.Operation {
		return newOp(ops.OpReadResource, addr).
			SetParam(ops.ParamRecursive, node.Bool(true)).
			SetParam(ops.ParamIncludeAliases, node.Bool(true))
	}

	viaAlias := mustSucceed(t, execute(c, recursive("/alias=web")))
	direct := mustSucceed(t, execute(c, recursive("/subsystem=web")))
	if !viaAlias.Equal(direct) {
		t.Errorf("alias read = %s, target read = %s", viaAlias, direct)
	}

	root := mustSucceed(t, execute(c, recursive("/")))
	if a, w := root.Get("alias").Get("web"), root.Get("subsystem").Get("web"); !a.Equal(w) {
		t.Errorf("alias child = %s, target child = %s", a, w)
	}

	plain := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/")))
	if plain.Has("alias") {
		t.Errorf("alias listed without include-aliases: %s", plain)
	}
}

func TestMultiTargetRead(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)
	got := mustSucceed(t, execute(c, newOp(ops.OpReadAttribute, "/subsystem=web/connector=*").
		SetParam(ops.ParamName, node.String("port"))))

	var ports []int64
	for _, item := range got.Elements() {
		if o := item.Get(ops.FieldOutcome).AsString(); o != string(ops.OutcomeSuccess) {
			t.Errorf("item outcome = %s", o)
		}
		ports = append(ports, item.Get(ops.FieldResult).IntOr(0))
	}
	if diff := cmp.Diff([]int64{8080, 8443}, ports); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}
}

// registerReadRemove adds a root operation that schedules a read of target
// and a removal of victim, in the given order.
func registerReadRemove(t *testing.T, root *registry.Registration, readFirst bool, target, victim string) {
	t.Helper()
	err := root.RegisterOperation(&registry.OperationDefinition{Name: "read-and-remove"},
		registry.StepHandlerFunc(func(ctx registry.OperationContext, _ *ops.Operation) error {
			read := func() error {
				return ctx.AddResolvedStep(ctx.Result().Get("read"), registry.StageModel,
					newOp(ops.OpReadResource, target).SetParam(ops.ParamRecursive, node.Bool(true)))
			}
			drop := func() error {
				return ctx.AddResolvedStep(node.New(), registry.StageModel, newOp(ops.OpRemove, victim))
			}
			if readFirst {
				if err := read(); err != nil {
					return err
				}
				return drop()
			}
			if err := drop(); err != nil {
				return err
			}
			return read()
		}))
	if err != nil {
		t.Fatal(err)
	}
}

func TestChildRemovedDuringRecursiveReadIsOmitted(t *testing.T) {
	root := newModel(t)
	registerReadRemove(t, root, true, "/subsystem=web", "/subsystem=web/connector=b")
	c := newController(t, root, controller.DefaultConfig(), webBoot()...)

	got := mustSucceed(t, execute(c, newOp("read-and-remove", "/")))
	read, _ := got.Lookup("read")
	if diff := cmp.Diff([]string{"a"}, read.Get("connector").Keys()); diff != "" {
		t.Errorf("connectors mismatch (-want +got):\n%s", diff)
	}
}

func TestChildVanishingInRuntimeReaderIsOmitted(t *testing.T) {
	root := registry.NewRoot("test server")
	if err := Register(root); err != nil {
		t.Fatal(err)
	}
	mustRegister(t, root, registry.ResourceDefinition{
		Element: address.WildcardElement("svc"),
		Attributes: []*registry.AttributeDefinition{
			{Name: "state", Type: node.KindString, Storage: registry.StorageRuntime,
				Reader: func(_ registry.OperationContext, addr address.PathAddress) (*node.Node, error) {
					if addr.Last().Value == "gone" {
						return nil, ops.NewNoSuchResourceError(addr)
					}
					return node.String("up"), nil
				}},
		},
	})
	c := newController(t, root, controller.DefaultConfig(), addOp("/svc=ok"), addOp("/svc=gone"))

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResource, "/").
		SetParam(ops.ParamRecursive, node.Bool(true)).
		SetParam(ops.ParamIncludeRuntime, node.Bool(true))))
	svc := got.Get("svc")
	if diff := cmp.Diff([]string{"ok"}, svc.Keys()); diff != "" {
		t.Errorf("svc children mismatch (-want +got):\n%s", diff)
	}
	if v := svc.Get("ok").Get("state").AsString(); v != "up" {
		t.Errorf("svc=ok state = %q, want up", v)
	}

	resp := execute(c, newOp(ops.OpReadResource, "/svc=gone").
		SetParam(ops.ParamIncludeRuntime, node.Bool(true)))
	if resp.IsSuccess() || !ops.IsNoSuchResource(resp.Err()) {
		t.Errorf("direct read of svc=gone = %+v, want no-such-resource", resp)
	}
}

func TestDirectReadOfRemovedResourceFails(t *testing.T) {
	root := newModel(t)
	registerReadRemove(t, root, false, "/subsystem=web/connector=b", "/subsystem=web/connector=b")
	c := newController(t, root, controller.DefaultConfig(), webBoot()...)

	resp := execute(c, newOp("read-and-remove", "/"))
	if resp.IsSuccess() || !resp.RolledBack || !ops.IsNoSuchResource(resp.Err()) {
		t.Fatalf("response = %+v", resp)
	}
	if _, err := c.Model().Navigate(address.MustParse("/subsystem=web/connector=b")); err != nil {
		t.Error("connector=b was removed although the transaction failed")
	}
}

func TestAttributeGroupsKeepDeclarationOrder(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	groups := stringList(mustSucceed(t, execute(c, newOp(ops.OpReadAttributeGroupNames, "/subsystem=web"))))
	if diff := cmp.Diff([]string{"pages", "limits"}, groups); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}

	pages := mustSucceed(t, execute(c, newOp(ops.OpReadAttributeGroup, "/subsystem=web").
		SetParam(ops.ParamName, node.String("pages"))))
	if diff := cmp.Diff([]string{"welcome", "error-page"}, pages.Keys()); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveExpressions(t *testing.T) {
	t.Setenv("MGMTD_TEST_WELCOME", "home.html")
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	write := newOp(ops.OpWriteAttribute, "/subsystem=web").
		SetParam(ops.ParamName, node.String("welcome")).
		SetParam(ops.ParamValue, node.Expression("${MGMTD_TEST_WELCOME:index.html}"))
	mustSucceed(t, execute(c, write))

	read := func(resolve bool) *node.Node {
		return mustSucceed(t, execute(c, newOp(ops.OpReadAttributeGroup, "/subsystem=web").
			SetParam(ops.ParamName, node.String("pages")).
			SetParam(ops.ParamResolveExpressions, node.Bool(resolve))))
	}
	if v := read(false).Get("welcome"); v.Kind() != node.KindExpression {
		t.Errorf("unresolved welcome = %s (%s), want an expression", v, v.Kind())
	}
	if v := read(true).Get("welcome"); !v.Equal(node.String("home.html")) {
		t.Errorf("resolved welcome = %s, want home.html", v)
	}
}

func TestWriteAttribute(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	resp := execute(c, newOp(ops.OpWriteAttribute, "/subsystem=web").
		SetParam(ops.ParamName, node.String("max-connections")).
		SetParam(ops.ParamValue, node.String("100")))
	mustSucceed(t, resp)
	if !resp.Header(ops.HeaderOperationRequiresReload).BoolOr(false) {
		t.Error("restart-required attribute did not flag a reload")
	}
	got := mustSucceed(t, execute(c, newOp(ops.OpReadAttribute, "/subsystem=web").
		SetParam(ops.ParamName, node.String("max-connections"))))
	if !got.Equal(node.Int(100)) {
		t.Errorf("max-connections = %s (%s), want int 100", got, got.Kind())
	}

	resp = execute(c, newOp(ops.OpWriteAttribute, "/subsystem=web").
		SetParam(ops.ParamName, node.String("max-connections")).
		SetParam(ops.ParamValue, node.String("lots")))
	if resp.IsSuccess() || !ops.IsValidation(resp.Err()) {
		t.Errorf("bad value response = %+v", resp)
	}

	resp = execute(c, newOp(ops.OpWriteAttribute, "/subsystem=web").
		SetParam(ops.ParamName, node.String("nope")).
		SetParam(ops.ParamValue, node.String("x")))
	if oe := ops.AsOperationError(resp.Err()); resp.IsSuccess() || oe.Code != ops.ErrCodeUnknownAttribute {
		t.Errorf("unknown attribute response = %+v", resp)
	}

	mustSucceed(t, execute(c, newOp(ops.OpUndefineAttribute, "/subsystem=web").SetParam(ops.ParamName, node.String("welcome"))))
	got = mustSucceed(t, execute(c, newOp(ops.OpReadAttribute, "/subsystem=web").SetParam(ops.ParamName, node.String("welcome"))))
	if got.IsDefined() {
		t.Errorf("welcome = %s after undefine", got)
	}
}

func TestCapabilityRequirements(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig())

	resp := execute(c, addOp("/listener=http").SetParam("socket-binding", node.String("http")))
	if resp.IsSuccess() {
		t.Fatal("listener added without the socket it requires")
	}
	if oe := ops.AsOperationError(resp.Err()); oe.Code != ops.ErrCodeCapability {
		t.Errorf("failure code = %s, want %s", oe.Code, ops.ErrCodeCapability)
	}

	mustSucceed(t, execute(c, addOp("/socket=http").SetParam("port", node.Int(80))))
	mustSucceed(t, execute(c, addOp("/listener=http").SetParam("socket-binding", node.String("http"))))
	if !c.Capabilities().HasCapability("socket.http") {
		t.Error("socket.http not registered")
	}

	resp = execute(c, newOp(ops.OpRemove, "/socket=http"))
	if resp.IsSuccess() {
		t.Error("removed a socket that a listener still requires")
	}

	mustSucceed(t, execute(c, newOp(ops.OpRemove, "/listener=http")))
	mustSucceed(t, execute(c, newOp(ops.OpRemove, "/socket=http")))
	if c.Capabilities().HasCapability("socket.http") {
		t.Error("socket.http still registered after remove")
	}
}

func TestRemoveRefusesResourceWithChildren(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)
	resp := execute(c, newOp(ops.OpRemove, "/subsystem=web"))
	if resp.IsSuccess() || !ops.IsHandler(resp.Err()) {
		t.Errorf("response = %+v", resp)
	}
}

func TestReadResourceDescription(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig())

	got := mustSucceed(t, execute(c, newOp(ops.OpReadResourceDescription, "/subsystem=web").
		SetParam(ops.ParamRecursive, node.Bool(true)).
		SetParam(ops.ParamOperations, node.Bool(true))))
	if d := got.Get("description").AsString(); d != "The web subsystem" {
		t.Errorf("description = %q", d)
	}
	if g := got.Get("attributes").Get("welcome").Get("attribute-group").AsString(); g != "pages" {
		t.Errorf("welcome group = %q, want pages", g)
	}
	connector := got.Get("children").Get("connector").Get("model-description").Get("*")
	if !connector.Get("attributes").Has("port") {
		t.Errorf("connector description = %s", connector)
	}
	for _, name := range []string{ops.OpAdd, ops.OpReadResource} {
		if !connector.Get("operations").Has(name) {
			t.Errorf("connector operations lack %s", name)
		}
	}

	viaAlias := mustSucceed(t, execute(c, newOp(ops.OpReadResourceDescription, "/alias=web")))
	direct := mustSucceed(t, execute(c, newOp(ops.OpReadResourceDescription, "/subsystem=web")))
	if !viaAlias.Equal(direct) {
		t.Errorf("alias description = %s, target description = %s", viaAlias, direct)
	}
}

func TestRuntimeOnlyOperationsDependOnProcessType(t *testing.T) {
	has := func(cfg controller.Config) bool {
		c := newController(t, newModel(t), cfg, addOp("/test=x"))
		for _, n := range stringList(mustSucceed(t, execute(c, newOp(ops.OpReadOperationNames, "/test=x")))) {
			if n == "restart" {
				return true
			}
		}
		return false
	}
	if !has(controller.DefaultConfig()) {
		t.Error("server does not offer restart")
	}
	cfg := controller.DefaultConfig()
	cfg.ProcessType = registry.ProcessTypeDomainCoordinator
	if has(cfg) {
		t.Error("domain coordinator offers restart")
	}
}

func TestFeatureDescription(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig())

	got := mustSucceed(t, execute(c, newOp(ops.OpReadFeatureDescription, "/subsystem=web").
		SetParam(ops.ParamRecursive, node.Bool(true))))
	feature := got.Get("feature")
	if n := feature.Get("name").AsString(); n != "subsystem.web" {
		t.Errorf("feature name = %q", n)
	}
	children := feature.Get("children").Elements()
	if len(children) != 1 {
		t.Fatalf("children = %d, want 1", len(children))
	}
	connector := children[0]
	if n := connector.Get("name").AsString(); n != "subsystem.web.connector" {
		t.Errorf("child feature name = %q", n)
	}
	var params []string
	for _, p := range connector.Get("params").Elements() {
		params = append(params, p.Get("name").AsString())
	}
	if diff := cmp.Diff([]string{"subsystem", "connector", "port", "host-feature"}, params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if ref := connector.Get("refs").Index(0).Get("feature").AsString(); ref != "subsystem.web" {
		t.Errorf("ref = %q, want subsystem.web", ref)
	}

	listener := mustSucceed(t, execute(c, newOp(ops.OpReadFeatureDescription, "/listener=*")))
	item := listener.Index(0).Get(ops.FieldResult).Get("feature")
	if r := item.Get("requires").Index(0).Get("name").AsString(); r != "socket.$socket-binding" {
		t.Errorf("requires = %q", r)
	}

	runtime := mustSucceed(t, execute(c, newOp(ops.OpReadFeatureDescription, "/test=*/status=current")))
	if r := runtime.Index(0).Get(ops.FieldResult); r.IsDefined() {
		t.Errorf("runtime-only feature description = %s, want undefined", r)
	}
}

func TestReadConfigAsFeatures(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), webBoot()...)

	flat := mustSucceed(t, execute(c, newOp(ops.OpReadConfigAsFeatures, "/").SetParam(ops.ParamNested, node.Bool(false))))
	var specs []string
	for _, f := range flat.Elements() {
		specs = append(specs, f.Get("spec").AsString())
	}
	want := []string{"subsystem.web", "subsystem.web.connector", "subsystem.web.connector"}
	if diff := cmp.Diff(want, specs); diff != "" {
		t.Errorf("specs mismatch (-want +got):\n%s", diff)
	}
	if port := flat.Index(2).Get("params").Get("port"); !port.Equal(node.Int(8443)) {
		t.Errorf("connector=b port param = %s", port)
	}

	nested := mustSucceed(t, execute(c, newOp(ops.OpReadConfigAsFeatures, "/")))
	if nested.Len() != 1 || nested.Index(0).Get("children").Len() != 2 {
		t.Errorf("nested features = %s", nested)
	}
}

func TestCompositeRunsStepsInOrder(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig())

	steps := node.List()
	for _, op := range []*ops.Operation{
		addOp("/test=a"),
		addOp("/test=b").SetParam("attr", node.String("two")),
		newOp(ops.OpReadResource, "/test=*"),
	} {
		b, err := op.MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		n, err := node.FromJSON(string(b))
		if err != nil {
			t.Fatal(err)
		}
		steps.Append(n)
	}
	got := mustSucceed(t, execute(c, newOp(ops.OpComposite, "/").SetParam(ops.ParamSteps, steps)))
	if diff := cmp.Diff([]string{"step-1", "step-2", "step-3"}, got.Keys()); diff != "" {
		t.Errorf("step keys mismatch (-want +got):\n%s", diff)
	}
	if n := got.Get("step-3").Get(ops.FieldResult).Len(); n != 2 {
		t.Errorf("wildcard read in step 3 matched %d resources, want 2", n)
	}
}

func TestCompositeIsAtomic(t *testing.T) {
	c := newController(t, newModel(t), controller.DefaultConfig(), addOp("/test=a"))

	steps := node.List()
	for _, addr := range []string{"/test=c", "/test=a"} {
		n := node.Object()
		n.Get("operation").Set(node.String(ops.OpAdd))
		n.Get("address").Set(node.String(addr))
		steps.Append(n)
	}
	resp := execute(c, newOp(ops.OpComposite, "/").SetParam(ops.ParamSteps, steps))
	if resp.IsSuccess() || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	if c.Model().HasChild(address.Element("test", "c")) {
		t.Error("test=c committed although a later step failed")
	}
}

package controller

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/ops"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

// newHostAndServer returns a host controller with the server controller
// mounted at /server=remote.
func newHostAndServer(t *testing.T) (host, server *ModelController) {
	t.Helper()
	server = newBooted(t, newTestRoot(t), addOp("/host=a"), addOp("/host=b"))

	root := newTestRoot(t)
	mount := address.Of("server", "remote")
	if _, err := root.RegisterProxyController(mount.Last(), NewLocalProxyController(mount, server)); err != nil {
		t.Fatal(err)
	}
	failVerify := false
	err := root.RegisterOperation(&registry.OperationDefinition{
		Name:       "add-both",
		Parameters: []*registry.AttributeDefinition{{Name: "fail-verify", Type: node.KindBool}},
	}, registry.StepHandlerFunc(func(ctx registry.OperationContext, op *ops.Operation) error {
		failVerify = op.BoolParam("fail-verify", false)
		if _, err := ctx.CreateResource(address.Of("test", "local"), -1); err != nil {
			return err
		}
		remote := ops.NewOperation(ops.OpAdd, address.MustParse("/server=remote/test=remote"))
		if err := ctx.AddResolvedStep(ctx.Result().Get("remote"), registry.StageModel, remote); err != nil {
			return err
		}
		return ctx.AddStep(registry.StageVerify, ops.NewOperation("verify", address.Empty),
			registry.StepHandlerFunc(func(registry.OperationContext, *ops.Operation) error {
				if failVerify {
					return ops.NewHandlerError("verification failed", nil)
				}
				return nil
			}))
	}))
	if err != nil {
		t.Fatal(err)
	}
	host = newBooted(t, root)
	return host, server
}

func hasTest(c *ModelController, name string) bool {
	return c.Model().HasChild(address.Element("test", name))
}

func TestProxyTwoPhaseCommit(t *testing.T) {
	host, server := newHostAndServer(t)
	resp := host.ExecuteOperation(context.Background(), ops.NewOperation("add-both", address.Empty))
	mustSucceed(t, resp)
	if !hasTest(host, "local") || !hasTest(server, "remote") {
		t.Errorf("local=%v remote=%v, want both committed", hasTest(host, "local"), hasTest(server, "remote"))
	}
}

func TestProxyRollbackWhenLocalFails(t *testing.T) {
	host, server := newHostAndServer(t)
	op := ops.NewOperation("add-both", address.Empty).SetParam("fail-verify", node.Bool(true))
	resp := host.ExecuteOperation(context.Background(), op)
	if resp.IsSuccess() || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	if hasTest(host, "local") || hasTest(server, "remote") {
		t.Errorf("local=%v remote=%v, want neither committed", hasTest(host, "local"), hasTest(server, "remote"))
	}
}

func TestProxyRollbackWhenRemoteFails(t *testing.T) {
	host, server := newHostAndServer(t)
	mustSucceed(t, server.ExecuteOperation(context.Background(), addOp("/test=remote")))

	resp := host.ExecuteOperation(context.Background(), ops.NewOperation("add-both", address.Empty))
	if resp.IsSuccess() || !resp.RolledBack {
		t.Fatalf("response = %+v", resp)
	}
	oe := ops.AsOperationError(resp.Err())
	if oe.Address == nil || oe.Address.String() != "/server=remote/test=remote" {
		t.Errorf("failure address = %v", oe.Address)
	}
	if hasTest(host, "local") {
		t.Error("local change committed although the remote failed")
	}
}

func TestProxyReadAndFanOut(t *testing.T) {
	host, _ := newHostAndServer(t)
	ctx := context.Background()

	got := mustSucceed(t, host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/host=a"))))
	if !got.Equal(node.Object()) {
		t.Errorf("proxied read = %s", got)
	}

	got = mustSucceed(t, host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/host=*"))))
	want := []string{"/server=remote/host=a", "/server=remote/host=b"}
	if diff := cmp.Diff(want, listAddresses(t, got)); diff != "" {
		t.Errorf("addresses mismatch (-want +got):\n%s", diff)
	}

	resp := host.ExecuteOperation(ctx, ops.NewOperation(ops.OpReadResource, address.MustParse("/server=remote/host=zzz")))
	if resp.IsSuccess() || !ops.IsNoSuchResource(resp.Err()) {
		t.Fatalf("response = %+v", resp)
	}
	if a := ops.AsOperationError(resp.Err()).Address; a == nil || a.String() != "/server=remote/host=zzz" {
		t.Errorf("failure address = %v", a)
	}
}

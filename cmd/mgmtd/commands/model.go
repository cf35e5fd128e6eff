package commands

import (
	"os"
	"runtime"
	"time"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/capability"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/controller/global"
	"github.com/openfroyo/mgmtd/pkg/node"
	"github.com/openfroyo/mgmtd/pkg/registry"
)

// processInfo backs the runtime attributes of the model. The controller is
// set once it has been created.
type processInfo struct {
	version string
	started time.Time
	ctrl    *controller.ModelController
}

func (p *processInfo) reader(fn func() *node.Node) registry.AttributeReader {
	return func(registry.OperationContext, address.PathAddress) (*node.Node, error) {
		return fn(), nil
	}
}

// buildModel registers the management model served by mgmtd:
//
//	/                                  name, process-state, release-version
//	/subsystem=logging                 level, format
//	/subsystem=logging/handler=*       ordered log handlers
//	/socket-binding=*                  provides capability "socket-binding"
//	/listener=*                        requires "socket-binding.<socket-binding>"
//	/deployment=*                      runtime attribute "status"
//	/core-service=platform             runtime-only platform metrics
func buildModel(info *processInfo) (*registry.Registration, error) {
	root := registry.NewRoot("The management root")
	if err := global.Register(root); err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	rootAttrs := []*registry.AttributeDefinition{
		{Name: "name", Type: node.KindString, Default: node.String(hostname), Constraint: "#Name"},
		{
			Name: "process-state", Type: node.KindString, Storage: registry.StorageRuntime, Access: registry.AccessReadOnly,
			Reader: info.reader(func() *node.Node {
				if info.ctrl == nil {
					return node.String("starting")
				}
				return node.String(info.ctrl.ProcessState().Describe())
			}),
		},
		{
			Name: "release-version", Type: node.KindString, Storage: registry.StorageRuntime, Access: registry.AccessReadOnly,
			Reader: info.reader(func() *node.Node { return node.String(info.version) }),
		},
	}
	for _, def := range rootAttrs {
		if err := root.RegisterAttribute(def); err != nil {
			return nil, err
		}
	}

	levels := []string{"trace", "debug", "info", "warn", "error"}
	logging, err := global.RegisterResource(root, registry.ResourceDefinition{
		Element:     address.Element("subsystem", "logging"),
		Description: "Logging configuration",
		Attributes: []*registry.AttributeDefinition{
			{Name: "level", Type: node.KindString, Default: node.String("info"), AllowedValues: levels},
			{Name: "format", Type: node.KindString, Default: node.String("console"), AllowedValues: []string{"console", "json"}, RestartRequired: true},
		},
	})
	if err != nil {
		return nil, err
	}
	_, err = global.RegisterResource(logging, registry.ResourceDefinition{
		Element:     address.WildcardElement("handler"),
		Description: "A log handler; handlers run in order",
		Ordered:     true,
		Attributes: []*registry.AttributeDefinition{
			{Name: "file", Type: node.KindString, Required: true, AllowExpression: true},
			{Name: "level", Type: node.KindString, AllowedValues: levels},
		},
	})
	if err != nil {
		return nil, err
	}

	_, err = global.RegisterResource(root, registry.ResourceDefinition{
		Element:     address.WildcardElement("socket-binding"),
		Description: "A named network port",
		Attributes: []*registry.AttributeDefinition{
			{Name: "port", Type: node.KindInt, Required: true, Constraint: "#Port", AllowExpression: true},
			{Name: "interface", Type: node.KindString, Default: node.String("public")},
		},
		Capabilities: []capability.Capability{{Name: "socket-binding", Dynamic: true}},
	})
	if err != nil {
		return nil, err
	}

	_, err = global.RegisterResource(root, registry.ResourceDefinition{
		Element:     address.WildcardElement("listener"),
		Description: "A listener bound to a socket binding",
		Attributes: []*registry.AttributeDefinition{
			{Name: "socket-binding", Type: node.KindString, Required: true, CapabilityReference: "socket-binding"},
			{Name: "max-connections", Type: node.KindInt, Constraint: "#Positive", RestartRequired: true},
			{Name: "enabled", Type: node.KindBool, Default: node.Bool(true)},
		},
	})
	if err != nil {
		return nil, err
	}

	_, err = global.RegisterResource(root, registry.ResourceDefinition{
		Element:     address.WildcardElement("deployment"),
		Description: "A deployed application",
		Attributes: []*registry.AttributeDefinition{
			{Name: "runtime-name", Type: node.KindString},
			{Name: "enabled", Type: node.KindBool, Default: node.Bool(true)},
			{
				Name: "status", Type: node.KindString, Storage: registry.StorageRuntime, Access: registry.AccessReadOnly,
				Reader: deploymentStatus,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	_, err = root.RegisterSubModel(registry.ResourceDefinition{
		Element:     address.Element("core-service", "platform"),
		Description: "Platform information of the running process",
		RuntimeOnly: true,
		NonFeature:  true,
		Attributes: []*registry.AttributeDefinition{
			{
				Name: "goroutines", Type: node.KindInt, Storage: registry.StorageRuntime, Access: registry.AccessMetric,
				Reader: info.reader(func() *node.Node { return node.Int(int64(runtime.NumGoroutine())) }),
			},
			{
				Name: "go-version", Type: node.KindString, Storage: registry.StorageRuntime, Access: registry.AccessReadOnly,
				Reader: info.reader(func() *node.Node { return node.String(runtime.Version()) }),
			},
			{
				Name: "uptime", Type: node.KindInt, Storage: registry.StorageRuntime, Access: registry.AccessMetric,
				Description: "Milliseconds since start",
				Reader:      info.reader(func() *node.Node { return node.Int(time.Since(info.started).Milliseconds()) }),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

func deploymentStatus(ctx registry.OperationContext, addr address.PathAddress) (*node.Node, error) {
	r, err := ctx.ReadResourceFromRoot(addr)
	if err != nil {
		return nil, err
	}
	if v, ok := r.Model().Lookup("enabled"); ok && !v.BoolOr(true) {
		return node.String("STOPPED"), nil
	}
	return node.String("OK"), nil
}

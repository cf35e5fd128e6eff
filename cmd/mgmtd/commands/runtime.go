package commands

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/controller"
	"github.com/openfroyo/mgmtd/pkg/persistence"
	"github.com/openfroyo/mgmtd/pkg/proxy"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
	"github.com/openfroyo/mgmtd/pkg/transports/ssh"
)

// mgmtdRuntime is a booted controller with its persister and mounted
// remote controllers.
type mgmtdRuntime struct {
	ctrl      *controller.ModelController
	persister controller.ConfigurationPersister
	closers   []io.Closer
	logger    *telemetry.Logger
}

// mountSpec is one --mount value: NAME=URL.
type mountSpec struct {
	name string
	url  *url.URL
}

func parseMount(s string) (mountSpec, error) {
	name, raw, ok := strings.Cut(s, "=")
	if !ok || name == "" || raw == "" {
		return mountSpec{}, fmt.Errorf("invalid mount %q, expected NAME=URL", s)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return mountSpec{}, fmt.Errorf("invalid mount %q: %w", s, err)
	}
	switch u.Scheme {
	case "ws", "wss", "ssh":
	default:
		return mountSpec{}, fmt.Errorf("mount %q: unsupported scheme %q (ws, wss, ssh)", name, u.Scheme)
	}
	return mountSpec{name: name, url: u}, nil
}

func newRuntime(ctx context.Context, s *settings, version string, tel *telemetry.Telemetry) (*mgmtdRuntime, error) {
	logger := tel.Logger.NewComponentLogger("runtime")
	rt := &mgmtdRuntime{logger: logger}

	info := &processInfo{version: version, started: time.Now()}
	root, err := buildModel(info)
	if err != nil {
		return nil, fmt.Errorf("failed to build management model: %w", err)
	}

	persister, watch, err := newPersister(ctx, s, version, tel)
	if err != nil {
		return nil, err
	}
	rt.persister = persister
	if c, ok := persister.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	for _, raw := range s.Mounts {
		spec, err := parseMount(raw)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		addr := address.Of(s.MountType, spec.name)
		remote, err := rt.mount(ctx, s, addr, spec.url, tel)
		if err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("failed to mount %s: %w", addr, err)
		}
		if _, err := root.RegisterProxyController(addr.Last(), remote); err != nil {
			_ = remote.Close()
			rt.Close(ctx)
			return nil, err
		}
		logger.WithField("address", addr.String()).WithField("url", spec.url.Redacted()).Info("Mounted remote controller")
	}

	c, err := controller.New(root, s.controllerConfig(),
		controller.WithPersister(persister),
		controller.WithTelemetry(tel))
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	info.ctrl = c
	rt.ctrl = c

	if err := c.LoadAndBoot(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to boot: %w", err)
	}
	if watch != nil {
		if err := watch.Watch(ctx, func() {
			c.ProcessState().SetReloadRequired()
			logger.Warn("Configuration file changed on disk, reload required")
		}); err != nil {
			logger.WithError(err).Warn("Failed to watch configuration file")
		}
	}
	logger.WithField("state", c.ProcessState().Describe()).Info("Controller booted")
	return rt, nil
}

func newPersister(ctx context.Context, s *settings, version string, tel *telemetry.Telemetry) (controller.ConfigurationPersister, *persistence.FilePersister, error) {
	logger := tel.Logger.NewComponentLogger("persistence")
	switch s.Persister {
	case "none":
		return persistence.Null{}, nil, nil
	case "yaml":
		if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		p := persistence.NewFilePersister(filepath.Join(s.DataDir, "model.yaml"), logger)
		return p, p, nil
	default:
		if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		p, err := openSQLite(ctx, s, version, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
}

func openSQLite(ctx context.Context, s *settings, release string, logger *telemetry.Logger) (*persistence.SQLitePersister, error) {
	p, err := persistence.NewSQLitePersister(persistence.SQLiteConfig{
		Path:         filepath.Join(s.DataDir, "model.db"),
		KeepVersions: s.KeepVersions,
		Release:      release,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := p.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open model database: %w", err)
	}
	return p, nil
}

func (rt *mgmtdRuntime) mount(ctx context.Context, s *settings, addr address.PathAddress, u *url.URL, tel *telemetry.Telemetry) (*proxy.RemoteProxyController, error) {
	opts := []proxy.ClientOption{
		proxy.WithClientLogger(tel.Logger.NewComponentLogger("proxy")),
		proxy.WithClientMetrics(tel.Metrics),
	}
	if u.Scheme == "ssh" {
		cfg := s.SSH
		cfg.Host = u.Hostname()
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q", p)
			}
			cfg.Port = port
		}
		if u.User != nil && u.User.Username() != "" {
			cfg.User = u.User.Username()
		}
		client, err := ssh.NewClient(&cfg, tel.Logger.NewComponentLogger("ssh"))
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closerFunc(client.Disconnect))
		return client.Mount(ctx, addr, opts...)
	}

	ch, err := proxy.DialWebSocket(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	remote := proxy.NewRemoteProxyController(addr, ch, opts...)
	rt.closers = append(rt.closers, remote)
	return remote, nil
}

// Close stops the controller, then the mounts and the persister.
func (rt *mgmtdRuntime) Close(ctx context.Context) {
	if rt.ctrl != nil {
		if err := rt.ctrl.Close(ctx); err != nil {
			rt.logger.WithError(err).Warn("Failed to stop controller")
		}
	}
	if fp, ok := rt.persister.(*persistence.FilePersister); ok {
		_ = fp.StopWatching()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.WithError(err).Debug("Close failed")
		}
	}
	rt.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

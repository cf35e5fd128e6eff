package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/mgmtd/pkg/address"
	"github.com/openfroyo/mgmtd/pkg/proxy"
	"github.com/openfroyo/mgmtd/pkg/telemetry"
)

// Client holds one SSH connection to a managed host. Each proxy channel is
// its own session on that connection.
type Client struct {
	config *Config
	logger *telemetry.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	jump        *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	sessions    int
	stop        chan struct{}
}

// NewClient creates a client. Call Connect before opening channels.
func NewClient(config *Config, logger *telemetry.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Client{
		config: config,
		logger: logger.NewComponentLogger("ssh").WithField("host", config.Address()),
	}, nil
}

// Connect establishes the SSH connection, through the jump host if one is
// configured. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		return nil
	}

	targetConfig, release, err := c.config.BuildSSHClientConfig(c.config.User)
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	defer release()

	dial := (&net.Dialer{Timeout: c.config.ConnectionTimeout}).DialContext
	if c.config.JumpHost != "" {
		jumpConfig, releaseJump, err := c.config.BuildSSHClientConfig(c.config.JumpUser)
		if err != nil {
			return &TransportError{Op: "connect-jump", Err: err, IsAuthError: true}
		}
		defer releaseJump()

		c.logger.Debugf("connecting to jump host %s", c.config.JumpAddress())
		jump, err := handshake(ctx, dial, c.config.JumpAddress(), jumpConfig)
		if err != nil {
			return &TransportError{Op: "connect-jump", Err: err, IsTemporary: true}
		}
		c.jump = jump
		dial = jump.DialContext
	}

	client, err := handshake(ctx, dial, c.config.Address(), targetConfig)
	if err != nil {
		if c.jump != nil {
			_ = c.jump.Close()
			c.jump = nil
		}
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	c.client = client
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(client, c.stop)
	}

	c.logger.Info("SSH connection established")
	return nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func handshake(ctx context.Context, dial dialFunc, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Tunnelled connections do not support deadlines.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// Disconnect closes the SSH connection. Open proxy channels end with it.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client == nil {
		return nil
	}
	close(c.stop)
	err := c.client.Close()
	c.client = nil
	if c.jump != nil {
		_ = c.jump.Close()
		c.jump = nil
	}
	c.logger.Debug("SSH connection closed")
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.client != nil
}

// HealthCheck sends a keep-alive request and waits for the reply.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		return &TransportError{Op: "healthcheck", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		if err != nil {
			return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
		}
		return nil
	}
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.WithError(err).Warnf("keep-alive failed (%d)", retries)
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error("keep-alive failed too many times, closing connection")
				_ = client.Close()
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.connMu.Lock()
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
}

func (c *Client) getClient() (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// OpenChannel starts the remote command in a new session and returns a proxy
// channel over its stdio. The remote command's stderr is logged.
func (c *Client) OpenChannel(ctx context.Context) (*proxy.StreamChannel, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "session", Err: err}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "session", Err: err}
	}
	session.Stderr = &stderrLogger{logger: c.logger.WithField("stream", "stderr")}

	if err := session.Start(c.config.RemoteCommand); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("%q: %w", c.config.RemoteCommand, err)}
	}

	c.connMu.Lock()
	c.sessions++
	c.lastUsedAt = time.Now()
	c.connMu.Unlock()
	c.logger.Debugf("started %q", c.config.RemoteCommand)

	return proxy.NewStreamChannel(stdout, stdin, &sessionCloser{client: c, stdin: stdin, session: session}), nil
}

// Mount opens a channel and returns a proxy controller for the managed
// process, to be registered at addr.
func (c *Client) Mount(ctx context.Context, addr address.PathAddress, opts ...proxy.ClientOption) (*proxy.RemoteProxyController, error) {
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]proxy.ClientOption{proxy.WithClientLogger(c.logger)}, opts...)
	return proxy.NewRemoteProxyController(addr, ch, opts...), nil
}

// GetConnectionInfo returns information about the current connection.
func (c *Client) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Jump:         c.config.JumpAddress(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		Sessions:     c.sessions,
	}
}

type sessionCloser struct {
	client  *Client
	stdin   io.Closer
	session *ssh.Session
	once    sync.Once
}

func (s *sessionCloser) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stdin.Close()
		err = s.session.Close()
		if err == io.EOF {
			err = nil
		}
		s.client.connMu.Lock()
		s.client.sessions--
		s.client.connMu.Unlock()
	})
	return err
}

// stderrLogger logs each line written to it.
type stderrLogger struct {
	logger *telemetry.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		if line = line[:len(line)-1]; line != "" {
			w.logger.Warn(line)
		}
	}
}

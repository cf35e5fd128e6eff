package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// DefaultRemoteCommand starts the proxy protocol on the managed host's
// stdio.
const DefaultRemoteCommand = "mgmtd stdio"

var validate = validator.New()

// Config holds the settings for reaching a managed process over SSH.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `mapstructure:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `mapstructure:"user" validate:"required"`

	AuthMethod           AuthMethod `mapstructure:"auth" validate:"oneof=password key agent"`
	Password             string     `mapstructure:"password"`
	PrivateKeyPath       string     `mapstructure:"private-key"`
	PrivateKeyPassphrase string     `mapstructure:"private-key-passphrase"`

	// KnownHostsPath is the known_hosts file used when StrictHostKeyChecking
	// is set.
	KnownHostsPath        string `mapstructure:"known-hosts"`
	StrictHostKeyChecking bool   `mapstructure:"strict-host-key-checking"`

	ConnectionTimeout time.Duration `mapstructure:"connection-timeout" validate:"gt=0"`

	// KeepAliveInterval is the interval between keep-alive requests. Zero
	// disables them.
	KeepAliveInterval   time.Duration `mapstructure:"keep-alive-interval" validate:"gte=0"`
	MaxKeepAliveRetries int           `mapstructure:"keep-alive-retries" validate:"gte=0"`

	// RemoteCommand is run in the session; it must speak the proxy protocol
	// on its stdin and stdout.
	RemoteCommand string `mapstructure:"command" validate:"required"`

	// JumpHost, when set, is dialled first and the target is reached through
	// it. It authenticates with the same method as the target.
	JumpHost string `mapstructure:"jump-host"`
	JumpPort int    `mapstructure:"jump-port" validate:"omitempty,min=1,max=65535"`
	JumpUser string `mapstructure:"jump-user" validate:"required_with=JumpHost"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		MaxKeepAliveRetries:   3,
		RemoteCommand:         DefaultRemoteCommand,
		JumpPort:              22,
	}
}

// Validate checks if the configuration is valid. A missing key path is
// resolved to the first default key found in ~/.ssh.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ssh config: %w", err)
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				p := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(p); err == nil {
					c.PrivateKeyPath = p
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
	}
	return nil
}

// authMethods builds the ssh.AuthMethod list. The returned closer releases
// the agent connection, if any.
func (c *Config) authMethods() ([]ssh.AuthMethod, func(), error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only prompt through keyboard-interactive.
		return []ssh.AuthMethod{
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		}, func() {}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, func() {}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, nil, errors.New("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)},
			func() { _ = conn.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

// BuildSSHClientConfig creates an ssh.ClientConfig for user. The returned
// function releases resources held by the auth methods once the handshake
// is done.
func (c *Config) BuildSSHClientConfig(user string) (*ssh.ClientConfig, func(), error) {
	auth, release, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking {
		if c.KnownHostsPath == "" {
			release()
			return nil, nil, fmt.Errorf("strict host key checking needs a known_hosts file")
		}
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, release, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// JumpAddress returns the jump host address, or "" when none is set.
func (c *Config) JumpAddress() string {
	if c.JumpHost == "" {
		return ""
	}
	return net.JoinHostPort(c.JumpHost, strconv.Itoa(c.JumpPort))
}

// Package ssh reaches a managed process over SSH. The process is started
// with the configured remote command and the proxy protocol runs over the
// session's stdin and stdout, so a host controller can mount it as a remote
// proxy without opening any other port.
package ssh

import (
	"time"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	Jump         string
	ConnectedAt  time.Time
	LastActivity time.Time
	Sessions     int
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "session")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

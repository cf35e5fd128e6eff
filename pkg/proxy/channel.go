package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by Send and Receive once the channel is
// closed.
var ErrChannelClosed = errors.New("proxy channel closed")

// Channel is a bidirectional frame channel. Send may be called from several
// goroutines; Receive from one.
type Channel interface {
	Send(f *Frame) error
	Receive() (*Frame, error)
	Close() error
}

// StreamChannel carries frames as JSON lines over a byte stream, such as
// process stdio or an SSH session.
type StreamChannel struct {
	dec    *Decoder
	enc    *Encoder
	closer io.Closer

	mu     sync.Mutex
	closed bool
}

var _ Channel = (*StreamChannel)(nil)

// NewStreamChannel reads frames from r and writes them to w. Close closes
// closer, which may be nil.
func NewStreamChannel(r io.Reader, w io.Writer, closer io.Closer) *StreamChannel {
	return &StreamChannel{dec: NewDecoder(r), enc: NewEncoder(w), closer: closer}
}

// Send implements Channel.
func (c *StreamChannel) Send(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	return c.enc.Encode(f)
}

// Receive implements Channel.
func (c *StreamChannel) Receive() (*Frame, error) {
	f, err := c.dec.Decode()
	if err != nil {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return f, nil
}

// Close implements Channel.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pipe returns two connected in-process channels.
func Pipe() (Channel, Channel) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := NewStreamChannel(ar, aw, closers{aw, ar})
	b := NewStreamChannel(br, bw, closers{bw, br})
	return a, b
}

// NewConnChannel wraps a network connection.
func NewConnChannel(conn net.Conn) *StreamChannel {
	return NewStreamChannel(conn, conn, conn)
}

const wsWriteWait = 10 * time.Second

// WebSocketChannel carries one frame per websocket text message.
type WebSocketChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

var _ Channel = (*WebSocketChannel)(nil)

// NewWebSocketChannel wraps an established websocket connection.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	conn.SetReadLimit(maxFrameSize)
	return &WebSocketChannel{conn: conn}
}

// Send implements Channel.
func (c *WebSocketChannel) Send(f *Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

// Receive implements Channel.
func (c *WebSocketChannel) Receive() (*Frame, error) {
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrChannelClosed
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &f, nil
}

// Close implements Channel. It sends a close message before closing the
// connection.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.mu.Unlock()
	return c.conn.Close()
}

package proxy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the proxy protocol over websocket connections. Each
// connection is one channel.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("websocket upgrade failed")
			return
		}
		s.logger.Infof("proxy client connected from %s", r.RemoteAddr)
		if err := s.Serve(r.Context(), NewWebSocketChannel(conn)); err != nil {
			s.logger.WithError(err).Warn("proxy connection ended with error")
		}
	})
}

// DialWebSocket connects to a proxy endpoint served by Handler.
func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewWebSocketChannel(conn), nil
}

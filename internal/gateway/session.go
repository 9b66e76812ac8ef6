package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxInboundSize = 4096
)

// Session streams hub results to one websocket peer.
type Session struct {
	conn         *websocket.Conn
	hub          *Hub
	sub          *Subscription
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewSession subscribes a new session to hub. writeTimeout bounds each
// frame write; zero disables the bound.
func NewSession(conn *websocket.Conn, hub *Hub, writeTimeout time.Duration, lg *slog.Logger) *Session {
	return &Session{
		conn:         conn,
		hub:          hub,
		sub:          hub.Subscribe(),
		writeTimeout: writeTimeout,
		log:          lg,
	}
}

// Serve runs the session until the peer goes away, a write fails, or ctx is
// cancelled. The subscription is released and the connection closed before
// it returns.
func (s *Session) Serve(ctx context.Context) {
	peerGone := make(chan struct{})
	go s.readPump(peerGone)

	reason := s.writePump(ctx, peerGone)

	s.hub.Unsubscribe(s.sub)
	s.conn.Close()
	s.log.Info("ws subscriber disconnected",
		slog.String("remote", s.conn.RemoteAddr().String()),
		slog.String("reason", reason),
		slog.Int("subscribers", s.hub.Count()))
}

// readPump discards inbound messages and closes peerGone when the peer
// disconnects or stops answering pings.
func (s *Session) readPump(peerGone chan<- struct{}) {
	defer close(peerGone)

	s.conn.SetReadLimit(maxInboundSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Session) writePump(ctx context.Context, peerGone <-chan struct{}) string {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return "shutdown"

		case <-peerGone:
			return "peer closed"

		case r, ok := <-s.sub.C():
			if !ok {
				return "unsubscribed"
			}
			s.setWriteDeadline()

			// Coalesce whatever is already queued into one frame, one JSON
			// object per line.
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return "write error"
			}
			enc := json.NewEncoder(w)
			if err := enc.Encode(r); err != nil {
				w.Close()
				return "write error"
			}
			n := len(s.sub.C())
		drain:
			for i := 0; i < n; i++ {
				select {
				case next, ok := <-s.sub.C():
					if !ok {
						break drain
					}
					if err := enc.Encode(next); err != nil {
						w.Close()
						return "write error"
					}
				default:
					// the hub evicted it first
					break drain
				}
			}
			if err := w.Close(); err != nil {
				return "write error"
			}

		case <-ticker.C:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return "ping error"
			}
		}
	}
}

func (s *Session) setWriteDeadline() {
	if s.writeTimeout <= 0 {
		s.conn.SetWriteDeadline(time.Time{})
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
}

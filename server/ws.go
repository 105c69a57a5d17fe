package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mindhive/annotad/ratelimit"
	"github.com/mindhive/annotad/store"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Status clients never send payloads; anything bigger is a protocol error
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The façade is operator tooling on a trusted network.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusSnapshot is one full fleet view pushed over the WebSocket.
type StatusSnapshot struct {
	Type      string                    `json:"type"`
	Overview  *store.SystemOverview     `json:"overview"`
	Workers   []*store.WorkerStatus     `json:"workers"`
	Buckets   []*ratelimit.BucketStatus `json:"buckets,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

func (s *Server) snapshot() (*StatusSnapshot, error) {
	overview, err := s.store.GetSystemOverview()
	if err != nil {
		return nil, err
	}
	workers, err := s.store.GetAllWorkerStatuses()
	if err != nil {
		return nil, err
	}
	snap := &StatusSnapshot{
		Type:      "status_snapshot",
		Overview:  overview,
		Workers:   workers,
		Timestamp: time.Now().Unix(),
	}
	if s.limiter != nil {
		if buckets, err := s.limiter.AllStatuses(); err == nil {
			snap.Buckets = buckets
		}
	}
	return snap, nil
}

// client is one status WebSocket subscriber.
type client struct {
	server    *Server
	conn      *websocket.Conn
	id        string
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{server: s, conn: conn, id: uuid.New().String()[:8]}
	s.register(c)
	s.logger.Debugw("Status client connected", "client_id", c.id)

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames; it exists to service pongs and to
// notice the peer going away.
func (c *client) readPump() {
	defer func() {
		c.server.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writePump pushes a snapshot immediately on connect, then on every
// tick, interleaved with pings.
func (c *client) writePump() {
	snapshots := time.NewTicker(snapshotInterval)
	pings := time.NewTicker(pingPeriod)
	defer func() {
		snapshots.Stop()
		pings.Stop()
		c.close()
	}()

	if !c.sendSnapshot() {
		return
	}

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-snapshots.C:
			if !c.sendSnapshot() {
				return
			}
		case <-pings.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) sendSnapshot() bool {
	snap, err := c.server.snapshot()
	if err != nil {
		c.server.logger.Errorw("Failed to build status snapshot",
			"client_id", c.id, "error", err)
		return true // transient; keep the connection
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(snap); err != nil {
		c.server.logger.Debugw("Status client write failed",
			"client_id", c.id, "error", err)
		return false
	}
	return true
}

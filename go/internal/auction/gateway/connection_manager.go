package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/carauction/go/internal/auction/events"
)

// ConnectionManager owns the websocket connections of this instance
type ConnectionManager struct {
	connections map[*Connection]struct{}
	mu          sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	config  ConnectionConfig
	handler *CommandHandler
}

// Connection is one websocket client. It can be joined to several auctions.
type Connection struct {
	id      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	mu       sync.Mutex
	lastPing time.Time
	// joining buffers events of auctions whose snapshot has not been queued yet
	joining map[uuid.UUID][][]byte
	done    chan struct{}
	once    sync.Once
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Origins are enforced by the CORS layer in front of the server
			return true
		},
	}
}

func NewConnectionManager(config ConnectionConfig, handler *CommandHandler) *ConnectionManager {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	return &ConnectionManager{
		connections: make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		handler: handler,
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and greets the client
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		id:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBuffer),
		Manager:     cm,
		ConnectedAt: time.Now(),
		lastPing:    time.Now(),
		joining:     make(map[uuid.UUID][][]byte),
		done:        make(chan struct{}),
	}

	cm.registerConnection(connection)
	connection.reply(EventConnection, nil, ConnectionStatus{Status: "Connected successfully"})

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = struct{}{}

	log.Debug().
		Str("connection_id", conn.id).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes a connection and its auction subscriptions
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	_, exists := cm.connections[conn]
	delete(cm.connections, conn)
	cm.mu.Unlock()

	if !exists {
		return
	}
	cm.handler.rooms.LeaveAll(conn)
	conn.shutdown()

	log.Info().
		Str("connection_id", conn.id).
		Dur("connected_for", time.Since(conn.ConnectedAt)).
		Msg("connection unregistered")
}

// CloseAll disconnects every client, used on shutdown
func (cm *ConnectionManager) CloseAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		c.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		cm.unregisterConnection(c)
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return ConnectionStats{
		TotalConnections: len(cm.connections),
		ActiveAuctions:   cm.handler.rooms.Auctions(),
	}
}

type ConnectionStats struct {
	TotalConnections int `json:"total_connections"`
	ActiveAuctions   int `json:"active_auctions"`
}

// ID identifies the connection to the broadcaster.
func (c *Connection) ID() string {
	return c.id
}

// Deliver queues a committed auction event without blocking. It reports false when
// the connection is closed or too slow to keep up, which also closes it.
func (c *Connection) Deliver(event *events.AuctionEvent) bool {
	frame, err := renderEvent(event)
	if err != nil {
		log.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("event_id", event.ID.String()).
			Msg("failed to render event")
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.joining[event.AuctionID]; ok {
		c.joining[event.AuctionID] = append(pending, frame)
		return true
	}
	return c.enqueueLocked(frame)
}

// beginJoin holds back events of auctionID until finishJoin queues the snapshot.
func (c *Connection) beginJoin(auctionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joining[auctionID] = nil
}

// finishJoin queues first (if any) followed by the events held back since beginJoin.
func (c *Connection) finishJoin(auctionID uuid.UUID, first []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.joining[auctionID]
	delete(c.joining, auctionID)

	if first != nil && !c.enqueueLocked(first) {
		return
	}
	for _, frame := range pending {
		if !c.enqueueLocked(frame) {
			return
		}
	}
}

// reply sends a frame to this connection only.
func (c *Connection) reply(event string, id []byte, data interface{}) {
	frame, err := encodeFrame(event, id, data)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to encode reply")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(frame)
}

func (c *Connection) enqueueLocked(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- frame:
		return true
	default:
		// Connection is slow/dead, close it
		log.Warn().
			Str("connection_id", c.id).
			Msg("connection send buffer full, closing connection")
		c.Conn.Close()
		return false
	}
}

func (c *Connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client commands and handles them one at a time, in arrival order
func (c *Connection) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Manager.unregisterConnection(c)
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.Manager.handler.Handle(ctx, c, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

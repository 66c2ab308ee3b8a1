package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StateSource is the view of the timer registry the broadcaster reads from.
// Messages are built from it when they are delivered, not when they are queued.
type StateSource interface {
	Get(id int64) (timers.TimerState, error)
	List() map[int64]timers.TimerState
}

// ConnectionManager manages the WebSocket subscribers of the timer stream
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	source   StateSource

	broadcastCh chan BroadcastMessage
}

// Connection represents a WebSocket connection to a subscriber
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// MessageKind distinguishes the two pushed message forms
type MessageKind int

const (
	KindSnapshot MessageKind = iota
	KindUpdate
)

// BroadcastMessage is a queued push. Its payload is read from the StateSource
// at delivery time.
type BroadcastMessage struct {
	Kind    MessageKind
	TimerID int64
}

// ConnectionStats summarizes the subscriber registry
type ConnectionStats struct {
	TotalConnections int `json:"total_connections"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new subscriber registry over source
func NewConnectionManager(config ConnectionConfig, source StateSource) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		source:      source,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes queued broadcasts until ctx is cancelled
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and registers it
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	// Queue the current state before the pumps start so it is the first frame.
	if list := cm.source.List(); len(list) > 0 {
		data, err := json.Marshal(timers.NewSnapshotMessage(list))
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal initial snapshot")
		} else {
			connection.Send <- data
		}
	}

	cm.Register(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

// Register adds a connection. Registering twice has no effect.
func (cm *ConnectionManager) Register(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connections[conn] {
		return
	}
	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// Unregister removes a connection and closes its send channel. Unknown or
// already removed connections are ignored.
func (cm *ConnectionManager) Unregister(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn]; !exists {
		return
	}
	delete(cm.connections, conn)
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for conn := range cm.connections {
		delete(cm.connections, conn)
		close(conn.Send)
	}
}

// BroadcastSnapshot queues a full snapshot for every subscriber
func (cm *ConnectionManager) BroadcastSnapshot() {
	cm.enqueue(BroadcastMessage{Kind: KindSnapshot})
}

// BroadcastUpdate queues an update of one timer for every subscriber
func (cm *ConnectionManager) BroadcastUpdate(timerID int64) {
	cm.enqueue(BroadcastMessage{Kind: KindUpdate, TimerID: timerID})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Int64("timer_id", message.TimerID).Msg("broadcast channel full, dropping message")
	}
}

// encode builds the payload for message from the current state. A nil result
// with no error means there is nothing to send.
func (cm *ConnectionManager) encode(message BroadcastMessage) ([]byte, error) {
	switch message.Kind {
	case KindSnapshot:
		return json.Marshal(timers.NewSnapshotMessage(cm.source.List()))
	case KindUpdate:
		st, err := cm.source.Get(message.TimerID)
		if errors.Is(err, timers.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(timers.NewUpdateMessage(message.TimerID, st))
	default:
		return nil, fmt.Errorf("unknown message kind %d", message.Kind)
	}
}

// handleBroadcast delivers one message to every subscriber
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	data, err := cm.encode(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}
	if data == nil {
		return
	}

	// Sends happen under the read lock so Unregister cannot close a channel
	// mid-send. Slow subscribers are collected and dropped afterwards.
	var slow []*Connection
	cm.mu.RLock()
	delivered := 0
	for conn := range cm.connections {
		select {
		case conn.Send <- data:
			delivered++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.Unregister(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Int("kind", int(message.Kind)).
		Int("connections", delivered).
		Msg("message broadcasted")
}

// Stats returns statistics about active connections
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return ConnectionStats{TotalConnections: len(cm.connections)}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.Unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump drains the subscriber side; the stream is push-only, so inbound
// frames only keep the read deadline alive.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

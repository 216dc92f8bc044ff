package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/events"
	"github.com/classcast/classcast/go/internal/metrics"
	"github.com/classcast/classcast/go/internal/models"
)

// ConnectionManager tracks every live socket, grouped by student identity,
// with a separate pool for teacher sockets. It is the fan-out point for all
// outbound events.
type ConnectionManager struct {
	studentConns map[string]map[*Connection]bool
	teacherConns map[*Connection]bool
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// Hooks the gateway service installs before any connection arrives.
	onCommand    func(conn *Connection, message []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
}

// Connection represents one WebSocket connection to a browser tab.
type Connection struct {
	ID      string
	UserID  string
	TabID   string
	Role    models.Role
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	visMu   sync.Mutex
	visible bool

	sendMu sync.Mutex
	closed bool
}

// enqueue hands data to the write pump. It returns false only when the buffer
// of a live connection is full; enqueueing on an unregistered connection is a
// silent drop. sendMu serializes against the channel close in unregister.
func (c *Connection) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// SetVisible updates the connection's liveness flag. It carries no authority
// semantics on its own.
func (c *Connection) SetVisible(visible bool) {
	c.visMu.Lock()
	c.visible = visible
	c.visMu.Unlock()
}

// Visible reports the tab's last known foreground state.
func (c *Connection) Visible() bool {
	c.visMu.Lock()
	defer c.visMu.Unlock()
	return c.visible
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents an event to fan out.
type BroadcastMessage struct {
	StudentID  string // scope to one student's sockets
	ToTeachers bool   // or to every teacher socket
	Event      events.Event
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		studentConns: make(map[string]map[*Connection]bool),
		teacherConns: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection for
// an authenticated user and tab.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID, tabID string, role models.Role) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		TabID:       tabID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		visible:     true,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	if cm.onConnect != nil {
		cm.onConnect(connection)
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Str("tab_id", tabID).
		Str("role", string(role)).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.Role == models.RoleTeacher {
		cm.teacherConns[conn] = true
	} else {
		if cm.studentConns[conn.UserID] == nil {
			cm.studentConns[conn.UserID] = make(map[*Connection]bool)
		}
		cm.studentConns[conn.UserID][conn] = true
	}
	metrics.ActiveConnections.Inc()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	removed := false
	if conn.Role == models.RoleTeacher {
		if cm.teacherConns[conn] {
			delete(cm.teacherConns, conn)
			removed = true
		}
	} else if connections, exists := cm.studentConns[conn.UserID]; exists {
		if connections[conn] {
			delete(connections, conn)
			removed = true
			if len(connections) == 0 {
				delete(cm.studentConns, conn.UserID)
			}
		}
	}
	if removed {
		conn.sendMu.Lock()
		conn.closed = true
		close(conn.Send)
		conn.sendMu.Unlock()
		metrics.ActiveConnections.Dec()
	}
	cm.mu.Unlock()

	if removed {
		if cm.onDisconnect != nil {
			cm.onDisconnect(conn)
		}
		log.Info().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID).
			Str("tab_id", conn.TabID).
			Msg("connection unregistered")
	}
}

// ToStudent sends an event to every live socket of one student.
func (cm *ConnectionManager) ToStudent(studentID string, ev events.Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{StudentID: studentID, Event: ev}:
	default:
		log.Warn().Str("student_id", studentID).Msg("broadcast channel full, dropping message")
	}
}

// ToTeachers sends an event to every teacher socket.
func (cm *ConnectionManager) ToTeachers(ev events.Event) {
	select {
	case cm.broadcastCh <- BroadcastMessage{ToTeachers: true, Event: ev}:
	default:
		log.Warn().Msg("broadcast channel full, dropping teacher message")
	}
}

// SendTo writes an event to a single connection, bypassing fan-out. Used for
// per-socket replies: acks, errors, and resync snapshots.
func (cm *ConnectionManager) SendTo(conn *Connection, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event")
		return
	}
	if !conn.enqueue(data) {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// IsStudentConnected reports whether a student has at least one live socket.
func (cm *ConnectionManager) IsStudentConnected(studentID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.studentConns[studentID]) > 0
}

// ConnectionsForStudent snapshots the student's live sockets.
func (cm *ConnectionManager) ConnectionsForStudent(studentID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var conns []*Connection
	for conn := range cm.studentConns[studentID] {
		conns = append(conns, conn)
	}
	return conns
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	var targetConnections []*Connection
	if message.ToTeachers {
		for conn := range cm.teacherConns {
			targetConnections = append(targetConnections, conn)
		}
	} else {
		for conn := range cm.studentConns[message.StudentID] {
			targetConnections = append(targetConnections, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targetConnections) == 0 {
		return
	}

	// Marshal the event once
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targetConnections {
		if !conn.enqueue(eventData) {
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_id", conn.UserID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	studentTotal := 0
	for _, connections := range cm.studentConns {
		studentTotal += len(connections)
	}

	return map[string]interface{}{
		"total_connections":   studentTotal + len(cm.teacherConns),
		"student_connections": studentTotal,
		"teacher_connections": len(cm.teacherConns),
		"connected_students":  len(cm.studentConns),
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.onCommand != nil {
			c.Manager.onCommand(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

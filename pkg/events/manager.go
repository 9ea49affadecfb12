package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/reflector-media/reflector/pkg/models"
)

// catchupLimit caps the number of events returned per catchup. Beyond it
// the client is told to reload over REST instead of paginating.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block a subscribing
// client's read loop.
const listenTimeout = 10 * time.Second

// EventLog queries the persisted event log for catchup. Implemented by the
// transcript service.
type EventLog interface {
	ListEventsSince(ctx context.Context, transcriptID string, sinceSeq int64, limit int) ([]models.TranscriptEvent, error)
}

// ConnectionManager tracks WebSocket connections and their room
// subscriptions. Rooms are process-local; cross-pod delivery happens by
// every pod LISTENing on the room's NOTIFY channel.
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// rooms: channel → set of connection ids
	rooms  map[string]map[string]bool
	roomMu sync.RWMutex

	eventLog EventLog

	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
	logger       *slog.Logger
}

// Connection is one WebSocket client. subscriptions is only touched from
// the connection's own read loop and its deferred cleanup, so it needs no
// lock.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn

	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager.
func NewConnectionManager(eventLog EventLog, writeTimeout time.Duration, logger *slog.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		rooms:        make(map[string]map[string]bool),
		eventLog:     eventLog,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "connection-manager"),
	}
}

// SetListener wires the NotifyListener after both are constructed.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs a single client connection until it closes. userID
// is the authenticated identity; it gates subscriptions to user rooms.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.NewString(),
		UserID:        userID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("invalid client message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast delivers a NOTIFY payload to every local subscriber of the
// channel. Called by the NotifyListener.
func (m *ConnectionManager) Broadcast(channel string, payload []byte) {
	m.roomMu.RLock()
	ids := make([]string, 0, len(m.rooms[channel]))
	for id := range m.rooms[channel] {
		ids = append(ids, id)
	}
	m.roomMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			m.logger.Warn("broadcast send failed", "connection_id", c.ID, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) subscriberCount(channel string) int {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return len(m.rooms[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if !m.allowed(c, msg.Channel) {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "not authorized for channel",
			})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay the durable state so late subscribers converge.
		m.handleCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastSeq != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastSeq)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// allowed gates user rooms to their owner. Transcript rooms are open to any
// authenticated connection.
func (m *ConnectionManager) allowed(c *Connection, channel string) bool {
	if uid, ok := strings.CutPrefix(channel, "user:"); ok {
		return uid == c.UserID
	}
	return true
}

// subscribe registers the connection and starts LISTEN when it is the
// room's first subscriber. LISTEN completes before subscribe returns so the
// follow-up catchup cannot race a gap.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.roomMu.Lock()
	needsListen := false
	if _, exists := m.rooms[channel]; !exists {
		m.rooms[channel] = make(map[string]bool)
		needsListen = true
	}
	m.rooms[channel][c.ID] = true
	m.roomMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				m.logger.Error("LISTEN failed", "channel", channel, "error", err)
				m.dropRoom(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropRoom removes a room after a LISTEN failure, notifying subscribers
// that raced into the room while LISTEN was in flight (they were confirmed
// without an underlying LISTEN).
func (m *ConnectionManager) dropRoom(triggering *Connection, channel string) {
	m.roomMu.Lock()
	affected := make([]string, 0, len(m.rooms[channel]))
	for id := range m.rooms[channel] {
		if id != triggering.ID {
			affected = append(affected, id)
		}
	}
	delete(m.rooms, channel)
	m.roomMu.Unlock()

	if len(affected) == 0 {
		return
	}
	m.mu.RLock()
	conns := make([]*Connection, 0, len(affected))
	for _, id := range affected {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the connection from a room, stopping LISTEN when the
// last subscriber leaves. The UNLISTEN re-checks membership to survive a
// rapid unsubscribe/resubscribe cycle.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.roomMu.Lock()
	if subs, exists := m.rooms[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.rooms, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.roomMu.RLock()
					_, resubscribed := m.rooms[channel]
					m.roomMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						m.logger.Error("UNLISTEN failed", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.roomMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays persisted events since sinceSeq. The replay is
// filtered: TRANSCRIPT and STATUS history is skipped (the materialised
// transcript row already reflects them) and only the most recent DAG_STATUS
// is delivered.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, sinceSeq int64) {
	transcriptID, ok := strings.CutPrefix(channel, "ts:")
	if !ok || m.eventLog == nil {
		return
	}

	all, err := m.eventLog.ListEventsSince(ctx, transcriptID, sinceSeq, catchupLimit+1)
	if err != nil {
		m.logger.Error("catchup query failed", "channel", channel, "error", err)
		return
	}
	hasMore := len(all) > catchupLimit
	if hasMore {
		all = all[:catchupLimit]
	}

	for _, evt := range FilterReplay(all) {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			m.logger.Warn("catchup send failed", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

// FilterReplay applies the catchup filtering rules: drop TRANSCRIPT and
// STATUS events, keep only the last DAG_STATUS, preserve order otherwise.
func FilterReplay(events []models.TranscriptEvent) []models.TranscriptEvent {
	lastDAG := -1
	for i, evt := range events {
		if evt.EventName == models.EventDAGStatus {
			lastDAG = i
		}
	}
	out := make([]models.TranscriptEvent, 0, len(events))
	for i, evt := range events {
		switch evt.EventName {
		case models.EventTranscript, models.EventStatus:
			continue
		case models.EventDAGStatus:
			if i != lastDAG {
				continue
			}
		}
		out = append(out, evt)
	}
	return out
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("marshal failed", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.logger.Warn("send failed", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}

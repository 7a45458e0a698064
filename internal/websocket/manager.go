package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type inbound struct {
	client *Client
	frame  []byte
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// Manager tracks live connections per user so lifecycle updates and
// verification codes reach exactly the right people. Membership changes and
// inbound frames are serialized through Run.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	done       chan struct{}

	maxConnPerUser int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	handler        MessageHandler
	log            *zap.Logger
}

func NewManager(maxConnPerUser int, writeWait, pongWait, pingPeriod time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		clients:        make(map[string]*Client),
		byUser:         make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		incoming:       make(chan inbound),
		done:           make(chan struct{}),
		maxConnPerUser: maxConnPerUser,
		writeWait:      writeWait,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		log:            log.With(zap.String("component", "websocket")),
	}
}

// SetMessageHandler must be called before Run.
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.handler = handler
}

// Run owns membership until ctx ends, then closes every connection. Calls
// that need Run fail fast afterwards instead of blocking.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case c := <-m.register:
			m.add(c)
		case c := <-m.unregister:
			m.remove(c)
		case in := <-m.incoming:
			m.handle(in)
		}
	}
}

// Attach hands a new connection to the manager. It reports false once the
// manager has stopped; the caller then owns closing the connection.
func (m *Manager) Attach(c *Client) bool {
	select {
	case m.register <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) leave(c *Client) {
	select {
	case m.unregister <- c:
	case <-m.done:
	}
}

func (m *Manager) dispatch(c *Client, frame []byte) bool {
	select {
	case m.incoming <- inbound{client: c, frame: frame}:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := m.byUser[c.UserID]
	if len(conns) >= m.maxConnPerUser {
		m.log.Warn("max connections reached", zap.String("user_id", c.UserID))
		close(c.send)
		return
	}
	if conns == nil {
		conns = make(map[string]*Client)
		m.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	m.clients[c.ID] = c

	m.log.Debug("client registered",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.String("device_id", c.DeviceID))
}

func (m *Manager) remove(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[c.ID]; !ok {
		return
	}
	delete(m.clients, c.ID)
	delete(m.byUser[c.UserID], c.ID)
	if len(m.byUser[c.UserID]) == 0 {
		delete(m.byUser, c.UserID)
	}
	close(c.send)
	m.log.Debug("client unregistered", zap.String("client_id", c.ID))
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		close(c.send)
	}
	m.clients = make(map[string]*Client)
	m.byUser = make(map[string]map[string]*Client)
}

func (m *Manager) handle(in inbound) {
	msg, err := ParseMessage(in.frame)
	if err != nil {
		m.log.Debug("malformed frame", zap.String("client_id", in.client.ID), zap.Error(err))
		return
	}
	if m.handler == nil {
		return
	}
	if err := m.handler.HandleWebSocketMessage(in.client, msg); err != nil {
		m.log.Warn("message handling failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// BroadcastToUser sends msg to every connection of userID except the ones on
// excludeDeviceID. Connections whose buffer is full are dropped.
func (m *Manager) BroadcastToUser(userID string, msg *Message, excludeDeviceID string) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var slow []*Client

	m.mu.RLock()
	for _, c := range m.byUser[userID] {
		if c.DeviceID == excludeDeviceID {
			continue
		}
		if !offer(c, frame) {
			slow = append(slow, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range slow {
		m.log.Warn("send buffer full, closing connection", zap.String("client_id", c.ID))
		go m.leave(c)
	}
	return nil
}

func (m *Manager) SendToClient(clientID string, msg *Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[clientID]
	if !ok {
		return nil
	}
	if !offer(c, frame) {
		m.log.Warn("send buffer full", zap.String("client_id", clientID))
	}
	return nil
}

func (m *Manager) GetUserConnections(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func offer(c *Client, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

package websocket

import (
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameBytes = 64 * 1024
	sendBuffer    = 256
)

// Client is one push connection. A user may hold several, one per device.
type Client struct {
	ID       string
	UserID   string
	DeviceID string

	conn    *ws.Conn
	manager *Manager
	send    chan []byte
}

func NewClient(id, userID, deviceID string, conn *ws.Conn, manager *Manager) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		DeviceID: deviceID,
		conn:     conn,
		manager:  manager,
		send:     make(chan []byte, sendBuffer),
	}
}

// Reply queues msg for this connection only. A full buffer drops it.
func (c *Client) Reply(msg *Message) error {
	return c.manager.SendToClient(c.ID, msg)
}

// Serve runs the connection until the peer goes away or the manager stops.
// It blocks on the read side; writes happen on their own goroutine.
func (c *Client) Serve() {
	go c.writeLoop()
	c.readLoop()
}

func (c *Client) readLoop() {
	defer func() {
		c.manager.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.extendRead()
	c.conn.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseAbnormalClosure) {
				c.manager.log.Warn("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		if !c.manager.dispatch(c, frame) {
			return
		}
	}
}

// writeLoop owns every write on the connection. A closed send channel means
// the manager dropped this client.
func (c *Client) writeLoop() {
	keepalive := time.NewTicker(c.manager.pingPeriod)
	defer func() {
		keepalive.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.write(ws.CloseMessage, nil)
				return
			}
			if err := c.write(ws.TextMessage, frame); err != nil {
				return
			}
		case <-keepalive.C:
			if err := c.write(ws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frameType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.manager.writeWait))
	return c.conn.WriteMessage(frameType, data)
}

func (c *Client) extendRead() {
	c.conn.SetReadDeadline(time.Now().Add(c.manager.pongWait))
}

package eventhub

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/ctagard/adbg/pkg/types"
)

const writeWait = 10 * time.Second

type Connection struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan types.EventFrame
}

func newConnection(conn *websocket.Conn, hub *Hub, id string) *Connection {
	return &Connection{
		id:   id,
		conn: conn,
		hub:  hub,
		send: make(chan types.EventFrame, connectionSendBufferSize),
	}
}

// readPump discards anything the subscriber sends and unregisters the
// connection when the socket closes.
func (c *Connection) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.V(1).Info("subscriber closed unexpectedly", "id", c.id, "error", err.Error())
			}
			return
		}
	}
}

func (c *Connection) writePump() {
	defer func() { _ = c.conn.Close() }()

	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(frame); err != nil {
			c.hub.log.V(1).Info("subscriber write failed", "id", c.id, "error", err.Error())
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

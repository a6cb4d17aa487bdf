package wire

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Channel exchanges Messages over a websocket connection. Send is safe for
// concurrent use; Receive must only be called from one goroutine.
type Channel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewChannel(conn *websocket.Conn) *Channel {
	return &Channel{conn: conn}
}

func (c *Channel) Send(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s message: %w", m.Kind, err)
	}
	return nil
}

func (c *Channel) Receive() (Message, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		return Unmarshal(data)
	}
}

// Close sends a close frame and closes the connection.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

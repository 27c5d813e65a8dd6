package coordinator

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// Conn delivers encoded frames to one connected client. Enqueue must
// not block: it reports false when the client cannot keep up, and the
// room drops the player in response. Close is idempotent.
type Conn interface {
	Enqueue(frame []byte) bool
	Close()
}

// WSConn adapts a gorilla websocket to the Conn contract. WritePump is
// the only goroutine that writes to the socket; everything else goes
// through the outbox.
type WSConn struct {
	sock   *websocket.Conn
	outbox chan []byte
	once   sync.Once
	quit   chan struct{}
}

func NewWSConn(sock *websocket.Conn, outboxSize int) *WSConn {
	return &WSConn{
		sock:   sock,
		outbox: make(chan []byte, outboxSize),
		quit:   make(chan struct{}),
	}
}

func (c *WSConn) Enqueue(frame []byte) bool {
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

func (c *WSConn) Close() {
	c.once.Do(func() { close(c.quit) })
}

// WritePump drains the outbox onto the socket and keeps the connection
// alive with pings. It exits when Close is called or a write fails.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()
	for {
		select {
		case frame := <-c.outbox:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			// Flush queued frames before the close handshake so a
			// rejection or final snapshot still reaches the client.
			for {
				select {
				case frame := <-c.outbox:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					c.sock.SetWriteDeadline(time.Now().Add(writeWait))
					c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// ReadPump forwards inbound frames to onFrame until the connection
// drops, then returns. The caller posts the leave.
func (c *WSConn) ReadPump(onFrame func(frame []byte)) {
	defer c.sock.Close()
	c.sock.SetReadLimit(maxFrameSize)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		onFrame(data)
	}
}

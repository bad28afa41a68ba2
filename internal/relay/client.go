package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
	clientSendBuffer = 256
	maxClientMessage = 64 * 1024
)

// ErrClientClosed is returned by Deliver once the client socket is going away.
var ErrClientClosed = errors.New("client closed")

// Client is one downstream websocket consumer. All writes go through the send
// channel so the socket has a single writer.
type Client struct {
	conn    *websocket.Conn
	session string
	send    chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	sup *Supervisor
	log *slog.Logger
}

func newClient(conn *websocket.Conn, session string, sup *Supervisor, log *slog.Logger) *Client {
	return &Client{
		conn:    conn,
		session: session,
		send:    make(chan []byte, clientSendBuffer),
		closed:  make(chan struct{}),
		sup:     sup,
		log:     log,
	}
}

// Deliver queues a message for the write pump. A full buffer drops the
// message rather than blocking the broadcaster; a closed client reports an
// error so the registry can evict it.
func (c *Client) Deliver(msg []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("client send buffer full, dropping message", "session", c.session)
		if c.sup != nil && c.sup.metrics != nil {
			c.sup.metrics.DroppedMessages.Inc()
		}
	}
	return nil
}

// Close signals both pumps to stop. The write pump flushes whatever is still
// queued and then closes the socket, so a terminal error delivered just
// before Close reaches the client instead of vanishing into the close race.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// writePump drains the send channel onto the socket and keeps the connection
// alive with periodic pings. It owns the socket: no other goroutine closes it.
func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.flushQueued()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg) == nil
}

// flushQueued empties the send buffer onto the socket and sends a close
// frame. Runs once, right before the socket closes.
func (c *Client) flushQueued() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		default:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump consumes client messages: subscription changes and the textual
// ping the browser clients send. It owns the disconnect path.
func (c *Client) readPump() {
	defer func() {
		c.sup.disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxClientMessage)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("client read error", "session", c.session, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))

		if string(raw) == "ping" {
			c.Deliver([]byte("pong"))
			continue
		}

		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.Deliver(errorMessage(ReasonBadMessage))
			continue
		}
		switch msg.Type {
		case "unsubscribe":
			c.sup.unsubscribe(c, msg.Data.InstrumentKeys)
		default:
			if len(msg.Data.InstrumentKeys) == 0 {
				c.Deliver(errorMessage(ReasonNoInstruments))
				continue
			}
			if err := c.sup.subscribe(c, c.session, msg.Data.InstrumentKeys); err != nil {
				c.Deliver(errorMessage(reasonFor(err)))
			}
		}
	}
}

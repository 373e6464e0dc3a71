package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is a middleman between the websocket connection and the node. The
// identity fields and the subscription set are guarded by mu: the connection's
// own read goroutine writes them, broadcast paths read them.
type Client struct {
	node *Node

	cid int

	mu       sync.Mutex
	userID   string
	userName string
	relayID  string
	subs     map[string]struct{}
	closed   bool

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte
}

func (c *Client) identity() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userName
}

func (c *Client) authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID != ""
}

func (c *Client) setIdentity(userID, userName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.userName = userName
}

func (c *Client) relay() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relayID
}

func (c *Client) setRelay(relayID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayID = relayID
}

func (c *Client) subscribed(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channelID]
	return ok
}

func (c *Client) setSubscriptions(channelIDs []string) {
	subs := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		subs[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = subs
}

// TrySend queues a frame without blocking. A full buffer means the peer is
// not keeping up; the frame is dropped rather than stalling the broadcaster.
// After markClosed the send channel may be closed at any moment, so the flag
// and the send share the mutex: a late broadcast gets false, never a panic.
func (c *Client) TrySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// markClosed stops further TrySend deliveries. Call before closing the send
// channel; returns false if already marked.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// CloseConn tears down the underlying websocket; the read pump notices and
// runs the normal unregister path.
func (c *Client) CloseConn() {
	c.conn.Close()
}

// readPump pumps messages from the websocket connection to the node.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.node.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.node.cfg.Client.ReadMessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error(err)
			}
			break
		}
		c.node.handleFrame(c, message)
	}
}

// writePump pumps messages from the node to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The node closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.log.Errorf("NextWriter:%v\n", err.Error())
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.log.Errorf("NextWriter Close:%v\n", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Errorf("WriteMessage PingMessage:%v\n", err.Error())
				return
			}
		}
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Node terminates the cloud-side persistent connections and owns the shared
// services: channel registry, message log, presence tracker and relay bridge.
type Node struct {
	cfg Config

	registry *ChannelRegistry
	messages *MessageLog
	presence *PresenceTracker
	bridge   *RelayBridge
	router   *Router

	archive *Archive
	cluster *Cluster

	mu      sync.RWMutex
	clients map[*Client]struct{}
	nextCID int

	upgrader websocket.Upgrader
}

func newNode(cfg Config) *Node {
	cfg = cfg.withDefaults()
	n := &Node{
		cfg:      cfg,
		registry: newChannelRegistry(),
		messages: newMessageLog(cfg.Channel.MessageCap, cfg.AdminUser),
		presence: newPresenceTracker(time.Duration(cfg.Presence.StaleSeconds) * time.Second),
		bridge:   newRelayBridge(cfg.Relay.EventBuffer),
		clients:  map[*Client]struct{}{},
	}
	n.router = &Router{
		registry: n.registry,
		messages: n.messages,
		bridge:   n.bridge,
		hub:      n,
	}
	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Client.ReadBufferSize,
		WriteBufferSize: cfg.Client.WriteBufferSize,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	go n.meshLoop()
	return n
}

// attachArchive wires the optional durable write-through store. Call before
// serving.
func (n *Node) attachArchive(a *Archive) {
	n.archive = a
	n.registry.archive = a
	n.messages.archive = a
}

// attachCluster wires the optional redis fan-out and starts consuming remote
// messages. Call before serving.
func (n *Node) attachCluster(c *Cluster) {
	n.cluster = c
	n.router.cluster = c
	go c.Run(n.onClusterMessage)
}

func (n *Node) Close() {
	n.bridge.Close()
	if n.cluster != nil {
		n.cluster.Close()
	}
}

// meshLoop stores offline-origin messages and fans them out to cloud
// subscribers, through the router so log order matches broadcast order. It is
// the bridge's single listener; the loop ends when the bridge closes.
func (n *Node) meshLoop() {
	for ev := range n.bridge.Events() {
		n.router.Ingest(ev.Message)
	}
}

// onClusterMessage handles a chat message a peer node persisted. Local
// fan-out only; the origin node owns storage and relay accounting.
func (n *Node) onClusterMessage(m Message) {
	n.broadcastToChannel(m.ChannelID, encodeFrame(frameMessage, m))
	n.bridge.BroadcastToRelays(m)
}

func (n *Node) register(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[c] = struct{}{}
}

func (n *Node) unregister(c *Client) {
	n.mu.Lock()
	if _, ok := n.clients[c]; !ok {
		n.mu.Unlock()
		return
	}
	delete(n.clients, c)
	n.mu.Unlock()

	// Drop the relay role before the send channel goes away: the bridge
	// must not hold a sink whose channel is about to close.
	if relayID := c.relay(); relayID != "" {
		n.bridge.Unregister(relayID)
	}
	if c.markClosed() {
		close(c.send)
	}

	userID, _ := c.identity()
	if userID != "" {
		c.log.Info("unregister")
		n.presence.SetOffline(userID)
		n.broadcastPresence()
	}
}

// broadcastToChannel sends to every live connection subscribed to the
// channel. Sends are independent per connection; a slow client just loses the
// frame.
func (n *Node) broadcastToChannel(channelID string, data []byte) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	sent := 0
	for c := range n.clients {
		if !c.subscribed(channelID) {
			continue
		}
		if c.TrySend(data) {
			sent++
		} else {
			c.log.Warnw("send buffer full, dropping frame", "channel", channelID)
		}
	}
	return sent
}

func (n *Node) broadcastAll(data []byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for c := range n.clients {
		if !c.authed() {
			continue
		}
		c.TrySend(data)
	}
}

func (n *Node) broadcastPresence() {
	n.broadcastAll(encodeFrame(framePresenceUpdate, n.presence.GetOnline()))
}

func (n *Node) broadcastChannelEvent(t frameType, payload interface{}) {
	n.broadcastAll(encodeFrame(t, payload))
}

// resubscribeAll rebuilds every authenticated connection's subscription set,
// used after channel lifecycle changes so new broadcast channels reach
// already-connected users.
func (n *Node) resubscribeAll() {
	n.mu.RLock()
	clients := make([]*Client, 0, len(n.clients))
	for c := range n.clients {
		clients = append(clients, c)
	}
	n.mu.RUnlock()
	for _, c := range clients {
		if userID, _ := c.identity(); userID != "" {
			c.setSubscriptions(n.registry.SubscribeUserToChannels(userID))
		}
	}
}

func (n *Node) sendError(c *Client, msg string) {
	c.TrySend(encodeFrame(frameError, errorPayload{Error: msg}))
}

// handleFrame dispatches one inbound frame. The frame set is closed; anything
// else gets an error reply. A panic in a handler is isolated to the frame.
func (n *Node) handleFrame(c *Client, data []byte) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorf("handler panic:%v\n", err)
			n.sendError(c, fmt.Sprint(err))
		}
	}()

	f := frame{}
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Errorf("handler:json unmarshal: %+v\n", err.Error())
		n.sendError(c, ErrMalformedFrame.Error())
		return
	}

	switch f.Type {
	case frameAuth:
		n.handleAuth(c, f.Payload)
	case frameMessage:
		n.handleChat(c, f.Payload)
	case frameHeartbeat:
		n.handleHeartbeat(c)
	case frameGatewayConnect:
		n.handleGatewayConnect(c, f.Payload)
	case frameGatewayMessage:
		n.handleGatewayMessage(c, f.Payload)
	default:
		c.log.Errorf("handler error: unknown type:%v\n", f.Type)
		n.sendError(c, "unknown frame type: "+string(f.Type))
	}
}

func (n *Node) handleAuth(c *Client, payload json.RawMessage) {
	if c.authed() {
		n.sendError(c, "already authenticated")
		return
	}
	p := authPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		n.sendError(c, ErrMalformedFrame.Error())
		return
	}
	if p.UserID == "" || p.UserName == "" {
		n.sendError(c, "no user id or user name")
		return
	}
	if !CheckTokenMD5(n.cfg.Secret, p.UserID, p.UserName, fmt.Sprint(p.Timestamp), p.Token) {
		n.sendError(c, "auth failed")
		return
	}
	c.setIdentity(p.UserID, p.UserName)
	c.log = zap.S().With("cid", c.cid, "user", p.UserID)
	c.log.Info("authenticated")

	n.presence.Update(p.UserID, p.UserName, StatusOnline, ConnOnline)
	subs := n.registry.SubscribeUserToChannels(p.UserID)
	c.setSubscriptions(subs)

	infos := make([]ChannelInfo, 0, len(subs))
	for _, id := range subs {
		if ch, ok := n.registry.Get(id); ok {
			infos = append(infos, ChannelInfo{ID: ch.ID, Name: ch.Name, Type: ch.Kind})
		}
	}
	c.TrySend(encodeFrame(frameAuthOK, authOKPayload{UserID: p.UserID, Channels: infos}))

	if p.IsRelay {
		n.promoteRelay(c, p.RelayID, p.UserName, nil)
	}
	n.broadcastPresence()
}

func (n *Node) handleChat(c *Client, payload json.RawMessage) {
	userID, userName := c.identity()
	if userID == "" {
		n.sendError(c, ErrNotAuthed.Error())
		return
	}
	p := chatPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		n.sendError(c, ErrMalformedFrame.Error())
		return
	}
	if p.ChannelID == "" || p.Content == "" {
		n.sendError(c, "no channel or content")
		return
	}
	res, err := n.router.Send(SendRequest{
		ChannelRef:    p.ChannelID,
		SenderID:      userID,
		SenderName:    userName,
		Content:       p.Content,
		RecipientID:   p.RecipientID,
		RecipientName: p.RecipientName,
	})
	if err != nil {
		n.sendError(c, err.Error())
		return
	}
	c.TrySend(encodeFrame(frameMessageAck, ackPayload{MessageID: res.Message.ID}))
}

func (n *Node) handleHeartbeat(c *Client) {
	userID, userName := c.identity()
	if userID == "" {
		n.sendError(c, ErrNotAuthed.Error())
		return
	}
	connType := ConnOnline
	if c.relay() != "" {
		connType = ConnGateway
	}
	n.presence.Update(userID, userName, StatusOnline, connType)
}

func (n *Node) promoteRelay(c *Client, relayID, name string, capabilities []string) Relay {
	if relayID == "" {
		relayID = uuid.NewString()
	}
	relay := n.bridge.Register(relayID, name, capabilities, c)
	c.setRelay(relay.ID)
	userID, userName := c.identity()
	n.presence.Update(userID, userName, StatusOnline, ConnGateway)
	return relay
}

func (n *Node) handleGatewayConnect(c *Client, payload json.RawMessage) {
	if !c.authed() {
		n.sendError(c, ErrNotAuthed.Error())
		return
	}
	p := gatewayConnectPayload{}
	if err := json.Unmarshal(payload, &p); err != nil {
		n.sendError(c, ErrMalformedFrame.Error())
		return
	}
	relay := n.promoteRelay(c, p.RelayID, p.Name, p.Capabilities)
	c.log.Infow("gateway connected", "relay", relay.ID)
	c.TrySend(encodeFrame(frameGatewayConnect, gatewayConnectReply{Relay: relay}))
}

// handleGatewayMessage ingests a message a relay ferried in from the offline
// network. Offline messages may address the channel by display name; anything
// that is not a valid uuid is resolved through FindByName. Unresolvable
// messages are dropped.
func (n *Node) handleGatewayMessage(c *Client, payload json.RawMessage) {
	relayID := c.relay()
	if relayID == "" {
		n.sendError(c, ErrNotRelay.Error())
		return
	}
	m := Message{}
	if err := json.Unmarshal(payload, &m); err != nil {
		n.sendError(c, ErrMalformedFrame.Error())
		return
	}
	var ch ChannelView
	var ok bool
	if isCanonicalID(m.ChannelID) {
		ch, ok = n.registry.Get(m.ChannelID)
	} else {
		ch, ok = n.registry.FindByName(m.ChannelID)
	}
	if !ok {
		c.log.Warnw("gateway message for unknown channel, dropping", "channel", m.ChannelID)
		return
	}
	if m.Origin == "" {
		m.Origin = OriginMesh
	}
	m.ChannelID = ch.ID
	n.bridge.OnMeshMessage(relayID, m)
}

// serveWs handles websocket requests from the peer.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.S().Error(err)
		return
	}
	n.mu.Lock()
	n.nextCID++
	cid := n.nextCID
	n.mu.Unlock()
	client := &Client{
		cid:  cid,
		node: n,
		conn: conn,
		send: make(chan []byte, n.cfg.Client.SendBufferSize),
		log:  zap.S().With("cid", cid),
	}
	if n.cfg.Client.Compression {
		client.conn.EnableWriteCompression(true)
		client.conn.SetCompressionLevel(n.cfg.Client.CompressionLevel)
	}
	client.conn.SetCloseHandler(func(code int, text string) error {
		client.log.Info("CloseHandler:", code, text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	n.register(client)
	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

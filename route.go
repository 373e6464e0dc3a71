package main

import "sync"

// SendRequest is one inbound chat message plus the caller identity supplied
// by the out-of-scope auth layer.
type SendRequest struct {
	ChannelRef    string `json:"channelId"`
	SenderID      string `json:"senderId"`
	SenderName    string `json:"senderName"`
	Content       string `json:"content"`
	MeshOnly      bool   `json:"meshOnly,omitempty"`
	RecipientID   string `json:"recipientId,omitempty"`
	RecipientName string `json:"recipientName,omitempty"`
}

// SendResult reports what happened. RelayCount is how many relays accepted
// the frame, not delivery confirmation from the offline network.
type SendResult struct {
	Message      Message `json:"message"`
	MeshInjected bool    `json:"meshInjected"`
	RelayCount   int     `json:"relayCount"`
}

type broadcaster interface {
	broadcastToChannel(channelID string, data []byte) int
}

// Router is the smart-send decision logic: whether an inbound message must
// additionally be pushed to the offline network, and channel-name-to-id
// resolution.
type Router struct {
	registry *ChannelRegistry
	messages *MessageLog
	bridge   *RelayBridge
	hub      broadcaster
	cluster  *Cluster

	// mu keeps store order equal to broadcast order within a channel.
	mu sync.Mutex
}

// Send resolves, persists, fans out and optionally injects to the mesh. A
// resolution miss fails the whole operation; an empty relay fleet never does.
func (r *Router) Send(req SendRequest) (SendResult, error) {
	var ch ChannelView
	var ok bool
	if isCanonicalID(req.ChannelRef) {
		ch, ok = r.registry.Get(req.ChannelRef)
	} else {
		ch, ok = r.registry.FindByName(req.ChannelRef)
	}
	if !ok {
		return SendResult{}, ErrChannelNotFound
	}

	inject := r.bridge.HasConnectedRelay() && !req.MeshOnly
	origin := OriginOnline
	if inject {
		origin = OriginOnlineMesh
	}

	r.mu.Lock()
	m := r.messages.Add(ch.ID, req.SenderID, req.SenderName, req.Content, origin, req.RecipientID, req.RecipientName)
	r.hub.broadcastToChannel(ch.ID, encodeFrame(frameMessage, m))
	r.mu.Unlock()

	res := SendResult{Message: m}
	if inject {
		res.MeshInjected = true
		res.RelayCount = r.bridge.BroadcastToRelays(m)
	}
	if r.cluster != nil {
		r.cluster.Publish(m)
	}
	return res, nil
}

// Ingest stores and fans out a mesh-origin message whose channel is already
// resolved. It shares mu with Send so per-channel log order stays equal to
// broadcast order no matter which transport a message arrived on.
func (r *Router) Ingest(m Message) Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.messages.Add(m.ChannelID, m.SenderID, m.SenderName, m.Content, m.Origin, m.RecipientID, m.RecipientName)
	r.hub.broadcastToChannel(stored.ChannelID, encodeFrame(frameMessage, stored))
	return stored
}

package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChannelKind string

const (
	KindBroadcast ChannelKind = "broadcast"
	KindGroup     ChannelKind = "group"
	KindDirect    ChannelKind = "direct-message"
)

type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityPrivate    Visibility = "private"
	VisibilityRestricted Visibility = "restricted"
)

type Origin string

const (
	OriginOnline     Origin = "online"
	OriginMesh       Origin = "mesh"
	OriginGateway    Origin = "gateway"
	OriginOnlineMesh Origin = "online+mesh"
)

type AccessStatus string

const (
	AccessGranted    AccessStatus = "granted"
	AccessPending    AccessStatus = "pending"
	AccessCanRequest AccessStatus = "can_request"
	AccessDenied     AccessStatus = "denied"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type ConnType string

const (
	ConnOnline  ConnType = "online"
	ConnMesh    ConnType = "mesh"
	ConnGateway ConnType = "gateway"
)

// ChannelView is the immutable snapshot handed out by the registry. The
// registry keeps its own mutable channel records; everything outside gets a
// copy so no caller can race a membership edit.
type ChannelView struct {
	ID               string       `json:"id"`
	Fingerprint      uint16       `json:"fingerprint"`
	Name             string       `json:"name"`
	Kind             ChannelKind  `json:"type"`
	Visibility       Visibility   `json:"visibility"`
	CreatorID        string       `json:"creatorId"`
	Members          []string     `json:"memberIds"`
	Allowed          []string     `json:"allowedIds,omitempty"`
	Blocked          []string     `json:"blockedIds,omitempty"`
	PendingRequests  []string     `json:"pendingRequests,omitempty"`
	RequiresApproval bool         `json:"requiresApproval"`
	Archived         bool         `json:"archived"`
	Deleted          bool         `json:"deleted"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// ChannelInfo is the compact form sent in auth replies and listings.
type ChannelInfo struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type ChannelKind `json:"type"`
}

type Message struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channelId"`
	SenderID      string    `json:"senderId"`
	SenderName    string    `json:"senderName"`
	Content       string    `json:"content"`
	Origin        Origin    `json:"origin"`
	RecipientID   string    `json:"recipientId,omitempty"`
	RecipientName string    `json:"recipientName,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type PresenceRecord struct {
	UserID         string         `json:"userId"`
	UserName       string         `json:"userName"`
	Status         PresenceStatus `json:"status"`
	LastSeen       time.Time      `json:"lastSeen"`
	ConnectionType ConnType       `json:"connectionType"`
}

type Relay struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// computeFingerprint derives the 15-bit mesh address of a channel from its
// canonical identifier. Pure function of the id; the offline transport carries
// this instead of the full uuid.
func computeFingerprint(id string) uint16 {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return uint16(h & 0x7fff)
}

// isCanonicalID reports whether s is a canonical channel identifier. Offline
// messages address channels by display name; a strict uuid parse avoids
// misrouting names that merely contain a hyphen.
func isCanonicalID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// --- wire frames ---

type frameType string

const (
	// client -> server
	frameAuth           frameType = "auth"
	frameMessage        frameType = "message"
	frameHeartbeat      frameType = "heartbeat"
	frameGatewayConnect frameType = "gateway_connect"
	frameGatewayMessage frameType = "gateway_message"

	// server -> client
	frameAuthOK         frameType = "auth_ok"
	frameMessageAck     frameType = "message_ack"
	framePresenceUpdate frameType = "presence_update"
	frameChannelCreated frameType = "channel_created"
	frameChannelUpdated frameType = "channel_updated"
	frameChannelDeleted frameType = "channel_deleted"
	frameChannelCleared frameType = "channel_cleared"
	frameMessageDeleted frameType = "message_deleted"
	frameError          frameType = "error"

	// server -> relay
	frameInjectMessage   frameType = "inject_message"
	frameAdminDisconnect frameType = "admin_disconnect"
)

type frame struct {
	Type    frameType       `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

type authPayload struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Token     string `json:"token"`
	Timestamp int64  `json:"ts"`
	IsRelay   bool   `json:"isRelay,omitempty"`
	RelayID   string `json:"relayId,omitempty"`
}

type authOKPayload struct {
	UserID   string        `json:"userId"`
	Channels []ChannelInfo `json:"channels"`
}

type chatPayload struct {
	ChannelID     string `json:"channelId"`
	Content       string `json:"content"`
	RecipientID   string `json:"recipientId,omitempty"`
	RecipientName string `json:"recipientName,omitempty"`
}

type ackPayload struct {
	MessageID string `json:"messageId"`
}

type gatewayConnectPayload struct {
	RelayID      string   `json:"relayId"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type gatewayConnectReply struct {
	Relay Relay `json:"relay"`
}

type channelClearedPayload struct {
	ChannelID string    `json:"channelId"`
	ClearedAt time.Time `json:"clearedAt"`
}

type messageDeletedPayload struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type adminDisconnectPayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// encodeFrame marshals a typed payload into the tagged envelope. Marshal of
// the local payload types cannot fail; errors would be programming bugs.
func encodeFrame(t frameType, v interface{}) []byte {
	var p json.RawMessage
	if v != nil {
		p, _ = json.Marshal(v)
	}
	data, _ := json.Marshal(frame{Type: t, Payload: p})
	return data
}

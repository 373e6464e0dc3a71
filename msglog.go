package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageLog is the append-bounded per-channel message store. Ordering per
// channel is the order Add calls are accepted; past the cap the oldest entry
// is pruned.
type MessageLog struct {
	mu        sync.Mutex
	cap       int
	adminID   string
	byID      map[string]*Message
	byChannel map[string][]string
	clearedAt map[string]time.Time
	archive   archiveSink
	now       func() time.Time
}

func newMessageLog(cap int, adminID string) *MessageLog {
	return &MessageLog{
		cap:       cap,
		adminID:   adminID,
		byID:      map[string]*Message{},
		byChannel: map[string][]string{},
		clearedAt: map[string]time.Time{},
		now:       time.Now,
	}
}

// Add always succeeds.
func (l *MessageLog) Add(channelID, senderID, senderName, content string, origin Origin, recipientID, recipientName string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := &Message{
		ID:            uuid.NewString(),
		ChannelID:     channelID,
		SenderID:      senderID,
		SenderName:    senderName,
		Content:       content,
		Origin:        origin,
		RecipientID:   recipientID,
		RecipientName: recipientName,
		CreatedAt:     l.now(),
	}
	l.byID[m.ID] = m
	ids := append(l.byChannel[channelID], m.ID)
	if len(ids) > l.cap {
		drop := ids[:len(ids)-l.cap]
		for _, id := range drop {
			delete(l.byID, id)
		}
		ids = ids[len(ids)-l.cap:]
	}
	l.byChannel[channelID] = ids
	if l.archive != nil {
		l.archive.SaveMessage(*m)
	}
	return *m
}

// GetForChannel returns up to limit messages oldest-to-newest, the most
// recent ones after the optional strictly-before cursor — a backward
// paginating window.
func (l *MessageLog) GetForChannel(channelID string, limit int, before time.Time) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := l.byChannel[channelID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		m := l.byID[id]
		if m == nil {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, *m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// ClearChannel drops every stored message for the channel and records the
// tombstone timestamp clients use to purge local copies.
func (l *MessageLog) ClearChannel(channelID string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.byChannel[channelID] {
		delete(l.byID, id)
	}
	delete(l.byChannel, channelID)
	t := l.now()
	l.clearedAt[channelID] = t
	if l.archive != nil {
		l.archive.ClearChannelMessages(channelID, t)
	}
	return t
}

// GetAllClearTimestamps snapshots every known channel's last-clear time, zero
// if never cleared. Reconnecting clients diff against this.
func (l *MessageLog) GetAllClearTimestamps() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]time.Time, len(l.clearedAt)+len(l.byChannel))
	for id := range l.byChannel {
		out[id] = time.Time{}
	}
	for id, t := range l.clearedAt {
		out[id] = t
	}
	return out
}

// DeleteMessage removes one message. Only the original sender or the
// configured admin identity may do it.
func (l *MessageLog) DeleteMessage(messageID, requesterID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.byID[messageID]
	if !ok {
		return false
	}
	if requesterID != m.SenderID && (l.adminID == "" || requesterID != l.adminID) {
		return false
	}
	delete(l.byID, messageID)
	ids := l.byChannel[m.ChannelID]
	for i, id := range ids {
		if id == messageID {
			l.byChannel[m.ChannelID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if l.archive != nil {
		l.archive.DeleteMessage(messageID)
	}
	return true
}

// Get returns a copy of one message, for authorization-free reads.
func (l *MessageLog) Get(messageID string) (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

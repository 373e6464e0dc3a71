package main

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// relaySink is the writable side of a relay connection. Live websocket
// connections satisfy it; tests plug in fakes.
type relaySink interface {
	// TrySend queues a frame without blocking; false means the relay is
	// not currently writable.
	TrySend(data []byte) bool
	// CloseConn tears the underlying connection down.
	CloseConn()
}

// MeshEvent is a message a relay forwarded from the offline network, after
// channel resolution.
type MeshEvent struct {
	RelayID string
	Message Message
}

type relayEntry struct {
	relay Relay
	sink  relaySink
}

// RelayBridge tracks connected relay peers and moves messages to and from the
// offline network. Delivery toward relays is best-effort; ingestion is handed
// to the connection handler over the Events channel so fan-out ordering and
// shutdown stay deterministic.
type RelayBridge struct {
	mu     sync.RWMutex
	relays map[string]*relayEntry
	events chan MeshEvent
	closed bool
	now    func() time.Time
}

func newRelayBridge(eventBuffer int) *RelayBridge {
	return &RelayBridge{
		relays: map[string]*relayEntry{},
		events: make(chan MeshEvent, eventBuffer),
		now:    time.Now,
	}
}

func (b *RelayBridge) Register(relayID, name string, capabilities []string, sink relaySink) Relay {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	e := &relayEntry{
		relay: Relay{
			ID:           relayID,
			Name:         name,
			Capabilities: capabilities,
			ConnectedAt:  now,
			LastActivity: now,
		},
		sink: sink,
	}
	b.relays[relayID] = e
	zap.S().Infow("relay registered", "relay", relayID, "name", name)
	return e.relay
}

func (b *RelayBridge) Unregister(relayID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.relays[relayID]; ok {
		delete(b.relays, relayID)
		zap.S().Infow("relay unregistered", "relay", relayID)
	}
}

func (b *RelayBridge) Get(relayID string) (Relay, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.relays[relayID]
	if !ok {
		return Relay{}, false
	}
	return e.relay, true
}

func (b *RelayBridge) List() []Relay {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Relay, 0, len(b.relays))
	for _, e := range b.relays {
		out = append(out, e.relay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasConnectedRelay gates whether smart send attempts offline delivery at all.
func (b *RelayBridge) HasConnectedRelay() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.relays) > 0
}

// InjectMessage pushes one message toward one relay. Best-effort: false when
// the relay is unknown or its connection is not writable.
func (b *RelayBridge) InjectMessage(relayID string, m Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.relays[relayID]
	if !ok {
		return false
	}
	if !e.sink.TrySend(encodeFrame(frameInjectMessage, m)) {
		return false
	}
	e.relay.LastActivity = b.now()
	return true
}

// BroadcastToRelays injects into every registered relay and reports how many
// accepted it. Relay order is unspecified.
func (b *RelayBridge) BroadcastToRelays(m Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := encodeFrame(frameInjectMessage, m)
	n := 0
	for _, e := range b.relays {
		if e.sink.TrySend(data) {
			e.relay.LastActivity = b.now()
			n++
		}
	}
	return n
}

// OnMeshMessage ingests a message a relay ferried in from the offline network.
// The event lands on the Events channel; the connection handler fans it out to
// cloud subscribers. Dropped with a warning if the buffer is full.
func (b *RelayBridge) OnMeshMessage(relayID string, m Message) {
	b.mu.Lock()
	if e, ok := b.relays[relayID]; ok {
		e.relay.LastActivity = b.now()
	}
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	select {
	case b.events <- MeshEvent{RelayID: relayID, Message: m}:
	default:
		zap.S().Warnw("mesh event buffer full, dropping", "relay", relayID, "message", m.ID)
	}
}

func (b *RelayBridge) Events() <-chan MeshEvent {
	return b.events
}

// ForceDisconnect notifies the relay, closes its connection and removes it.
// Removal happens regardless of whether the notify got through.
func (b *RelayBridge) ForceDisconnect(relayID, reason string) error {
	b.mu.Lock()
	e, ok := b.relays[relayID]
	if ok {
		delete(b.relays, relayID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrRelayNotFound
	}
	e.sink.TrySend(encodeFrame(frameAdminDisconnect, adminDisconnectPayload{Reason: reason}))
	e.sink.CloseConn()
	zap.S().Infow("relay force-disconnected", "relay", relayID, "reason", reason)
	return nil
}

// Close ends the event stream. Register/inject after Close are harmless
// no-ops from the consumer's point of view.
func (b *RelayBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

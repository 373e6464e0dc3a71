package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mu         sync.Mutex
	broadcasts map[string]int
	order      map[string][]string
}

func (f *fakeHub) broadcastToChannel(channelID string, data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcasts == nil {
		f.broadcasts = map[string]int{}
		f.order = map[string][]string{}
	}
	f.broadcasts[channelID]++
	fr := frame{}
	if json.Unmarshal(data, &fr) == nil && fr.Type == frameMessage {
		m := Message{}
		if json.Unmarshal(fr.Payload, &m) == nil {
			f.order[channelID] = append(f.order[channelID], m.ID)
		}
	}
	return 1
}

func newTestRouter() (*Router, *fakeHub) {
	hub := &fakeHub{}
	r := &Router{
		registry: newChannelRegistry(),
		messages: newMessageLog(1000, "admin"),
		bridge:   newRelayBridge(8),
		hub:      hub,
	}
	return r, hub
}

func TestSmartSendResolvesNameNoRelay(t *testing.T) {
	r, hub := newTestRouter()
	ch := r.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)

	res, err := r.Send(SendRequest{ChannelRef: "general", SenderID: "u1", SenderName: "User One", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, ch.ID, res.Message.ChannelID, "name resolved to canonical id")
	assert.Equal(t, OriginOnline, res.Message.Origin)
	assert.False(t, res.MeshInjected)
	assert.Zero(t, res.RelayCount)
	assert.Equal(t, 1, hub.broadcasts[ch.ID], "cloud broadcast is unconditional")

	stored := r.messages.GetForChannel(ch.ID, 10, time.Time{})
	require.Len(t, stored, 1)
	assert.Equal(t, OriginOnline, stored[0].Origin)
}

func TestSmartSendWithRelay(t *testing.T) {
	r, _ := newTestRouter()
	r.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)
	sink := &fakeSink{writable: true}
	r.bridge.Register("R1", "Gateway", nil, sink)

	res, err := r.Send(SendRequest{ChannelRef: "general", SenderID: "u1", SenderName: "User One", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, res.MeshInjected)
	assert.Equal(t, 1, res.RelayCount)
	assert.Equal(t, OriginOnlineMesh, res.Message.Origin)
	assert.Len(t, sink.sent, 1)

	// relay gone mid-flight: still succeeds, just no mesh hop
	r.bridge.Unregister("R1")
	res, err = r.Send(SendRequest{ChannelRef: "general", SenderID: "u1", SenderName: "User One", Content: "again"})
	require.NoError(t, err)
	assert.False(t, res.MeshInjected)
	assert.Zero(t, res.RelayCount)
}

func TestSmartSendMeshOnlySkipsInjection(t *testing.T) {
	r, hub := newTestRouter()
	ch := r.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)
	sink := &fakeSink{writable: true}
	r.bridge.Register("R1", "Gateway", nil, sink)

	res, err := r.Send(SendRequest{ChannelRef: ch.ID, SenderID: "u1", SenderName: "User One", Content: "hi", MeshOnly: true})
	require.NoError(t, err)
	assert.False(t, res.MeshInjected)
	assert.Zero(t, res.RelayCount)
	assert.Equal(t, OriginOnline, res.Message.Origin)
	assert.Empty(t, sink.sent)
	assert.Equal(t, 1, hub.broadcasts[ch.ID])
}

func TestSmartSendUnknownChannel(t *testing.T) {
	r, hub := newTestRouter()
	_, err := r.Send(SendRequest{ChannelRef: "ghost", SenderID: "u1", SenderName: "User One", Content: "hi"})
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.Empty(t, hub.broadcasts, "no partial send")
}

func TestIngestStoresAndFansOut(t *testing.T) {
	r, hub := newTestRouter()
	ch := r.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)

	stored := r.Ingest(Message{ChannelID: ch.ID, SenderID: "mesh-user", SenderName: "Mesh User", Content: "from the field", Origin: OriginMesh})
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, OriginMesh, stored.Origin)
	assert.Equal(t, 1, hub.broadcasts[ch.ID])

	log := r.messages.GetForChannel(ch.ID, 10, time.Time{})
	require.Len(t, log, 1)
	assert.Equal(t, stored.ID, log[0].ID)
}

func TestLogOrderMatchesBroadcastOrder(t *testing.T) {
	r, hub := newTestRouter()
	ch := r.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)

	// cloud sends and mesh ingests race on the same channel
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := r.Send(SendRequest{ChannelRef: ch.ID, SenderID: "u1", SenderName: "User One", Content: "cloud"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			r.Ingest(Message{ChannelID: ch.ID, SenderID: "mesh-user", SenderName: "Mesh User", Content: "mesh", Origin: OriginMesh})
		}()
	}
	wg.Wait()

	stored := r.messages.GetForChannel(ch.ID, 100, time.Time{})
	require.Len(t, stored, 50)
	ids := make([]string, 0, len(stored))
	for _, m := range stored {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, ids, hub.order[ch.ID], "log order equals broadcast order")
}

func TestSmartSendByCanonicalID(t *testing.T) {
	r, _ := newTestRouter()
	ch := r.registry.Create("crew-a", KindGroup, "creator", nil, VisibilityPublic, false)

	res, err := r.Send(SendRequest{ChannelRef: ch.ID, SenderID: "u1", SenderName: "User One", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, res.Message.ChannelID)

	// a name that merely contains a hyphen is still a name, not an id
	res, err = r.Send(SendRequest{ChannelRef: "crew-a", SenderID: "u1", SenderName: "User One", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, ch.ID, res.Message.ChannelID)
}

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestAPIChannelLifecycle(t *testing.T) {
	_, srv := startTestServer(t)

	ch := ChannelView{}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/channels", map[string]interface{}{
		"name":      "general",
		"type":      "broadcast",
		"creatorId": "u1",
	}, &ch)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, isCanonicalID(ch.ID))
	assert.Equal(t, computeFingerprint(ch.ID), ch.Fingerprint)
	assert.Equal(t, VisibilityPublic, ch.Visibility, "visibility defaults to public")

	var list []ChannelView
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/channels?userId=u2", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)

	got := ChannelView{}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ch.ID, got.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/channels/no-such-channel", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/channels/"+ch.ID+"?managerId=u2", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/channels/"+ch.ID+"?managerId=u1", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIPatchChannelPartialUpdates(t *testing.T) {
	n, srv := startTestServer(t)
	ch := n.registry.Create("crew", KindGroup, "U1", nil, VisibilityPrivate, false)

	// toggling approval alone leaves visibility untouched
	got := ChannelView{}
	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/channels/"+ch.ID,
		map[string]interface{}{"managerId": "U1", "requiresApproval": true}, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, got.RequiresApproval)
	assert.Equal(t, VisibilityPrivate, got.Visibility)

	// and changing visibility alone keeps the approval flag
	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/channels/"+ch.ID,
		map[string]interface{}{"managerId": "U1", "visibility": "public"}, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, VisibilityPublic, got.Visibility)
	assert.True(t, got.RequiresApproval)

	resp = doJSON(t, http.MethodPatch, srv.URL+"/api/channels/"+ch.ID,
		map[string]interface{}{"managerId": "U2", "requiresApproval": false}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPISmartSendNoRelay(t *testing.T) {
	n, srv := startTestServer(t)
	ch := n.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)

	res := SendResult{}
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/messages", map[string]interface{}{
		"channelId":  "general",
		"senderId":   "u1",
		"senderName": "User One",
		"content":    "hi",
	}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, ch.ID, res.Message.ChannelID)
	assert.Equal(t, OriginOnline, res.Message.Origin)
	assert.False(t, res.MeshInjected)
	assert.Zero(t, res.RelayCount)
}

func TestAPISmartSendUnknownChannel(t *testing.T) {
	_, srv := startTestServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/messages", map[string]interface{}{
		"channelId":  "ghost",
		"senderId":   "u1",
		"senderName": "User One",
		"content":    "hi",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIMessagesClearAndSync(t *testing.T) {
	n, srv := startTestServer(t)
	ch := n.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)
	for i := 0; i < 3; i++ {
		n.messages.Add(ch.ID, "u1", "User One", fmt.Sprintf("m%d", i), OriginOnline, "", "")
	}

	var msgs []Message
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/messages?limit=2", nil, &msgs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].Content)
	assert.Equal(t, "m2", msgs[1].Content)

	// clear is an admin op signed over the raw body
	ts := fmt.Sprint(time.Now().Unix())
	sign := SignMD5("admin-secret", "", ts)
	cleared := channelClearedPayload{}
	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/channels/%s/clear?sign=%s&ts=%s", srv.URL, ch.ID, sign, ts), nil, &cleared)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, cleared.ClearedAt.IsZero())

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/messages", nil, &msgs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, msgs)

	sync := struct {
		ChannelClearedAt map[string]int64 `json:"channelClearedAt"`
		ServerTime       int64            `json:"serverTime"`
	}{}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/sync", nil, &sync)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cleared.ClearedAt.UnixMilli(), sync.ChannelClearedAt[ch.ID])
	assert.NotZero(t, sync.ServerTime)
}

func TestAPIClearRejectsBadSign(t *testing.T) {
	n, srv := startTestServer(t)
	ch := n.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/channels/"+ch.ID+"/clear?sign=bad&ts=1", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIDeleteMessage(t *testing.T) {
	n, srv := startTestServer(t)
	ch := n.registry.Create("general", KindBroadcast, "creator", nil, VisibilityPublic, false)
	m := n.messages.Add(ch.ID, "sender", "Sender", "hi", OriginOnline, "", "")

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID+"?requesterId=intruder", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_, ok := n.messages.Get(m.ID)
	assert.True(t, ok)

	// the configured admin identity may delete anything
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID+"?requesterId=admin", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/messages/"+m.ID+"?requesterId=admin", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIAccessFlow(t *testing.T) {
	_, srv := startTestServer(t)

	ch := ChannelView{}
	doJSON(t, http.MethodPost, srv.URL+"/api/channels", map[string]interface{}{
		"name":             "crew-a",
		"type":             "group",
		"creatorId":        "U1",
		"visibility":       "private",
		"requiresApproval": true,
	}, &ch)

	status := map[string]AccessStatus{}
	doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/access/status?userId=U2", nil, &status)
	assert.Equal(t, AccessCanRequest, status["status"])

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/channels/"+ch.ID+"/access/request",
		map[string]string{"userId": "U2"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/access/status?userId=U2", nil, &status)
	assert.Equal(t, AccessPending, status["status"])

	pending := map[string][]string{}
	doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/access/pending?managerId=U1", nil, &pending)
	assert.Equal(t, []string{"U2"}, pending["pending"])

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/channels/"+ch.ID+"/access/respond",
		map[string]interface{}{"managerId": "U1", "requesterId": "U2", "approve": true}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doJSON(t, http.MethodGet, srv.URL+"/api/channels/"+ch.ID+"/access/status?userId=U2", nil, &status)
	assert.Equal(t, AccessGranted, status["status"])
}

func TestAPIPresence(t *testing.T) {
	_, srv := startTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/presence/heartbeat",
		map[string]string{"userId": "u1", "userName": "User One"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var online []PresenceRecord
	doJSON(t, http.MethodGet, srv.URL+"/api/presence/online", nil, &online)
	require.Len(t, online, 1)
	assert.Equal(t, "u1", online[0].UserID)
	assert.Equal(t, StatusOnline, online[0].Status)
}

func TestAPIGateway(t *testing.T) {
	n, srv := startTestServer(t)

	status := struct {
		Connected  bool `json:"connected"`
		RelayCount int  `json:"relayCount"`
	}{}
	doJSON(t, http.MethodGet, srv.URL+"/api/gateway/status", nil, &status)
	assert.False(t, status.Connected)

	n.bridge.Register("R1", "Gateway", []string{"mesh"}, &fakeSink{writable: true})
	doJSON(t, http.MethodGet, srv.URL+"/api/gateway/status", nil, &status)
	assert.True(t, status.Connected)
	assert.Equal(t, 1, status.RelayCount)

	var relays []Relay
	doJSON(t, http.MethodGet, srv.URL+"/api/gateway/relays", nil, &relays)
	require.Len(t, relays, 1)
	assert.Equal(t, "R1", relays[0].ID)

	// json.Encoder adds a trailing newline; the sign covers exactly the raw body
	body, _ := json.Marshal(map[string]string{"reason": "maintenance"})
	ts := fmt.Sprint(time.Now().Unix())
	sign := SignMD5("admin-secret", string(body)+"\n", ts)

	resp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/gateway/relays/R1/disconnect?sign=%s&ts=%s", srv.URL, sign, ts),
		map[string]string{"reason": "maintenance"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, n.bridge.HasConnectedRelay())

	resp = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/gateway/relays/R9/disconnect?sign=%s&ts=%s", srv.URL, sign, ts),
		map[string]string{"reason": "maintenance"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

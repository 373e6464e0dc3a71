package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrChannelNotFound),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, ErrRelayNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, ErrConflict):
		code = http.StatusConflict
	}
	writeJSON(w, code, errorPayload{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "read body"})
		return nil, false
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, v); err != nil {
			writeJSON(w, http.StatusBadRequest, errorPayload{Error: "bad json"})
			return nil, false
		}
	}
	return body, true
}

// checkAdminSign verifies the query signature over the raw request body:
// sign = md5(adminsecret + body + ts).
func (n *Node) checkAdminSign(w http.ResponseWriter, r *http.Request, body []byte) bool {
	s := r.URL.Query().Get("sign")
	ts := r.URL.Query().Get("ts")
	if s == "" || ts == "" || !CheckSignMD5(n.cfg.AdminSecret, string(body), ts, s) {
		writeJSON(w, http.StatusForbidden, errorPayload{Error: "bad sign"})
		return false
	}
	return true
}

func (n *Node) routes() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/ws", n.serveWs)

	m.HandleFunc("POST /api/channels", n.apiCreateChannel)
	m.HandleFunc("GET /api/channels", n.apiListChannels)
	m.HandleFunc("GET /api/channels/{id}", n.apiGetChannel)
	m.HandleFunc("PATCH /api/channels/{id}", n.apiPatchChannel)
	m.HandleFunc("DELETE /api/channels/{id}", n.apiDeleteChannel)

	m.HandleFunc("POST /api/channels/{id}/access/request", n.apiRequestAccess)
	m.HandleFunc("POST /api/channels/{id}/access/respond", n.apiRespondAccess)
	m.HandleFunc("POST /api/channels/{id}/access/user", n.apiUpdateUserAccess)
	m.HandleFunc("GET /api/channels/{id}/access/status", n.apiAccessStatus)
	m.HandleFunc("GET /api/channels/{id}/access/pending", n.apiPendingRequests)

	m.HandleFunc("POST /api/channels/{id}/members", n.apiAddMember)
	m.HandleFunc("DELETE /api/channels/{id}/members/{userId}", n.apiRemoveMember)

	m.HandleFunc("GET /api/channels/{id}/messages", n.apiGetMessages)
	m.HandleFunc("POST /api/channels/{id}/clear", n.apiClearChannel)
	m.HandleFunc("DELETE /api/messages/{id}", n.apiDeleteMessage)
	m.HandleFunc("POST /api/messages", n.apiSmartSend)

	m.HandleFunc("GET /api/sync", n.apiSync)

	m.HandleFunc("GET /api/presence", n.apiPresence)
	m.HandleFunc("GET /api/presence/online", n.apiPresenceOnline)
	m.HandleFunc("POST /api/presence/heartbeat", n.apiHeartbeat)

	m.HandleFunc("GET /api/gateway/status", n.apiGatewayStatus)
	m.HandleFunc("GET /api/gateway/relays", n.apiGatewayRelays)
	m.HandleFunc("POST /api/gateway/relays/{id}/disconnect", n.apiGatewayDisconnect)

	return m
}

func (n *Node) apiCreateChannel(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Name             string      `json:"name"`
		Kind             ChannelKind `json:"type"`
		CreatorID        string      `json:"creatorId"`
		MemberIDs        []string    `json:"memberIds"`
		Visibility       Visibility  `json:"visibility"`
		RequiresApproval bool        `json:"requiresApproval"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if req.Name == "" || req.CreatorID == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "name and creatorId required"})
		return
	}
	if req.Kind == "" {
		req.Kind = KindGroup
	}
	if req.Visibility == "" {
		req.Visibility = VisibilityPublic
	}
	ch := n.registry.Create(req.Name, req.Kind, req.CreatorID, req.MemberIDs, req.Visibility, req.RequiresApproval)
	n.broadcastChannelEvent(frameChannelCreated, ch)
	n.resubscribeAll()
	writeJSON(w, http.StatusCreated, ch)
}

func (n *Node) apiListChannels(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	includeArchived := r.URL.Query().Get("archived") == "true"
	writeJSON(w, http.StatusOK, n.registry.List(userID, includeArchived))
}

func (n *Node) apiGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := n.registry.Get(r.PathValue("id"))
	if !ok {
		writeErr(w, ErrChannelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (n *Node) apiPatchChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req := struct {
		ManagerID        string     `json:"managerId"`
		Visibility       Visibility `json:"visibility"`
		RequiresApproval *bool      `json:"requiresApproval"`
		Archived         *bool      `json:"archived"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if req.Visibility != "" || req.RequiresApproval != nil {
		current, ok := n.registry.Get(id)
		if !ok {
			writeErr(w, ErrChannelNotFound)
			return
		}
		visibility := current.Visibility
		if req.Visibility != "" {
			visibility = req.Visibility
		}
		requires := current.RequiresApproval
		if req.RequiresApproval != nil {
			requires = *req.RequiresApproval
		}
		if err := n.registry.UpdateVisibility(id, req.ManagerID, visibility, requires); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := n.registry.Archive(id, req.ManagerID, *req.Archived); err != nil {
			writeErr(w, err)
			return
		}
	}
	ch, ok := n.registry.Get(id)
	if !ok {
		writeErr(w, ErrChannelNotFound)
		return
	}
	n.broadcastChannelEvent(frameChannelUpdated, ch)
	writeJSON(w, http.StatusOK, ch)
}

func (n *Node) apiDeleteChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	managerID := r.URL.Query().Get("managerId")
	if err := n.registry.Delete(id, managerID); err != nil {
		writeErr(w, err)
		return
	}
	n.broadcastChannelEvent(frameChannelDeleted, map[string]string{"channelId": id})
	writeJSON(w, http.StatusOK, map[string]string{"channelId": id})
}

func (n *Node) apiRequestAccess(w http.ResponseWriter, r *http.Request) {
	req := struct {
		UserID string `json:"userId"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if err := n.registry.RequestAccess(r.PathValue("id"), req.UserID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(AccessPending)})
}

func (n *Node) apiRespondAccess(w http.ResponseWriter, r *http.Request) {
	req := struct {
		ManagerID   string `json:"managerId"`
		RequesterID string `json:"requesterId"`
		Approve     bool   `json:"approve"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if err := n.registry.RespondToAccessRequest(r.PathValue("id"), req.RequesterID, req.ManagerID, req.Approve); err != nil {
		writeErr(w, err)
		return
	}
	n.resubscribeAll()
	writeJSON(w, http.StatusOK, map[string]bool{"approved": req.Approve})
}

func (n *Node) apiUpdateUserAccess(w http.ResponseWriter, r *http.Request) {
	req := struct {
		ManagerID string `json:"managerId"`
		UserID    string `json:"userId"`
		Allow     bool   `json:"allow"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if err := n.registry.UpdateUserAccess(r.PathValue("id"), req.UserID, req.ManagerID, req.Allow); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allow": req.Allow})
}

func (n *Node) apiAccessStatus(w http.ResponseWriter, r *http.Request) {
	status, err := n.registry.GetAccessStatus(r.PathValue("id"), r.URL.Query().Get("userId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]AccessStatus{"status": status})
}

func (n *Node) apiPendingRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := n.registry.PendingRequests(r.PathValue("id"), r.URL.Query().Get("managerId"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"pending": pending})
}

func (n *Node) apiAddMember(w http.ResponseWriter, r *http.Request) {
	req := struct {
		ManagerID string `json:"managerId"`
		UserID    string `json:"userId"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if err := n.registry.AddMember(r.PathValue("id"), req.UserID, req.ManagerID); err != nil {
		writeErr(w, err)
		return
	}
	n.resubscribeAll()
	writeJSON(w, http.StatusOK, map[string]string{"userId": req.UserID})
}

func (n *Node) apiRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := n.registry.RemoveMember(r.PathValue("id"), r.PathValue("userId"), r.URL.Query().Get("managerId")); err != nil {
		writeErr(w, err)
		return
	}
	n.resubscribeAll()
	writeJSON(w, http.StatusOK, map[string]string{"userId": r.PathValue("userId")})
}

func (n *Node) apiGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := n.registry.Get(id); !ok {
		writeErr(w, ErrChannelNotFound)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	var before time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			before = time.UnixMilli(ms)
		}
	}
	writeJSON(w, http.StatusOK, n.messages.GetForChannel(id, limit, before))
}

func (n *Node) apiClearChannel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, ok := decodeBody(w, r, &struct{}{})
	if !ok {
		return
	}
	if !n.checkAdminSign(w, r, body) {
		return
	}
	if _, ok := n.registry.Get(id); !ok {
		writeErr(w, ErrChannelNotFound)
		return
	}
	t := n.messages.ClearChannel(id)
	n.broadcastChannelEvent(frameChannelCleared, channelClearedPayload{ChannelID: id, ClearedAt: t})
	writeJSON(w, http.StatusOK, channelClearedPayload{ChannelID: id, ClearedAt: t})
}

func (n *Node) apiDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	requesterID := r.URL.Query().Get("requesterId")
	m, exists := n.messages.Get(id)
	if !exists {
		writeErr(w, ErrMessageNotFound)
		return
	}
	if !n.messages.DeleteMessage(id, requesterID) {
		writeErr(w, ErrForbidden)
		return
	}
	n.broadcastChannelEvent(frameMessageDeleted, messageDeletedPayload{MessageID: id, ChannelID: m.ChannelID})
	writeJSON(w, http.StatusOK, map[string]string{"messageId": id})
}

func (n *Node) apiSmartSend(w http.ResponseWriter, r *http.Request) {
	req := SendRequest{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if req.ChannelRef == "" || req.SenderID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "channelId, senderId and content required"})
		return
	}
	res, err := n.router.Send(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// apiSync hands reconnecting clients the per-channel clear tombstones so they
// can purge locally cached messages older than the last clear.
func (n *Node) apiSync(w http.ResponseWriter, r *http.Request) {
	cleared := map[string]int64{}
	for id, t := range n.messages.GetAllClearTimestamps() {
		if t.IsZero() {
			cleared[id] = 0
		} else {
			cleared[id] = t.UnixMilli()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channelClearedAt": cleared,
		"serverTime":       time.Now().UnixMilli(),
	})
}

func (n *Node) apiPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.presence.GetAll())
}

func (n *Node) apiPresenceOnline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.presence.GetOnline())
}

func (n *Node) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	req := struct {
		UserID         string         `json:"userId"`
		UserName       string         `json:"userName"`
		Status         PresenceStatus `json:"status"`
		ConnectionType ConnType       `json:"connectionType"`
	}{}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "userId required"})
		return
	}
	if req.Status == "" {
		req.Status = StatusOnline
	}
	if req.ConnectionType == "" {
		req.ConnectionType = ConnOnline
	}
	n.presence.Update(req.UserID, req.UserName, req.Status, req.ConnectionType)
	writeJSON(w, http.StatusOK, map[string]string{"userId": req.UserID})
}

func (n *Node) apiGatewayStatus(w http.ResponseWriter, r *http.Request) {
	relays := n.bridge.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected":  len(relays) > 0,
		"relayCount": len(relays),
	})
}

func (n *Node) apiGatewayRelays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.bridge.List())
}

func (n *Node) apiGatewayDisconnect(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Reason string `json:"reason"`
	}{}
	body, ok := decodeBody(w, r, &req)
	if !ok {
		return
	}
	if !n.checkAdminSign(w, r, body) {
		return
	}
	id := r.PathValue("id")
	if err := n.bridge.ForceDisconnect(id, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	zap.S().Infow("admin disconnected relay", "relay", id, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"relayId": id})
}

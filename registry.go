package main

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// channel is the registry's mutable record. Only the registry touches it, and
// only under its lock; everything exported returns ChannelView copies.
type channel struct {
	id               string
	fingerprint      uint16
	name             string
	kind             ChannelKind
	visibility       Visibility
	creatorID        string
	members          map[string]struct{}
	allowed          map[string]struct{}
	blocked          map[string]struct{}
	pendingRequests  map[string]struct{}
	requiresApproval bool
	archived         bool
	deleted          bool
	createdAt        time.Time
}

// ChannelRegistry is the canonical source of channel identity, membership and
// visibility. Access control is evaluated from first principles on every
// check; channel counts are small and correctness under concurrent membership
// edits matters more than lookup speed.
type ChannelRegistry struct {
	mu            sync.RWMutex
	byID          map[string]*channel
	byFingerprint map[uint16]*channel
	archive       archiveSink
	now           func() time.Time
}

func newChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		byID:          map[string]*channel{},
		byFingerprint: map[uint16]*channel{},
		now:           time.Now,
	}
}

func (r *ChannelRegistry) view(c *channel) ChannelView {
	return ChannelView{
		ID:               c.id,
		Fingerprint:      c.fingerprint,
		Name:             c.name,
		Kind:             c.kind,
		Visibility:       c.visibility,
		CreatorID:        c.creatorID,
		Members:          keys(c.members),
		Allowed:          keys(c.allowed),
		Blocked:          keys(c.blocked),
		PendingRequests:  keys(c.pendingRequests),
		RequiresApproval: c.requiresApproval,
		Archived:         c.archived,
		Deleted:          c.deleted,
		CreatedAt:        c.createdAt,
	}
}

func keys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	s := make([]string, 0, len(m))
	for k := range m {
		s = append(s, k)
	}
	sort.Strings(s)
	return s
}

// Create always succeeds. Membership defaults to the creator alone.
func (r *ChannelRegistry) Create(name string, kind ChannelKind, creatorID string, memberIDs []string, visibility Visibility, requiresApproval bool) ChannelView {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &channel{
		id:               uuid.NewString(),
		name:             name,
		kind:             kind,
		visibility:       visibility,
		creatorID:        creatorID,
		members:          map[string]struct{}{},
		allowed:          map[string]struct{}{},
		blocked:          map[string]struct{}{},
		pendingRequests:  map[string]struct{}{},
		requiresApproval: requiresApproval,
		createdAt:        r.now(),
	}
	c.fingerprint = computeFingerprint(c.id)
	if len(memberIDs) == 0 {
		c.members[creatorID] = struct{}{}
	} else {
		for _, id := range memberIDs {
			c.members[id] = struct{}{}
		}
	}

	r.byID[c.id] = c
	if old, ok := r.byFingerprint[c.fingerprint]; ok {
		zap.S().Warnw("channel fingerprint collision",
			"fingerprint", c.fingerprint, "kept", old.id, "new", c.id)
	} else {
		r.byFingerprint[c.fingerprint] = c
	}
	v := r.view(c)
	if r.archive != nil {
		r.archive.SaveChannel(v)
	}
	return v
}

func (r *ChannelRegistry) Get(id string) (ChannelView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ChannelView{}, false
	}
	return r.view(c), true
}

func (r *ChannelRegistry) GetByFingerprint(fp uint16) (ChannelView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byFingerprint[fp]
	if !ok || c.deleted {
		return ChannelView{}, false
	}
	return r.view(c), true
}

// FindByName resolves offline-transport messages, which address channels by
// human name rather than identifier. Case-insensitive, skips deleted channels.
func (r *ChannelRegistry) FindByName(name string) (ChannelView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if !c.deleted && strings.EqualFold(c.name, name) {
			return r.view(c), true
		}
	}
	return ChannelView{}, false
}

func (r *ChannelRegistry) canAccess(c *channel, userID string) bool {
	if c.creatorID == userID {
		return true
	}
	if _, blocked := c.blocked[userID]; blocked {
		return false
	}
	_, member := c.members[userID]
	switch c.visibility {
	case VisibilityPublic:
		switch c.kind {
		case KindBroadcast:
			return true
		case KindDirect:
			return member
		default:
			return len(c.members) == 0 || member
		}
	case VisibilityPrivate:
		return member
	case VisibilityRestricted:
		_, allowed := c.allowed[userID]
		return allowed
	}
	return false
}

func (r *ChannelRegistry) CanAccess(id, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return false
	}
	return r.canAccess(c, userID)
}

// canSeeInListing is broader than canAccess: discoverable channels show up so
// a user can request access.
func (r *ChannelRegistry) canSeeInListing(c *channel, userID string) bool {
	if r.canAccess(c, userID) {
		return true
	}
	if c.visibility == VisibilityPublic {
		return true
	}
	if c.visibility == VisibilityPrivate && c.requiresApproval {
		_, blocked := c.blocked[userID]
		return !blocked
	}
	return false
}

func (r *ChannelRegistry) CanSeeInListing(id, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return false
	}
	return r.canSeeInListing(c, userID)
}

// List returns the channels userID may see. Archived channels are excluded
// unless includeArchived is set; deleted channels never show up.
func (r *ChannelRegistry) List(userID string, includeArchived bool) []ChannelView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []ChannelView{}
	for _, c := range r.byID {
		if c.deleted || (c.archived && !includeArchived) {
			continue
		}
		if r.canSeeInListing(c, userID) {
			out = append(out, r.view(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *ChannelRegistry) RequestAccess(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.visibility != VisibilityPrivate || !c.requiresApproval {
		return ErrConflict
	}
	if _, blocked := c.blocked[userID]; blocked {
		return ErrForbidden
	}
	if r.canAccess(c, userID) {
		return ErrConflict
	}
	if _, pending := c.pendingRequests[userID]; pending {
		return ErrConflict
	}
	c.pendingRequests[userID] = struct{}{}
	return nil
}

func (r *ChannelRegistry) RespondToAccessRequest(id, requesterID, managerID string, approve bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	if _, pending := c.pendingRequests[requesterID]; !pending {
		return ErrNotFound
	}
	delete(c.pendingRequests, requesterID)
	if approve {
		c.members[requesterID] = struct{}{}
	}
	r.save(c)
	return nil
}

// UpdateUserAccess grants or revokes a user. Revoking also strips membership
// so a blocked user cannot linger in a member list.
func (r *ChannelRegistry) UpdateUserAccess(id, userID, managerID string, allow bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	if allow {
		c.allowed[userID] = struct{}{}
		delete(c.blocked, userID)
	} else {
		c.blocked[userID] = struct{}{}
		delete(c.allowed, userID)
		delete(c.members, userID)
	}
	r.save(c)
	return nil
}

func (r *ChannelRegistry) UpdateVisibility(id, managerID string, visibility Visibility, requiresApproval bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	c.visibility = visibility
	c.requiresApproval = requiresApproval
	r.save(c)
	return nil
}

func (r *ChannelRegistry) GetAccessStatus(id, userID string) (AccessStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return "", ErrChannelNotFound
	}
	if r.canAccess(c, userID) {
		return AccessGranted, nil
	}
	if _, pending := c.pendingRequests[userID]; pending {
		return AccessPending, nil
	}
	if c.visibility == VisibilityPrivate && c.requiresApproval {
		if _, blocked := c.blocked[userID]; !blocked {
			return AccessCanRequest, nil
		}
	}
	return AccessDenied, nil
}

func (r *ChannelRegistry) PendingRequests(id, managerID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return nil, ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return nil, ErrForbidden
	}
	return keys(c.pendingRequests), nil
}

// SubscribeUserToChannels is the auto-join step run at authentication time.
// Every live broadcast channel gains the user as a member; other channels are
// included only when the user already belongs. Returns the channel ids the
// connection should be live-subscribed to.
func (r *ChannelRegistry) SubscribeUserToChannels(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, c := range r.byID {
		if c.deleted {
			continue
		}
		if c.kind == KindBroadcast {
			c.members[userID] = struct{}{}
			ids = append(ids, c.id)
			continue
		}
		if _, member := c.members[userID]; member {
			ids = append(ids, c.id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *ChannelRegistry) AddMember(id, userID, managerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	c.members[userID] = struct{}{}
	r.save(c)
	return nil
}

func (r *ChannelRegistry) RemoveMember(id, userID, managerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	delete(c.members, userID)
	r.save(c)
	return nil
}

func (r *ChannelRegistry) Archive(id, managerID string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	c.archived = archived
	r.save(c)
	return nil
}

// Delete is a soft delete: the record stays for tombstone-based sync, the
// registry boundary filters it from every read.
func (r *ChannelRegistry) Delete(id, managerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || c.deleted {
		return ErrChannelNotFound
	}
	if c.creatorID != managerID {
		return ErrForbidden
	}
	c.deleted = true
	r.save(c)
	return nil
}

func (r *ChannelRegistry) save(c *channel) {
	if r.archive != nil {
		r.archive.SaveChannel(r.view(c))
	}
}

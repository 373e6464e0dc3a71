package main

import (
	"sort"
	"sync"
	"time"
)

// PresenceTracker keeps per-user online state. Staleness is computed lazily at
// read time; a crashed connection that never sent an offline event still ages
// out of GetOnline.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]*PresenceRecord
	stale   time.Duration
	now     func() time.Time
}

func newPresenceTracker(stale time.Duration) *PresenceTracker {
	return &PresenceTracker{
		records: map[string]*PresenceRecord{},
		stale:   stale,
		now:     time.Now,
	}
}

// Update upserts and always refreshes lastSeen.
func (p *PresenceTracker) Update(userID, userName string, status PresenceStatus, connType ConnType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = &PresenceRecord{
		UserID:         userID,
		UserName:       userName,
		Status:         status,
		LastSeen:       p.now(),
		ConnectionType: connType,
	}
}

// SetOffline flips status without dropping the record.
func (p *PresenceTracker) SetOffline(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[userID]; ok {
		r.Status = StatusOffline
	}
}

func (p *PresenceTracker) Get(userID string) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[userID]
	if !ok {
		return PresenceRecord{}, false
	}
	return *r, true
}

func (p *PresenceTracker) GetAll() []PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// GetOnline returns records that are both not offline and fresh within the
// stale window.
func (p *PresenceTracker) GetOnline() []PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.now()
	out := []PresenceRecord{}
	for _, r := range p.records {
		if r.Status == StatusOffline {
			continue
		}
		if now.Sub(r.LastSeen) >= p.stale {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Cleanup purges records offline for ten times the stale window. Maintenance
// only; GetOnline is correct without it.
func (p *PresenceTracker) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for id, r := range p.records {
		if r.Status == StatusOffline && now.Sub(r.LastSeen) > 10*p.stale {
			delete(p.records, id)
			n++
		}
	}
	return n
}

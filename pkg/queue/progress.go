package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProgressMap is the shared in-memory progress store. Bounded in size,
// entries expire after a TTL, and every read or write holds the mutex.
// Progress is best effort and never persisted.
type ProgressMap struct {
	mu      sync.Mutex
	entries map[uuid.UUID]progressEntry
	maxSize int
	ttl     time.Duration
}

type progressEntry struct {
	pct       int
	updatedAt time.Time
}

func NewProgressMap(maxSize int, ttl time.Duration) *ProgressMap {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ProgressMap{
		entries: make(map[uuid.UUID]progressEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Set records a percentage for a job, evicting expired entries when the
// map is full. When full of live entries, the write is dropped rather
// than growing without bound.
func (p *ProgressMap) Set(jobID uuid.UUID, pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if _, exists := p.entries[jobID]; !exists && len(p.entries) >= p.maxSize {
		p.evictExpiredLocked(now)
		if len(p.entries) >= p.maxSize {
			return
		}
	}
	p.entries[jobID] = progressEntry{pct: pct, updatedAt: now}
}

// Get returns the recorded percentage, if fresh.
func (p *ProgressMap) Get(jobID uuid.UUID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[jobID]
	if !ok {
		return 0, false
	}
	if time.Since(e.updatedAt) > p.ttl {
		delete(p.entries, jobID)
		return 0, false
	}
	return e.pct, true
}

// Drop removes a job's entry; called on terminal transition.
func (p *ProgressMap) Drop(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, jobID)
}

func (p *ProgressMap) evictExpiredLocked(now time.Time) {
	for id, e := range p.entries {
		if now.Sub(e.updatedAt) > p.ttl {
			delete(p.entries, id)
		}
	}
}

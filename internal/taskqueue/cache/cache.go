// Package cache keeps finished task results for a bounded time so pollers
// can collect them after the task left the queue.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/nma-pipeline/internal/types"
)

var (
	// ErrEmptyTaskID is returned when a task ID is empty
	ErrEmptyTaskID = errors.New("taskID cannot be empty")
	// ErrNotFound is returned for unknown or expired results
	ErrNotFound = errors.New("result not found")
)

// Result is the outcome of one task: outputs on success, an error message otherwise
type Result struct {
	Outputs map[types.SlotName]types.Value
	Error   string
}

// Succeeded reports whether the task produced outputs
func (r *Result) Succeeded() bool {
	return r.Error == ""
}

type entry struct {
	result    *Result
	expiresAt time.Time
	seq       uint64
}

type pending struct {
	taskID string
	seq    uint64
}

// ResultCache holds results for a fixed TTL. Every entry shares the TTL, so
// insertion order is expiry order and expired entries are swept from the
// front on each access.
type ResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	order   []pending
	seq     uint64
	now     func() time.Time
}

// NewResultCache creates a cache whose entries live for ttl
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// sweepLocked drops expired entries and stale order records
func (rc *ResultCache) sweepLocked() {
	now := rc.now()
	for len(rc.order) > 0 {
		head := rc.order[0]
		if e, ok := rc.entries[head.taskID]; ok && e.seq == head.seq {
			if now.Before(e.expiresAt) {
				return
			}
			delete(rc.entries, head.taskID)
		}
		rc.order = rc.order[1:]
	}
	rc.order = nil
}

// Store caches a task result, replacing any earlier one
func (rc *ResultCache) Store(taskID string, result *Result) error {
	if taskID == "" {
		return ErrEmptyTaskID
	}
	if result == nil {
		return errors.New("result cannot be nil")
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sweepLocked()
	rc.seq++
	rc.entries[taskID] = entry{result: result, expiresAt: rc.now().Add(rc.ttl), seq: rc.seq}
	rc.order = append(rc.order, pending{taskID: taskID, seq: rc.seq})
	return nil
}

// Get returns a cached result, or ErrNotFound if it is missing or expired
func (rc *ResultCache) Get(taskID string) (*Result, error) {
	if taskID == "" {
		return nil, ErrEmptyTaskID
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sweepLocked()
	e, ok := rc.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e.result, nil
}

// Delete removes a cached result by task ID
func (rc *ResultCache) Delete(taskID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.entries, taskID)
}

// Size returns the number of unexpired results
func (rc *ResultCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.sweepLocked()
	return len(rc.entries)
}

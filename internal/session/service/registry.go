package service

import (
	"sync"

	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/clock"
)

const shardCount = 32

// entry serializes every transition of one session and owns its timers.
type entry struct {
	mu        sync.Mutex
	heartbeat *clock.Timer
	duration  *clock.Timer
	tracked   bool
	// done is set once the session is terminal or unknown so the entry can
	// leave the registry on release.
	done bool
}

type shard struct {
	mu      sync.Mutex
	entries map[id.SessionID]*entry
}

// registry maps live sessions to their entries. Sessions hash to shards by
// their first id byte, so unrelated sessions rarely share a shard lock and
// never share an entry lock.
type registry struct {
	shards [shardCount]shard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[id.SessionID]*entry)
	}
	return r
}

func (r *registry) shardFor(sessionID id.SessionID) *shard {
	return &r.shards[int(sessionID[0])%shardCount]
}

// acquire returns the locked entry for sessionID, creating it if needed.
func (r *registry) acquire(sessionID id.SessionID) *entry {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	e, ok := sh.entries[sessionID]
	if !ok {
		e = &entry{}
		sh.entries[sessionID] = e
	}
	sh.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks the entry and drops it from the registry when done.
func (r *registry) release(sessionID id.SessionID, e *entry) {
	if e.done {
		sh := r.shardFor(sessionID)
		sh.mu.Lock()
		if sh.entries[sessionID] == e {
			delete(sh.entries, sessionID)
		}
		sh.mu.Unlock()
	}
	e.mu.Unlock()
}

// drain removes every entry and returns them for timer shutdown.
func (r *registry) drain() []*entry {
	var all []*entry
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for sessionID, e := range sh.entries {
			all = append(all, e)
			delete(sh.entries, sessionID)
		}
		sh.mu.Unlock()
	}
	return all
}

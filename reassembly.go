package courier

import (
	"fmt"
	"sync"
	"time"

	"github.com/telemetrytv/trace"
	"gopkg.in/tomb.v2"
)

var reassemblyDebug = trace.Bind("courier:reassembly")

// DefaultReassemblyTTL is how long an incomplete message may sit idle before
// it is evicted.
const DefaultReassemblyTTL = 2 * time.Minute

type reassemblyEntry struct {
	mu         sync.Mutex
	chunkCount int
	received   map[int][]byte
	touchedAt  time.Time
	done       bool
}

// ReassemblyTable collects the chunks of in-flight messages and hands back
// each payload exactly once, when its final chunk arrives. Entries are keyed
// by an arbitrary string, normally a binding scope plus the correlation id.
//
// Incomplete entries that stay idle longer than TTL are evicted by a sweeper
// started with Start. Keys of completed messages are remembered for one TTL
// so late duplicates are dropped rather than opening an entry that can never
// complete.
type ReassemblyTable struct {
	TTL time.Duration

	// OnEvict is called with the key of every incomplete entry removed by the
	// sweeper.
	OnEvict func(key string)

	mu         sync.Mutex
	entries    map[string]*reassemblyEntry
	tombstones map[string]time.Time

	tomb *tomb.Tomb
	now  func() time.Time
}

func NewReassemblyTable(ttl time.Duration) *ReassemblyTable {
	if ttl <= 0 {
		ttl = DefaultReassemblyTTL
	}
	return &ReassemblyTable{
		TTL:        ttl,
		entries:    map[string]*reassemblyEntry{},
		tombstones: map[string]time.Time{},
		now:        time.Now,
	}
}

// Add stores one chunk. When it completes the message, Add returns the
// joined payload and true, and the entry is gone from the table. Redelivered
// indexes overwrite the stored chunk. A chunk whose count disagrees with the
// first chunk seen for the key is rejected with ErrChunkCountMismatch.
func (r *ReassemblyTable) Add(key string, envelope *Envelope, data []byte) ([]byte, bool, error) {
	if envelope.ChunkIndex < 1 || envelope.ChunkIndex > envelope.ChunkCount {
		return nil, false, fmt.Errorf("%w: chunk index %d out of range 1..%d",
			ErrMalformedEnvelope, envelope.ChunkIndex, envelope.ChunkCount)
	}

	if envelope.ChunkCount == 1 {
		claimed, declared := r.claim(key)
		if declared > 0 {
			return nil, false, fmt.Errorf("%w: message %s declared %d chunks, chunk 1 declares 1",
				ErrChunkCountMismatch, key, declared)
		}
		if !claimed {
			reassemblyDebug.Tracef("Dropping late chunk for completed message %s", key)
			return nil, false, nil
		}
		return data, true, nil
	}

	for {
		entry, ok := r.entry(key, envelope.ChunkCount)
		if !ok {
			reassemblyDebug.Tracef("Dropping late chunk %d for completed message %s", envelope.ChunkIndex, key)
			return nil, false, nil
		}

		entry.mu.Lock()
		if entry.done {
			// Completed or evicted between lookup and lock; look again.
			entry.mu.Unlock()
			continue
		}
		if entry.chunkCount != envelope.ChunkCount {
			entry.mu.Unlock()
			return nil, false, fmt.Errorf("%w: message %s declared %d chunks, chunk %d declares %d",
				ErrChunkCountMismatch, key, entry.chunkCount, envelope.ChunkIndex, envelope.ChunkCount)
		}

		entry.received[envelope.ChunkIndex] = data
		entry.touchedAt = r.now()
		reassemblyDebug.Tracef("Stored chunk %d/%d for %s (%d received)",
			envelope.ChunkIndex, entry.chunkCount, key, len(entry.received))

		if len(entry.received) < entry.chunkCount {
			entry.mu.Unlock()
			return nil, false, nil
		}

		payload, err := Join(entry.received, entry.chunkCount)
		entry.done = true
		entry.received = nil
		entry.mu.Unlock()

		r.complete(key, entry)
		if err != nil {
			return nil, false, err
		}
		reassemblyDebug.Tracef("Message %s complete (%d bytes)", key, len(payload))
		return payload, true, nil
	}
}

// Len returns the number of incomplete messages held.
func (r *ReassemblyTable) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Forget drops any state held for key.
func (r *ReassemblyTable) Forget(key string) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		entry.mu.Lock()
		entry.done = true
		entry.received = nil
		entry.mu.Unlock()
	}
}

// Start runs the eviction sweeper until Stop is called.
func (r *ReassemblyTable) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tomb != nil {
		return
	}
	r.tomb = &tomb.Tomb{}
	t := r.tomb
	t.Go(func() error {
		interval := r.TTL / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.Dying():
				return nil
			case <-ticker.C:
				r.Sweep()
			}
		}
	})
}

// Stop halts the sweeper and waits for it to exit.
func (r *ReassemblyTable) Stop() {
	r.mu.Lock()
	t := r.tomb
	r.tomb = nil
	r.mu.Unlock()
	if t == nil {
		return
	}
	t.Kill(nil)
	_ = t.Wait()
}

// Sweep evicts idle incomplete entries and expired tombstones. It is run
// periodically by the sweeper and may be called directly.
func (r *ReassemblyTable) Sweep() int {
	now := r.now()
	var evicted []string

	r.mu.Lock()
	for key, entry := range r.entries {
		entry.mu.Lock()
		if now.Sub(entry.touchedAt) >= r.TTL {
			entry.done = true
			entry.received = nil
			delete(r.entries, key)
			evicted = append(evicted, key)
		}
		entry.mu.Unlock()
	}
	for key, at := range r.tombstones {
		if now.Sub(at) >= r.TTL {
			delete(r.tombstones, key)
		}
	}
	r.mu.Unlock()

	for _, key := range evicted {
		reassemblyDebug.Tracef("Evicted incomplete message %s", key)
		if r.OnEvict != nil {
			r.OnEvict(key)
		}
	}
	return len(evicted)
}

func (r *ReassemblyTable) entry(key string, chunkCount int) (*reassemblyEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[key]; ok {
		return entry, true
	}
	if _, ok := r.tombstones[key]; ok {
		return nil, false
	}

	entry := &reassemblyEntry{
		chunkCount: chunkCount,
		received:   make(map[int][]byte, chunkCount),
		touchedAt:  r.now(),
	}
	r.entries[key] = entry
	reassemblyDebug.Tracef("Accumulating message %s (%d chunks)", key, chunkCount)
	return entry, true
}

func (r *ReassemblyTable) complete(key string, entry *reassemblyEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == entry {
		delete(r.entries, key)
	}
	r.tombstones[key] = r.now()
}

// claim tombstones a single chunk message, reporting false if it was
// already seen. If key is accumulating a multi chunk message, nothing is
// claimed and the count declared by that message is returned.
func (r *ReassemblyTable) claim(key string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[key]; ok {
		return false, entry.chunkCount
	}
	if _, ok := r.tombstones[key]; ok {
		return false, 0
	}
	r.tombstones[key] = r.now()
	return true, 0
}

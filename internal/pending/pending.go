// Package pending implements the Sender's pending-RPC table: a mapping
// from correlation-id to a one-shot completion signal. Adapted from an
// in-process TTL cache, replacing the byte-slice value with a
// single-use reply channel.
package pending

import (
	"sync"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
)

// Table tracks in-flight RPC calls awaiting a reply on the Sender's
// exclusive inbox. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]chan model.DispatchReply
}

// New constructs an empty pending-RPC table.
func New() *Table {
	return &Table{entries: make(map[string]chan model.DispatchReply)}
}

// Register inserts an entry for correlationID before the request is
// published, returning the channel the reply (or a timeout caller) will
// read from. Registering the same correlation-id twice replaces the
// prior entry.
func (t *Table) Register(correlationID string) <-chan model.DispatchReply {
	ch := make(chan model.DispatchReply, 1)
	t.mu.Lock()
	t.entries[correlationID] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers reply to the entry for correlationID and removes it.
// Returns false if no entry exists — either it was never registered, it
// already timed out, or (the at-most-one-dispatch invariant) it was
// already resolved by an earlier reply for the same correlation-id.
func (t *Table) Resolve(correlationID string, reply model.DispatchReply) bool {
	t.mu.Lock()
	ch, ok := t.entries[correlationID]
	if ok {
		delete(t.entries, correlationID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Remove discards the entry for correlationID without delivering a
// reply, used when the per-call timeout fires.
func (t *Table) Remove(correlationID string) {
	t.mu.Lock()
	delete(t.entries, correlationID)
	t.mu.Unlock()
}

// Len reports the number of in-flight entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package core

import (
	"context"
	"sync"
)

// MemoryOutbox keeps entries in process memory. It backs the "memory"
// outbox backend and tests.
type MemoryOutbox struct {
	mu        sync.Mutex
	entries   []OutboxEntry
	index     map[string]int
	delivered map[string]bool
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		index:     map[string]int{},
		delivered: map[string]bool{},
	}
}

func (o *MemoryOutbox) Append(_ context.Context, entry OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.index[entry.EventID]; ok {
		return nil
	}
	o.index[entry.EventID] = len(o.entries)
	o.entries = append(o.entries, entry)
	return nil
}

func (o *MemoryOutbox) ReadUndelivered(_ context.Context, limit int) ([]OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboxEntry
	for _, entry := range o.entries {
		if o.delivered[entry.EventID] {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (o *MemoryOutbox) MarkDelivered(_ context.Context, eventIDs ...string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range eventIDs {
		if _, ok := o.index[id]; ok {
			o.delivered[id] = true
		}
	}
	return nil
}

func (o *MemoryOutbox) Latest(_ context.Context, eventTypes ...OutboxEventType) (OutboxEntry, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.entries) - 1; i >= 0; i-- {
		if matchesEventType(o.entries[i].EventType, eventTypes) {
			return o.withDelivered(o.entries[i]), true, nil
		}
	}
	return OutboxEntry{}, false, nil
}

func (o *MemoryOutbox) Backlog(context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries) - len(o.delivered), nil
}

// Entries returns every appended entry in append order.
func (o *MemoryOutbox) Entries() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, len(o.entries))
	for _, entry := range o.entries {
		out = append(out, o.withDelivered(entry))
	}
	return out
}

func (o *MemoryOutbox) withDelivered(entry OutboxEntry) OutboxEntry {
	entry.Delivered = o.delivered[entry.EventID]
	return entry
}

// MatchesEventType reports whether eventType is in types; an empty filter
// matches everything.
func MatchesEventType(eventType OutboxEventType, types []OutboxEventType) bool {
	return matchesEventType(eventType, types)
}

func matchesEventType(eventType OutboxEventType, types []OutboxEventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == eventType {
			return true
		}
	}
	return false
}

var (
	_ Outbox        = (*MemoryOutbox)(nil)
	_ OutboxHistory = (*MemoryOutbox)(nil)
	_ OutboxBacklog = (*MemoryOutbox)(nil)
)

package transport

import (
	"sort"
	"strconv"
)

// reorderBuffer releases events with numeric ids in ascending order. Ids
// do not have to be contiguous: an event ahead of the expected id is held
// until the gap fills, the window overflows or the owner calls Flush. The
// SSE reader flushes once the stream has been quiet for a short grace
// period. Duplicates and ids behind the last released one are dropped.
// Events without a numeric id pass straight through.
type reorderBuffer struct {
	window  int
	started bool
	next    int64
	held    map[int64]Event
}

func newReorderBuffer(window int) *reorderBuffer {
	if window <= 0 {
		window = 64
	}
	return &reorderBuffer{window: window, held: map[int64]Event{}}
}

func (b *reorderBuffer) Push(event Event) []Event {
	id, err := strconv.ParseInt(event.ID, 10, 64)
	if err != nil {
		return []Event{event}
	}
	if !b.started {
		b.started = true
		b.next = id
	}
	if id < b.next {
		return nil
	}
	b.held[id] = event
	if len(b.held) > b.window {
		b.next = b.lowest()
	}
	return b.release()
}

// Flush gives up on any gap and releases every held event in order.
func (b *reorderBuffer) Flush() []Event {
	if len(b.held) == 0 {
		return nil
	}
	ids := b.Held()
	out := make([]Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.held[id])
		delete(b.held, id)
	}
	b.next = ids[len(ids)-1] + 1
	return out
}

// Pending reports how many events are held behind a gap.
func (b *reorderBuffer) Pending() int {
	return len(b.held)
}

// Reset forgets ordering state, used when the server session changes.
func (b *reorderBuffer) Reset() {
	b.started = false
	b.next = 0
	b.held = map[int64]Event{}
}

// Held returns the held ids in order.
func (b *reorderBuffer) Held() []int64 {
	ids := make([]int64, 0, len(b.held))
	for id := range b.held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *reorderBuffer) release() []Event {
	var out []Event
	for {
		event, ok := b.held[b.next]
		if !ok {
			return out
		}
		delete(b.held, b.next)
		out = append(out, event)
		b.next++
	}
}

func (b *reorderBuffer) lowest() int64 {
	first := true
	var lowest int64
	for id := range b.held {
		if first || id < lowest {
			lowest = id
			first = false
		}
	}
	return lowest
}

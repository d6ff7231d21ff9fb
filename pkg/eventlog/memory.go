package eventlog

import (
	"context"
	"sync"
)

// MemoryLog is an in-memory Log for tests and the local devnet.
type MemoryLog struct {
	mu      sync.RWMutex
	events  []Event
	head    string
	changed chan struct{}
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		head:    GenesisHash,
		changed: make(chan struct{}),
	}
}

// Append adds events with hash chaining. Either all events commit or none do.
func (l *MemoryLog) Append(ctx context.Context, events ...Event) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(events))
	head := l.head
	seq := uint64(len(l.events))
	for i, e := range events {
		seq++
		if err := seal(&e, seq, head); err != nil {
			return nil, err
		}
		head = e.Hash
		out[i] = e
	}
	if len(out) == 0 {
		return out, nil
	}

	l.events = append(l.events, out...)
	l.head = head
	close(l.changed)
	l.changed = make(chan struct{})
	return out, nil
}

// Get retrieves an event by sequence number.
func (l *MemoryLog) Get(_ context.Context, seq uint64) (Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return Event{}, ErrNotFound
	}
	return l.events[seq-1], nil
}

// Range returns up to limit events starting at sequence from.
func (l *MemoryLog) Range(_ context.Context, from uint64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.events)) {
		return []Event{}, nil
	}
	rest := l.events[from-1:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Event, len(rest))
	copy(out, rest)
	return out, nil
}

// LastSequence returns the highest committed sequence number.
func (l *MemoryLog) LastSequence(context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)), nil
}

// Head returns the hash of the last event, or GenesisHash.
func (l *MemoryLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Changed implements Notifier.
func (l *MemoryLog) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

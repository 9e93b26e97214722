package bus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// claimTimeout is how long an unacknowledged group-mode entry stays
// invisible to other consumers before it becomes eligible for redelivery.
const claimTimeout = 30 * time.Second

type entry struct {
	id      string
	payload []byte
	seq     uint64
}

type topicLog struct {
	entries []entry
}

type pendingEntry struct {
	entry    entry
	deadline time.Time
}

type groupState struct {
	delivered int // index into topicLog.entries already handed to this group
	pending   map[string]*pendingEntry
}

// Store is the shared in-memory state backing one or more InProcessBus
// views. Sharing a Store lets several agents' group-bound views (each a
// distinct consumer group) fan out from the same topics, the way a single
// NATS/Redis deployment backs several consumer groups in production.
// Guarded by a mutex and condition variable.
type Store struct {
	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string]*topicLog
	groups map[string]*groupState // key: topic + "\x00" + group
}

// NewStore creates a fresh, empty in-process store.
func NewStore() *Store {
	s := &Store{
		topics: make(map[string]*topicLog),
		groups: make(map[string]*groupState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// InProcessBus is a Bus view over a shared Store, optionally bound to a
// consumer group. Pure memory; used for single-process mode and tests.
type InProcessBus struct {
	store *Store
	opts  *GroupOptions
}

// New creates an in-process bus view over a fresh private store. If opts is
// non-nil, Read operates in consumer-group mode using the supplied
// group/consumer identity.
func New(opts *GroupOptions) *InProcessBus {
	return NewView(NewStore(), opts)
}

// NewView creates an in-process bus view over an existing shared store.
func NewView(store *Store, opts *GroupOptions) *InProcessBus {
	return &InProcessBus{store: store, opts: opts}
}

func cursorFor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return v, nil
}

func (b *InProcessBus) Publish(ctx context.Context, topic string, id string, payload []byte) (string, error) {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.topics[topic]
	if !ok {
		log = &topicLog{}
		s.topics[topic] = log
	}
	seq := uint64(len(log.entries)) + 1
	log.entries = append(log.entries, entry{id: id, payload: payload, seq: seq})
	s.cond.Broadcast()
	return cursorFor(seq), nil
}

func (b *InProcessBus) Read(ctx context.Context, topic string, lastCursor string, limit int, blockMs int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	lastSeq, err := parseCursor(lastCursor)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)

	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		msgs := b.readLocked(topic, lastSeq, limit)
		if len(msgs) > 0 || blockMs <= 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return msgs, nil
		}
		b.waitWithTimeout(remaining)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return b.readLocked(topic, lastSeq, limit), nil
		}
	}
}

func (b *InProcessBus) readLocked(topic string, lastSeq uint64, limit int) []Message {
	if b.opts != nil {
		return b.readGroupLocked(topic, limit)
	}
	return b.readTailLocked(topic, lastSeq, limit)
}

// waitWithTimeout wakes the caller either on the next Broadcast or after
// remaining elapses, whichever comes first. sync.Cond has no native timed
// wait, so a helper goroutine nudges the condition variable at the
// deadline.
func (b *InProcessBus) waitWithTimeout(remaining time.Duration) {
	s := b.store
	timer := time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.cond.Wait()
}

func (b *InProcessBus) readTailLocked(topic string, lastSeq uint64, limit int) []Message {
	log, ok := b.store.topics[topic]
	if !ok {
		return nil
	}
	if lastSeq == 0 {
		return tailWindow(topic, log.entries, limit)
	}
	var out []Message
	for _, e := range log.entries {
		if e.seq <= lastSeq {
			continue
		}
		out = append(out, Message{ID: e.id, Topic: topic, Payload: e.payload, Cursor: cursorFor(e.seq)})
		if len(out) >= limit {
			break
		}
	}
	return out
}

// tailWindow returns up to the most recent limit entries in ascending seq
// order, the bounded-recency reading of "from the end" when no cursor is
// supplied (mirroring a Redis xrevrange(+,-,count=limit) fallback), rather
// than either the full history or nothing.
func tailWindow(topic string, entries []entry, limit int) []Message {
	start := 0
	if len(entries) > limit {
		start = len(entries) - limit
	}
	out := make([]Message, 0, len(entries)-start)
	for _, e := range entries[start:] {
		out = append(out, Message{ID: e.id, Topic: topic, Payload: e.payload, Cursor: cursorFor(e.seq)})
	}
	return out
}

func (b *InProcessBus) readGroupLocked(topic string, limit int) []Message {
	log, ok := b.store.topics[topic]
	if !ok {
		return nil
	}
	key := fmt.Sprintf("%s\x00%s", topic, b.opts.Group)
	gs, ok := b.store.groups[key]
	if !ok {
		gs = &groupState{pending: make(map[string]*pendingEntry)}
		b.store.groups[key] = gs
	}

	now := time.Now()
	var out []Message

	// Redeliver pending entries past their claim timeout first.
	for cursor, pe := range gs.pending {
		if len(out) >= limit {
			break
		}
		if now.Before(pe.deadline) {
			continue
		}
		pe.deadline = now.Add(claimTimeout)
		out = append(out, Message{ID: pe.entry.id, Topic: topic, Payload: pe.entry.payload, Cursor: cursor})
	}
	if len(out) >= limit {
		return out
	}

	for gs.delivered < len(log.entries) && len(out) < limit {
		e := log.entries[gs.delivered]
		gs.delivered++
		cursor := cursorFor(e.seq)
		gs.pending[cursor] = &pendingEntry{entry: e, deadline: now.Add(claimTimeout)}
		out = append(out, Message{ID: e.id, Topic: topic, Payload: e.payload, Cursor: cursor})
	}
	return out
}

func (b *InProcessBus) Ack(ctx context.Context, topic string, cursor string) error {
	if b.opts == nil {
		return nil
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s\x00%s", topic, b.opts.Group)
	if gs, ok := s.groups[key]; ok {
		delete(gs.pending, cursor)
	}
	return nil
}

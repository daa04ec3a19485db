package ingestion

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker commits, per partition, the highest offset below which every
// fetched message has been handled. Handlers finish out of order, so
// committing each message on its own would let a later offset cover an
// earlier one that is still running or that failed.
//
// A message that could not be handled pins its partition: nothing at or past
// it is committed again until the partition is redelivered from the
// committed offset after a restart or rebalance.
type offsetTracker struct {
	mu         sync.Mutex
	commit     func(context.Context, kafka.Message) error
	partitions map[partitionKey]*partitionOffsets
}

type partitionKey struct {
	topic     string
	partition int
}

type pendingOffset struct {
	msg    kafka.Message
	done   bool
	failed bool
}

type partitionOffsets struct {
	pending   []*pendingOffset // fetch order
	last      int64            // highest offset fetched
	committed int64            // highest offset committed, -1 for none
	pinned    bool
}

func newOffsetTracker(commit func(context.Context, kafka.Message) error) *offsetTracker {
	return &offsetTracker{
		commit:     commit,
		partitions: make(map[partitionKey]*partitionOffsets),
	}
}

// Begin registers a fetched message. It must be called in fetch order.
func (t *offsetTracker) Begin(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{msg.Topic, msg.Partition}
	p, ok := t.partitions[key]
	if !ok || msg.Offset <= p.last {
		// First message, or the partition was rewound to its committed
		// offset by a rebalance.
		p = &partitionOffsets{committed: -1}
		t.partitions[key] = p
	}
	p.last = msg.Offset
	if p.pinned {
		return
	}
	p.pending = append(p.pending, &pendingOffset{msg: msg})
}

// Done marks msg handled and commits the partition's new watermark, if any.
func (t *offsetTracker) Done(ctx context.Context, msg kafka.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, entry := t.lookup(msg)
	if entry == nil {
		return nil
	}
	entry.done = true

	var next *kafka.Message
	for len(p.pending) > 0 && p.pending[0].done {
		next = &p.pending[0].msg
		p.pending = p.pending[1:]
	}
	if next == nil || next.Offset <= p.committed {
		return nil
	}
	if err := t.commit(ctx, *next); err != nil {
		return err
	}
	p.committed = next.Offset
	return nil
}

// Fail pins the partition at msg. Messages fetched after it are dropped
// from tracking since none of them can be committed any more.
func (t *offsetTracker) Fail(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, entry := t.lookup(msg)
	if entry == nil {
		return
	}
	entry.failed = true
	p.pinned = true
	for i, e := range p.pending {
		if e == entry {
			p.pending = p.pending[:i+1]
			break
		}
	}
}

// Committed returns the last committed offset of a partition, -1 if none.
func (t *offsetTracker) Committed(topic string, partition int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partitionKey{topic, partition}]; ok {
		return p.committed
	}
	return -1
}

func (t *offsetTracker) lookup(msg kafka.Message) (*partitionOffsets, *pendingOffset) {
	p, ok := t.partitions[partitionKey{msg.Topic, msg.Partition}]
	if !ok {
		return nil, nil
	}
	for _, e := range p.pending {
		if e.msg.Offset == msg.Offset {
			return p, e
		}
	}
	return p, nil
}

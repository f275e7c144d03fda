// Package dqueue implements C6: a durable, KV-backed FIFO queue keyed by
// an arbitrary string under a caller-chosen prefix, plus a bounded
// in-memory notification fan-out so workers don't have to poll.
package dqueue

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
)

const cf = "dqueue"

func queueKey(prefix, key string) string { return "queue_" + prefix + "_" + key }

// Queue is a durable FIFO per (prefix, key). Every push/dequeue rewrites
// the entire key's vector to the KV store, matching the durable-queue
// primitive's write-through contract.
type Queue struct {
	kv     kvstore.Store
	logger zerolog.Logger

	mu          sync.Mutex
	subscribers map[string][]chan string // prefix -> notification channels, fed with the key that changed
}

// New constructs a Queue over kv.
func New(kv kvstore.Store, logger zerolog.Logger) *Queue {
	return &Queue{
		kv:          kv,
		logger:      logger.With().Str("component", "dqueue").Logger(),
		subscribers: make(map[string][]chan string),
	}
}

func (q *Queue) load(prefix, key string) ([][]byte, error) {
	raw, found, err := q.kv.Get(cf, queueKey(prefix, key))
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "load queue vector", err)
	}
	if !found {
		return nil, nil
	}
	var items [][]byte
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, "decode queue vector", err)
	}
	return items, nil
}

func (q *Queue) save(prefix, key string, items [][]byte) error {
	data, err := json.Marshal(items)
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeCanonEncodeFailed, "marshal queue vector", err)
	}
	if err := q.kv.Put(cf, queueKey(prefix, key), data); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist queue vector", err)
	}
	return nil
}

// Push appends item to (prefix, key) and notifies any subscriber of
// prefix, non-blocking: a full subscriber buffer just misses this wakeup,
// the item is still durably queued for the next poll.
func (q *Queue) Push(prefix, key string, item []byte) error {
	items, err := q.load(prefix, key)
	if err != nil {
		return err
	}
	items = append(items, item)
	if err := q.save(prefix, key, items); err != nil {
		return err
	}
	q.notify(prefix, key)
	return nil
}

// Peek returns a copy of (prefix, key)'s current vector without removing
// anything.
func (q *Queue) Peek(prefix, key string) ([][]byte, error) {
	return q.load(prefix, key)
}

// Dequeue pops and returns the front element of (prefix, key). ok is
// false if the queue is empty.
func (q *Queue) Dequeue(prefix, key string) (item []byte, ok bool, err error) {
	items, err := q.load(prefix, key)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return nil, false, nil
	}
	item, rest := items[0], items[1:]
	if err := q.save(prefix, key, rest); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// Subscribe registers a bounded channel that receives the key name
// whenever a push happens under prefix. The returned func unsubscribes.
// A slow subscriber cannot block producers: Push sends non-blocking and
// drops the notification if the buffer is full.
func (q *Queue) Subscribe(prefix string, bufSize int) (<-chan string, func()) {
	ch := make(chan string, bufSize)
	q.mu.Lock()
	q.subscribers[prefix] = append(q.subscribers[prefix], ch)
	q.mu.Unlock()

	unsubscribe := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		subs := q.subscribers[prefix]
		for i, c := range subs {
			if c == ch {
				q.subscribers[prefix] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (q *Queue) notify(prefix, key string) {
	q.mu.Lock()
	subs := append([]chan string{}, q.subscribers[prefix]...)
	q.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- key:
		default:
		}
	}
}

// GetAllElementsInterleave rounds-robins across every named key's vector
// under prefix, so a single fair pass exhausts the shortest queues first
// without starving later keys behind a long one.
func (q *Queue) GetAllElementsInterleave(prefix string, keys []string) ([][]byte, error) {
	vectors := make([][][]byte, len(keys))
	maxLen := 0
	for i, key := range keys {
		items, err := q.load(prefix, key)
		if err != nil {
			return nil, err
		}
		vectors[i] = items
		if len(items) > maxLen {
			maxLen = len(items)
		}
	}

	var out [][]byte
	for round := 0; round < maxLen; round++ {
		for _, items := range vectors {
			if round < len(items) {
				out = append(out, items[round])
			}
		}
	}
	return out, nil
}

package tflib

import (
	"sync"
	"time"
)

// DefaultMaxWaiting is the capacity constant for each account's historical
// waiting-download backlog. Real-time entries bypass the cap.
const DefaultMaxWaiting = 30

// WaitingDownload is one message queued for dispatch to the remote client.
type WaitingDownload struct {
	Message    Message
	Historical bool
}

// downloadQueue holds one bounded FIFO of waiting downloads per account.
// Producers are the scan engine and real-time message callbacks; the periodic
// dispatcher is the single consumer.
type downloadQueue struct {
	capacity int

	mu     sync.Mutex
	queues map[int64][]WaitingDownload
}

func newDownloadQueue(capacity int) *downloadQueue {
	if capacity <= 0 {
		capacity = DefaultMaxWaiting
	}
	return &downloadQueue{
		capacity: capacity,
		queues:   make(map[int64][]WaitingDownload),
	}
}

// Enqueue appends the batch to the account's queue after intra-batch dedup by
// file identity. Without force, a queue already past capacity rejects the
// whole batch and reports false; the queue is left unchanged. Real-time
// callers pass force and are never rejected.
func (q *downloadQueue) Enqueue(accountID int64, messages []Message, force, historical bool) bool {
	messages = Dedupe(messages)
	if len(messages) == 0 {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[accountID]
	if !force && len(queue) > q.capacity {
		return false
	}
	for _, m := range messages {
		queue = append(queue, WaitingDownload{Message: m, Historical: historical})
	}
	q.queues[accountID] = queue
	return true
}

// Pop removes and returns up to n entries from the head of the account's queue.
func (q *downloadQueue) Pop(accountID int64, n int) []WaitingDownload {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[accountID]
	if n > len(queue) {
		n = len(queue)
	}
	if n <= 0 {
		return nil
	}
	out := make([]WaitingDownload, n)
	copy(out, queue[:n])
	q.queues[accountID] = queue[n:]
	return out
}

// Len returns the account's current queue length.
func (q *downloadQueue) Len(accountID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[accountID])
}

// Accounts returns the ids of accounts with a non-empty queue.
func (q *downloadQueue) Accounts() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.queues))
	for id, queue := range q.queues {
		if len(queue) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasHistorical reports whether any historical entry waits in the account's
// queue. The scan engine uses this to decide when the download phase is done.
func (q *downloadQueue) HasHistorical(accountID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.queues[accountID] {
		if w.Historical {
			return true
		}
	}
	return false
}

// RemoveChat drops every waiting entry belonging to the (account, chat) pair.
// Called by the registry removal observer.
func (q *downloadQueue) RemoveChat(accountID, chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[accountID]
	kept := queue[:0]
	for _, w := range queue {
		if w.Message.ChatID != chatID {
			kept = append(kept, w)
		}
	}
	q.queues[accountID] = kept
}

// WaitingTransfer identifies one completed download awaiting relocation.
type WaitingTransfer struct {
	AccountID int64
	ChatID    int64
	UniqueID  string
}

// transferQueue is the global FIFO of files awaiting transfer. Entries are
// deduplicated by identity on insert. The executor is the single consumer and
// polls with a timeout to avoid busy-spinning.
type transferQueue struct {
	mu      sync.Mutex
	entries []WaitingTransfer
	wake    chan struct{}
}

func newTransferQueue() *transferQueue {
	return &transferQueue{wake: make(chan struct{}, 1)}
}

// Push appends the entry unless an identical one is already queued. Reports
// whether the entry was added.
func (q *transferQueue) Push(e WaitingTransfer) bool {
	q.mu.Lock()
	for _, existing := range q.entries {
		if existing == e {
			q.mu.Unlock()
			return false
		}
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Poll removes and returns the head entry, waiting up to timeout for one to
// arrive. Reports false on timeout.
func (q *transferQueue) Poll(timeout time.Duration) (WaitingTransfer, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := q.entries[0]
			q.entries = q.entries[1:]
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-deadline.C:
			return WaitingTransfer{}, false
		}
	}
}

// Len returns the number of queued entries.
func (q *transferQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// RemoveChat drops every queued entry belonging to the (account, chat) pair.
func (q *transferQueue) RemoveChat(accountID, chatID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.AccountID != accountID || e.ChatID != chatID {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// Package queue serializes message processing per chat while keeping chats
// independent. Each chat gets one worker goroutine and a bounded FIFO; a
// global cap bounds total buffered messages across chats.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/almacen/mayordomo/internal/fault"
)

// Item is one unit of work bound to a chat.
type Item struct {
	TraceID string
	ChatID  int64
	UserID  int64
	Source  string
	Text    string
	// Depth carries the scheduler reinjection depth for synthetic messages.
	Depth int
	// Enqueued is set by the queue when the item is accepted.
	Enqueued time.Time
}

// Handler processes one item. It runs on the chat's worker goroutine, so
// two items from the same chat never overlap.
type Handler func(ctx context.Context, item Item)

// Queue fans messages out to per-chat workers.
type Queue struct {
	maxPerChat int
	maxTotal   int
	handler    Handler
	logger     *slog.Logger

	mu      sync.Mutex
	chats   map[int64]chan Item
	pending map[int64]int // accepted but not yet finished, per chat
	total   int
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds a queue. Handler is invoked for every accepted item.
func New(maxPerChat, maxTotal int, handler Handler, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		maxPerChat: maxPerChat,
		maxTotal:   maxTotal,
		handler:    handler,
		logger:     logger,
		chats:      make(map[int64]chan Item),
		pending:    make(map[int64]int),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Enqueue accepts an item or rejects it with a kinded overflow error.
// The per-chat cap is checked before the global cap so the caller can tell
// the user which limit they hit.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fault.Overflow("queue is draining")
	}

	if q.pending[item.ChatID] >= q.maxPerChat {
		q.mu.Unlock()
		return fault.Overflow("chat queue full (%d)", q.maxPerChat).
			WithRemedy("espera a que termine de responder los mensajes anteriores")
	}
	if q.total >= q.maxTotal {
		q.mu.Unlock()
		return fault.Overflow("global queue full (%d)", q.maxTotal).
			WithRemedy("el sistema está saturado, inténtalo en unos minutos")
	}

	ch, ok := q.chats[item.ChatID]
	if !ok {
		// Buffer holds the cap plus the item currently being processed.
		ch = make(chan Item, q.maxPerChat+1)
		q.chats[item.ChatID] = ch
		q.wg.Add(1)
		go q.worker(ch)
	}
	q.pending[item.ChatID]++
	q.total++
	item.Enqueued = time.Now()

	// Send cannot block: admission was bounded above and the buffer covers
	// the in-flight item. Sending under the lock keeps every send ordered
	// ahead of the close in Shutdown.
	ch <- item
	q.mu.Unlock()
	return nil
}

// Depth returns buffered items for one chat and across all chats.
func (q *Queue) Depth(chatID int64) (chat, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[chatID], q.total
}

func (q *Queue) worker(ch chan Item) {
	defer q.wg.Done()
	// The channel closes on shutdown; buffered items still drain first.
	for item := range ch {
		q.process(item)
	}
}

func (q *Queue) process(item Item) {
	defer func() {
		q.mu.Lock()
		q.pending[item.ChatID]--
		q.total--
		q.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panic", "chat_id", item.ChatID, "panic", r)
		}
	}()
	q.handler(q.baseCtx, item)
}

// Shutdown stops accepting work and waits up to timeout for workers to
// finish processing buffered items. Drained items run with the live
// context; cancellation happens only after the drain, or on timeout so
// stuck handlers unwind.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, ch := range q.chats {
			close(ch)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-time.After(timeout):
		q.cancel()
		return fault.Transient("queue drain timed out after %s", timeout)
	}
}

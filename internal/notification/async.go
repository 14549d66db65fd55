package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/seller_ledger/internal/metrics"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 2 * time.Second
)

// AsyncNotifier hands messages to a single background worker so callers never wait on
// delivery. When the queue is full the message is dropped and logged.
type AsyncNotifier struct {
	next   Notifier
	logger *slog.Logger
	queue  chan Message

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the delivery worker in front of next.
func NewAsync(next Notifier, logger *slog.Logger, size int) *AsyncNotifier {
	if size <= 0 {
		size = defaultQueueSize
	}
	n := &AsyncNotifier{
		next:   next,
		logger: logger,
		queue:  make(chan Message, size),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Send enqueues the message. It only reports an error when the notifier is closed.
func (n *AsyncNotifier) Send(_ context.Context, message Message) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return context.Canceled
	}
	select {
	case n.queue <- message:
	default:
		metrics.NotificationsDropped.Inc()
		n.logger.Warn("notification dropped, queue full",
			slog.String("kind", message.Kind),
			slog.String("seller_id", message.SellerID),
		)
	}
	return nil
}

// Close stops accepting messages and waits for queued ones to be delivered or ctx to
// expire.
func (n *AsyncNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for message := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := n.next.Send(ctx, message)
		cancel()
		if err != nil {
			metrics.NotificationsFailed.Inc()
			n.logger.Warn("notification delivery failed",
				slog.String("kind", message.Kind),
				slog.String("seller_id", message.SellerID),
				slog.Any("error", err),
			)
		}
	}
}

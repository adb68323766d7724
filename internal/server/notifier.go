package server

import (
	"context"
	"sync"
	"time"

	"github.com/fenggwsx/SlashLive/internal/logging"
	"github.com/fenggwsx/SlashLive/internal/metrics"
	"github.com/fenggwsx/SlashLive/internal/storage"
)

// Notifier writes offline notifications from a bounded queue so the
// connection that triggered them never waits on the store.
type Notifier struct {
	store   storage.NotificationStore
	queue   chan storage.Notification
	workers int
	timeout time.Duration
}

func NewNotifier(store storage.NotificationStore, workers, queueSize int, timeout time.Duration) *Notifier {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		store:   store,
		queue:   make(chan storage.Notification, queueSize),
		workers: workers,
		timeout: timeout,
	}
}

func (n *Notifier) String() string { return "notification-dispatcher" }

// Enqueue queues a notification, blocking while the queue is full.
func (n *Notifier) Enqueue(ctx context.Context, note storage.Notification) error {
	select {
	case n.queue <- note:
		metrics.QueueDepth.WithLabelValues("notifications").Inc()
		return nil
	case <-ctx.Done():
		metrics.Notifications.WithLabelValues("rejected").Inc()
		return ctx.Err()
	}
}

// Serve drains the queue with a fixed number of workers until ctx is done.
func (n *Notifier) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < n.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case note := <-n.queue:
					n.write(ctx, note)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (n *Notifier) write(ctx context.Context, note storage.Notification) {
	metrics.QueueDepth.WithLabelValues("notifications").Dec()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.store.CreateNotification(wctx, &note); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		logging.Warn().Err(err).Uint("recipient_id", note.RecipientID).Str("kind", note.Kind).Msg("notification write failed")
		return
	}
	metrics.Notifications.WithLabelValues("created").Inc()
}

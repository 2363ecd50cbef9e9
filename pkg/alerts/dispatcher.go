package alerts

import (
	"context"
	"time"

	"github.com/pario-ai/genroute/pkg/logging"
	"github.com/pario-ai/genroute/pkg/models"
)

// Dispatcher queues events and fans them out to notifiers on its own
// goroutine so publishers never wait on network I/O.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan models.ThresholdEvent
	timeout   time.Duration
}

// NewDispatcher returns a Dispatcher with a queue of size (default 64).
func NewDispatcher(size int, notifiers ...Notifier) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan models.ThresholdEvent, size),
		timeout:   15 * time.Second,
	}
}

// Publish enqueues ev, dropping it when the queue is full.
func (d *Dispatcher) Publish(ev models.ThresholdEvent) {
	select {
	case d.queue <- ev:
	default:
		logging.Component("alerts").Warn("alert queue full, dropping event", "account", ev.AccountID, "level", ev.Level)
	}
}

// Run delivers queued events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev models.ThresholdEvent) {
	for _, n := range d.notifiers {
		nctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := n.Notify(nctx, ev); err != nil {
			logging.Component("alerts").Warn("alert delivery failed", "account", ev.AccountID, "level", ev.Level, "err", err)
		}
		cancel()
	}
}

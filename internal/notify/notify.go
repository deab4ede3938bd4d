package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"amm-sandbox/internal/model"
)

// Sink receives order notifications from its own worker goroutine.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n model.OrderNotification) error
}

// Stats is told about notifications that never reached a sink.
type Stats interface {
	NotificationDropped(sink string)
	DeliveryFailed(sink string)
}

type nopStats struct{}

func (nopStats) NotificationDropped(string) {}
func (nopStats) DeliveryFailed(string)      {}

const deliverTimeout = 5 * time.Second

// Notifier decouples trade execution from delivery. Every sink has its own
// queue and worker, so a stalled sink only loses its own notifications.
// Publish never blocks.
type Notifier struct {
	outs  []*outlet
	stats Stats
	log   *logrus.Entry
}

type outlet struct {
	sink  Sink
	queue chan model.OrderNotification
}

type Option func(*Notifier)

func WithStats(s Stats) Option {
	return func(n *Notifier) { n.stats = s }
}

func WithLogger(l *logrus.Entry) Option {
	return func(n *Notifier) { n.log = l }
}

// New creates a notifier with a queue of buffer notifications per sink.
func New(buffer int, sinks []Sink, opts ...Option) *Notifier {
	if buffer <= 0 {
		buffer = 1024
	}
	n := &Notifier{
		stats: nopStats{},
		log:   logrus.WithField("component", "notify"),
	}
	for _, s := range sinks {
		n.outs = append(n.outs, &outlet{sink: s, queue: make(chan model.OrderNotification, buffer)})
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Publish enqueues a notification for every sink. It matches
// engine.PublishFunc.
func (n *Notifier) Publish(note model.OrderNotification) {
	for _, o := range n.outs {
		select {
		case o.queue <- note:
		default:
			n.stats.NotificationDropped(o.sink.Name())
			n.log.Warnf("%s: queue full, dropped order %s on %s", o.sink.Name(), note.ID, note.MarketKey)
		}
	}
}

// Run starts one worker per sink and blocks until ctx is done and every
// worker has returned. A failing sink is logged and skipped.
func (n *Notifier) Run(ctx context.Context) error {
	names := make([]string, len(n.outs))
	for i, o := range n.outs {
		names[i] = o.sink.Name()
	}
	n.log.Infof("dispatching to %v", names)

	var wg sync.WaitGroup
	for _, o := range n.outs {
		wg.Add(1)
		go func(o *outlet) {
			defer wg.Done()
			n.drain(ctx, o)
		}(o)
	}
	wg.Wait()
	return nil
}

func (n *Notifier) drain(ctx context.Context, o *outlet) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-o.queue:
			dctx, cancel := context.WithTimeout(ctx, deliverTimeout)
			err := o.sink.Deliver(dctx, note)
			cancel()
			if err != nil {
				n.stats.DeliveryFailed(o.sink.Name())
				n.log.WithError(err).Warnf("%s: deliver order %s failed", o.sink.Name(), note.ID)
			}
		}
	}
}

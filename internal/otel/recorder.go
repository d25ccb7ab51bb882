package otel

import (
	"context"
	"sync"

	"github.com/basket/syncbox/internal/bus"
)

// Recorder feeds metric instruments from bus events, so the packages
// doing the work stay free of telemetry plumbing.
type Recorder struct {
	metrics *Metrics
	bus     *bus.Bus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecorder(metrics *Metrics, eventBus *bus.Bus) *Recorder {
	return &Recorder{metrics: metrics, bus: eventBus}
}

// Start consumes bus events in a background goroutine until the context
// is cancelled or Stop is called.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.bus.Subscribe("")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop shuts down the consumer goroutine.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicOutboxEnqueued:
		r.metrics.OutboxEnqueues.Add(ctx, 1)
		r.metrics.OutboxDepth.Add(ctx, 1)
	case bus.TopicOutboxDelivered:
		r.metrics.ReplayDelivered.Add(ctx, 1)
		r.metrics.OutboxDepth.Add(ctx, -1)
	case bus.TopicOutboxFailed:
		r.metrics.ReplayFailures.Add(ctx, 1)
	case bus.TopicOutboxDead:
		r.metrics.OutboxDepth.Add(ctx, -1)
	case bus.TopicConnectivityChanged:
		r.metrics.ConnectivityFlips.Add(ctx, 1)
	}
}

package channel

import (
	"context"
	"sync"
	"time"

	"optionflow/logger"
)

// Sink consumes published events. A failing sink never affects the others
// or the publisher.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Published) error
}

// Dispatcher hands every event on the published channel to each sink in
// order.
type Dispatcher struct {
	in      <-chan Published
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
	log     *logger.Log
}

func NewDispatcher(in <-chan Published, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{in: in, sinks: sinks, timeout: timeout, log: logger.GetLogger()}
}

// Start consumes until the channel is closed. Cancelling ctx does not stop
// the loop; close the channel to drain and finish.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		base := context.WithoutCancel(ctx)
		for ev := range d.in {
			d.dispatch(base, ev)
		}
		d.log.WithComponent("dispatcher").Info("published channel drained")
	}()
}

// Wait blocks until the channel is closed and drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Published) {
	for _, s := range d.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, d.timeout)
		start := time.Now()
		err := s.Handle(sinkCtx, ev)
		cancel()

		entry := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
			"sink":   s.Name(),
			"asset":  ev.Asset,
			"expiry": ev.Expiry,
		})
		if err != nil {
			entry.WithError(err).Warn("sink failed")
			continue
		}
		logger.LogPerformanceEntry(entry, "dispatcher", s.Name(), time.Since(start), nil)
	}
}

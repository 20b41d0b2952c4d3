package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

// Handler delivers one event somewhere. Errors are logged by the Dispatcher
// and never reach the scheduling service.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev scheduling.Event) error
}

// Dispatcher is an asynchronous scheduling.EventSink. Publish never blocks:
// when the buffer is full the event is dropped and logged.
type Dispatcher struct {
	handlers []Handler
	queue    chan scheduling.Event
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ scheduling.EventSink = (*Dispatcher)(nil)

func NewDispatcher(buffer int, timeout time.Duration, logger zerolog.Logger, handlers ...Handler) *Dispatcher {
	d := &Dispatcher{
		handlers: handlers,
		queue:    make(chan scheduling.Event, buffer),
		timeout:  timeout,
		logger:   logger.With().Str("component", "events").Logger(),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(ev scheduling.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn().Str("event_type", ev.Type).Msg("dispatcher closed, dropping event")
		return
	}

	select {
	case d.queue <- ev:
	default:
		d.logger.Warn().
			Str("event_type", ev.Type).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("event buffer full, dropping event")
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev scheduling.Event) {
	for _, h := range d.handlers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := h.Handle(ctx, ev)
		cancel()

		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("handler", h.Name()).
				Str("event_type", ev.Type).
				Str("appointment_id", ev.AppointmentID.String()).
				Msg("event delivery failed")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

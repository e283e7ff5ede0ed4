package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

var (
	ErrBufferFull = errors.New("event buffer full, event dropped")
	ErrClosed     = errors.New("event dispatcher closed")
)

// deliveryTimeout bounds a single sink delivery.
const deliveryTimeout = 5 * time.Second

// Sink receives events from the dispatcher goroutine, one at a time.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event domain.Event) error
}

// Dispatcher implements domain.EventPublisher with a bounded buffer drained by one goroutine.
// Publish never blocks: a full buffer drops the event. Sink failures are logged and swallowed.
type Dispatcher struct {
	events chan domain.Event
	sinks  []Sink

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		events: make(chan domain.Event, buffer),
		sinks:  sinks,
		done:   make(chan struct{}),
	}
}

func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.events <- event:
		return nil
	default:
		d.dropped.Add(1)
		log.Warn("event dropped, buffer full",
			zap.String("type", string(event.Type)),
			zap.String("itemID", event.ItemID.String()),
			zap.Int("buffer", cap(d.events)))
		return ErrBufferFull
	}
}

// Run delivers events until Close is called and the buffer is drained.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

// Attach adds a sink built after the dispatcher, such as one that reads state
// through use cases publishing to this dispatcher.
func (d *Dispatcher) Attach(sink Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, sink)
	d.mu.Unlock()
}

func (d *Dispatcher) deliver(event domain.Event) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()
	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := sink.Deliver(ctx, event)
		cancel()
		if err != nil {
			log.Error("event delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("type", string(event.Type)),
				zap.String("itemID", event.ItemID.String()),
				zap.Error(err))
			continue
		}
	}
	d.delivered.Add(1)
}

// Close stops accepting events and waits for the backlog to be delivered or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped counts events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered counts events handed to every sink.
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

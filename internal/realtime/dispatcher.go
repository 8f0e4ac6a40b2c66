package realtime

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives one message. Handlers run on the goroutine that produced
// the event (the socket reader for server frames) and may call back into
// the Connection.
type Handler func(Message)

// HandlerID identifies a registration returned by On.
type HandlerID uint64

type registration struct {
	id      HandlerID
	handler Handler
}

// dispatcher is the event-subscription table. It has its own lock so that
// dispatch never runs under the connection mutex.
type dispatcher struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[EventType][]registration

	logger  *zap.Logger
	metrics *Metrics
}

func newDispatcher(logger *zap.Logger, metrics *Metrics) *dispatcher {
	return &dispatcher{
		handlers: make(map[EventType][]registration),
		logger:   logger,
		metrics:  metrics,
	}
}

func (d *dispatcher) on(t EventType, h Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.handlers[t] = append(d.handlers[t], registration{id: d.nextID, handler: h})
	return d.nextID
}

// off removes the given registrations for t, or every registration for t
// when no ids are passed.
func (d *dispatcher) off(t EventType, ids ...HandlerID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(ids) == 0 {
		delete(d.handlers, t)
		return
	}

	drop := make(map[HandlerID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := d.handlers[t][:0:0]
	for _, r := range d.handlers[t] {
		if _, ok := drop[r.id]; !ok {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(d.handlers, t)
		return
	}
	d.handlers[t] = kept
}

func (d *dispatcher) clear() {
	d.mu.Lock()
	d.handlers = make(map[EventType][]registration)
	d.mu.Unlock()
}

func (d *dispatcher) count(t EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[t])
}

// dispatch invokes every handler registered for msg.Type. The table is
// copied first so handlers may register or remove handlers.
func (d *dispatcher) dispatch(msg Message) {
	if msg.Type == EventHeartbeat {
		return
	}

	d.mu.RLock()
	regs := make([]registration, len(d.handlers[msg.Type]))
	copy(regs, d.handlers[msg.Type])
	d.mu.RUnlock()

	for _, r := range regs {
		d.invoke(r, msg)
	}
}

func (d *dispatcher) invoke(r registration, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event handler panicked",
				zap.String("type", string(msg.Type)),
				zap.Uint64("handler_id", uint64(r.id)),
				zap.String("panic", fmt.Sprint(rec)),
			)
			d.metrics.handlerPanics.WithLabelValues(metricType(msg.Type)).Inc()
		}
	}()
	r.handler(msg)
}

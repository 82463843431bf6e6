package sheets

import (
	"log"
	"sync"
)

// Handler consumes one change event. A returned error is logged and does not
// affect delivery to later subscribers.
type Handler func(ev ChangeEvent) error

// ChangeBus is an in-process publish/subscribe channel with a single event
// variant. Delivery is synchronous, in subscription order, and isolated per
// handler: a handler that errors or panics never blocks the emitter or the
// remaining subscribers.
type ChangeBus struct {
	mu     sync.Mutex
	nextID int
	subs   []busSubscription
}

type busSubscription struct {
	id      int
	handler Handler
}

func NewChangeBus() *ChangeBus {
	return &ChangeBus{}
}

// Subscribe registers a handler and returns an id for Unsubscribe.
func (b *ChangeBus) Subscribe(handler Handler) int {
	if handler == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, busSubscription{id: b.nextID, handler: handler})
	return b.nextID
}

func (b *ChangeBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every live subscriber before returning.
func (b *ChangeBus) Publish(ev ChangeEvent) {
	b.mu.Lock()
	subs := append([]busSubscription(nil), b.subs...)
	b.mu.Unlock()
	for _, sub := range subs {
		invokeHandler(sub.handler, ev)
	}
}

func invokeHandler(handler Handler, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sheets] change handler panicked on %s/%s: %v", ev.SheetName, ev.Key, r)
		}
	}()
	if err := handler(ev); err != nil {
		log.Printf("[sheets] change handler failed on %s/%s: %v", ev.SheetName, ev.Key, err)
	}
}

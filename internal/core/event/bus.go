package event

import (
	"reflect"
	"sync"
)

// Bus is a double-buffered event bus. Events emitted during frame N become
// readable in frame N+1, after SwapBuffers rotates the buffers at frame
// start. Emit is safe to call from other goroutines (the source watcher
// publishes from its own loop); dispatch stays on the frame goroutine.
type Bus struct {
	mu       sync.Mutex
	front    map[reflect.Type][]any
	back     map[reflect.Type][]any
	handlers map[reflect.Type][]any
}

func NewBus() *Bus {
	return &Bus{
		front:    make(map[reflect.Type][]any),
		back:     make(map[reflect.Type][]any),
		handlers: make(map[reflect.Type][]any),
	}
}

// Emit queues an event into the back buffer for delivery next frame.
func Emit[T any](b *Bus, event T) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	b.back[t] = append(b.back[t], event)
	b.mu.Unlock()
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.handlers[t] = append(b.handlers[t], fn)
}

// SwapBuffers rotates back→front and clears the new back buffer.
func (b *Bus) SwapBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.front, b.back = b.back, b.front
	for k := range b.back {
		b.back[k] = b.back[k][:0]
	}
}

// DispatchAll delivers every front-buffer event to its subscribed handlers.
func (b *Bus) DispatchAll() {
	for t, events := range b.front {
		handlers := b.handlers[t]
		for _, ev := range events {
			for _, h := range handlers {
				// Safe: Subscribe and Emit key handlers and events by the
				// same concrete type.
				reflect.ValueOf(h).Call([]reflect.Value{reflect.ValueOf(ev)})
			}
		}
	}
}

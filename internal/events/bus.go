package events

import "sync"

// Bus fans published payloads out to in-process subscribers. Delivery is
// best-effort: a subscriber whose buffer is full loses the message rather
// than stalling the mirror pipeline.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Event]map[int]chan any
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[int]chan any)}
}

// Subscribe registers a buffered listener for one topic. The returned cancel
// func removes the registration and closes the channel; calling it more than
// once is safe.
func (b *Bus) Subscribe(topic Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	ch := make(chan any, buffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan any)
	}
	id := b.nextID
	b.nextID++
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the payload to every subscriber of the topic without
// blocking the caller.
func (b *Bus) Publish(topic Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

// Frame is one message of a multi-topic subscription, tagged with the topic
// it arrived on.
type Frame struct {
	Topic   Event
	Payload any
}

// SubscribeMany merges several topics into one labelled stream, one buffered
// subscription per topic. The stream closes after cancel once the forwarders
// drain; cancel is safe to call more than once.
func (b *Bus) SubscribeMany(buffer int, topics ...Event) (<-chan Frame, func()) {
	out := make(chan Frame, buffer)
	done := make(chan struct{})

	var wg sync.WaitGroup
	cancels := make([]func(), 0, len(topics))
	for _, topic := range topics {
		ch, cancel := b.Subscribe(topic, buffer)
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func(topic Event, ch <-chan any) {
			defer wg.Done()
			for msg := range ch {
				select {
				case out <- Frame{Topic: topic, Payload: msg}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			for _, c := range cancels {
				c()
			}
			go func() {
				wg.Wait()
				close(out)
			}()
		})
	}
	return out, cancel
}

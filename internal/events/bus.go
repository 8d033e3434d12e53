// Package events defines the envelopes observers receive and a
// publish/subscribe tap that lets in-process consumers (the MQTT mirror,
// metrics) see every envelope the orchestrator emits. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import "sync"

// Bus is a non-blocking broadcast bus of envelopes. Subscribers receive
// envelopes on buffered channels; slow subscribers miss envelopes rather
// than blocking publishers. Observer connections do not use the bus;
// they are served by the subscription router, which keeps each
// connection's envelopes in order and disconnects a connection whose
// queue overflows or whose write fails.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Envelope]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Envelope]chan Envelope
}

// NewBus creates a new bus ready for use.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[chan Envelope]struct{}),
		recvToSend: make(map[<-chan Envelope]chan Envelope),
	}
}

// Publish sends an envelope to all subscribers. Non-blocking: if a
// subscriber's channel is full, the envelope is dropped for that
// subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Envelope) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published envelopes. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Envelope {
	ch := make(chan Envelope, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

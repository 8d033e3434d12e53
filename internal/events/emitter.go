package events

// Emitter accepts envelopes produced by the orchestrator. Implementations
// decide where they go (observer connections, the bus, a test recorder).
type Emitter interface {
	Emit(e Envelope)
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(e Envelope)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Envelope) { f(e) }

// Tee returns an Emitter that hands each envelope to every non-nil
// emitter in order.
func Tee(emitters ...Emitter) Emitter {
	var live []Emitter
	for _, em := range emitters {
		if em != nil {
			live = append(live, em)
		}
	}
	return EmitterFunc(func(e Envelope) {
		for _, em := range live {
			em.Emit(e)
		}
	})
}

// Emit publishes e. It lets a *Bus be passed wherever an [Emitter] is
// expected.
func (b *Bus) Emit(e Envelope) { b.Publish(e) }

package event

// Event is an opaque traffic event produced by proxy instrumentation.
// The relay does not interpret event contents; it only adds a push
// discriminator before forwarding to an observer.
type Event map[string]any

// Clone returns a shallow copy of the event. Subscribers share the same
// underlying Event value, so anything that adds or changes keys must copy
// first.
func (e Event) Clone() Event {
	c := make(Event, len(e)+1)
	for k, v := range e {
		c[k] = v
	}
	return c
}

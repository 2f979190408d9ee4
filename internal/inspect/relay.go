package inspect

import (
	"encoding/json"
	"log"

	"github.com/proxyscope/backend/internal/event"
)

// relay is the background worker for one active inspection. It drains the
// subscription channel, tags each event with the push discriminator, and
// hands the serialized frame to the session's sink.
//
// The relay owns no session state. It exits when its stop channel closes
// (teardown) or when the event channel closes underneath it (bus shutdown);
// the latter additionally fires onExit, after done has been closed, so a
// teardown joining on done can never deadlock with the callback.
type relay struct {
	ch        <-chan event.Event
	sink      Sink
	stop      chan struct{}
	done      chan struct{}
	onRelayed func()
	onExit    func()
}

func newRelay(ch <-chan event.Event, sink Sink, onRelayed, onExit func()) *relay {
	r := &relay{
		ch:        ch,
		sink:      sink,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onRelayed: onRelayed,
		onExit:    onExit,
	}
	go r.run()
	return r
}

func (r *relay) run() {
	terminal := false
	defer func() {
		close(r.done)
		if terminal && r.onExit != nil {
			r.onExit()
		}
	}()
	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				terminal = true
				return
			}
			r.forward(ev)
		case <-r.stop:
			return
		}
	}
}

// forward tags and delivers one event. The event is copied before tagging:
// other subscribers may hold the same underlying map.
func (r *relay) forward(ev event.Event) {
	tagged := ev.Clone()
	tagged["push"] = PushTraffic

	data, err := json.Marshal(tagged)
	if err != nil {
		log.Printf("inspect: marshaling event: %v", err)
		return
	}
	// Failed sends are not retried; a dead sink is handled at teardown.
	if err := r.sink.Queue(data); err != nil {
		log.Printf("inspect: queueing push: %v", err)
		return
	}
	if r.onRelayed != nil {
		r.onRelayed()
	}
}

// shutdown signals the relay to stop and blocks until it has exited.
func (r *relay) shutdown() {
	close(r.stop)
	<-r.done
}

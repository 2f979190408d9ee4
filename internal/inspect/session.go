// Package inspect implements the live traffic-inspection protocol: a
// per-observer session state machine and the background relay that streams
// bus events to the observer's connection.
package inspect

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/proxyscope/backend/internal/event"
)

// DefaultChannelBuffer is the subscription channel capacity used when
// Options.ChannelBuffer is unset.
const DefaultChannelBuffer = 256

// Sink delivers serialized text messages to one observer's connection.
// Implementations must serialize concurrent callers: control replies and
// relay pushes are queued from different goroutines.
type Sink interface {
	Queue(msg []byte) error
}

// Options configures a Session.
type Options struct {
	// Enabled is the process-wide capability flag. When false,
	// enable_inspection is always refused with "not enabled".
	Enabled bool

	// ChannelBuffer is the subscription channel capacity. Zero means
	// DefaultChannelBuffer.
	ChannelBuffer int

	// OnEnabled, if set, is called once per successful enable_inspection.
	OnEnabled func()

	// OnRelayed, if set, is called once per event pushed to the sink.
	OnRelayed func()
}

// Session owns one observer's inspection protocol state. The hosting
// transport calls HandleMessage for every text frame received and Close
// when the connection goes away.
//
// Invariant: enabled is true iff subID, ch and relay are all set. The
// group is mutated only under mu, so the session is either fully idle or
// fully inspecting at every observable point.
type Session struct {
	bus  *event.Bus
	sink Sink
	opts Options

	mu      sync.Mutex
	enabled bool
	subID   string
	ch      chan event.Event
	relay   *relay
}

func NewSession(bus *event.Bus, sink Sink, opts Options) *Session {
	if opts.ChannelBuffer <= 0 {
		opts.ChannelBuffer = DefaultChannelBuffer
	}
	return &Session{
		bus:  bus,
		sink: sink,
		opts: opts,
	}
}

// HandleMessage processes one control frame from the observer. Malformed
// frames are logged and dropped without a reply; everything else produces
// exactly one reply.
func (s *Session) HandleMessage(data []byte) {
	msg, err := decodeControl(data)
	if err != nil {
		log.Printf("inspect: dropping malformed frame: %v", err)
		return
	}

	switch msg.Method {
	case MethodPing:
		s.reply(msg.ID, ResponsePong)
	case MethodEnable:
		s.enable(msg.ID)
	case MethodDisable:
		s.teardown()
		s.reply(msg.ID, ResponseDisabled)
	default:
		log.Printf("inspect: unknown method %q", msg.Method)
		s.reply(msg.ID, ResponseNotImplemented)
	}
}

// Close tears down any active inspection. The transport must call it when
// the observer's connection closes; it is idempotent.
func (s *Session) Close() {
	s.teardown()
}

// Inspecting reports whether the session currently has a live relay.
func (s *Session) Inspecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Session) enable(id string) {
	if !s.opts.Enabled {
		s.reply(id, ResponseNotEnabled)
		return
	}

	s.mu.Lock()
	if s.enabled {
		// Already inspecting: keep the existing subscription and worker.
		s.mu.Unlock()
		s.reply(id, ResponseEnabled)
		return
	}

	subID := uuid.NewString()
	ch := make(chan event.Event, s.opts.ChannelBuffer)
	r := newRelay(ch, s.sink, s.opts.OnRelayed, func() { s.relayExited(subID) })

	if err := s.bus.Subscribe(subID, ch); err != nil {
		// Bus is shutting down; abandon the relay before it ever sees
		// an event.
		r.shutdown()
		s.mu.Unlock()
		log.Printf("inspect: subscribing %s: %v", subID, err)
		s.reply(id, ResponseNotEnabled)
		return
	}

	s.enabled = true
	s.subID = subID
	s.ch = ch
	s.relay = r
	s.mu.Unlock()

	if s.opts.OnEnabled != nil {
		s.opts.OnEnabled()
	}
	s.reply(id, ResponseEnabled)
}

// teardown unsubscribes from the bus, stops the relay, waits for it to
// exit, and clears the session back to idle. A no-op when already idle.
// Once it returns, no further events for this session will be relayed.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}

	s.bus.Unsubscribe(s.subID)
	s.relay.shutdown()

	s.enabled = false
	s.subID = ""
	s.ch = nil
	s.relay = nil
}

// relayExited runs on the relay goroutine when the subscription channel is
// closed underneath the worker (bus shutdown). The session returns to idle
// and the observer is told the stream ended.
func (s *Session) relayExited(subID string) {
	s.mu.Lock()
	if !s.enabled || s.subID != subID {
		// A concurrent teardown already owns this relay's lifecycle.
		s.mu.Unlock()
		return
	}
	s.bus.Unsubscribe(subID)
	s.enabled = false
	s.subID = ""
	s.ch = nil
	s.relay = nil
	s.mu.Unlock()

	s.push(event.Event{"push": PushStopped})
}

func (s *Session) reply(id, response string) {
	data, err := json.Marshal(Reply{ID: id, Response: response})
	if err != nil {
		log.Printf("inspect: marshaling reply: %v", err)
		return
	}
	if err := s.sink.Queue(data); err != nil {
		log.Printf("inspect: queueing reply: %v", err)
	}
}

func (s *Session) push(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("inspect: marshaling push: %v", err)
		return
	}
	if err := s.sink.Queue(data); err != nil {
		log.Printf("inspect: queueing push: %v", err)
	}
}

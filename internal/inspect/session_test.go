package inspect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/proxyscope/backend/internal/event"
)

// fakeSink records every queued frame, decoded, on a buffered channel.
type fakeSink struct {
	frames chan map[string]any
}

func newFakeSink() *fakeSink {
	return &fakeSink{frames: make(chan map[string]any, 256)}
}

func (f *fakeSink) Queue(msg []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(msg, &decoded); err != nil {
		return fmt.Errorf("sink received invalid JSON: %w", err)
	}
	f.frames <- decoded
	return nil
}

// next returns the next frame the sink received, failing after a timeout.
func (f *fakeSink) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

// expectNone fails if the sink receives any frame within the grace window.
func (f *fakeSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-f.frames:
		t.Fatalf("unexpected outbound frame: %v", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectReply(t *testing.T, sink *fakeSink, id, response string) {
	t.Helper()
	frame := sink.next(t)
	if frame["id"] != id {
		t.Errorf("reply id = %v, want %q", frame["id"], id)
	}
	if frame["response"] != response {
		t.Errorf("reply response = %v, want %q", frame["response"], response)
	}
}

func control(id, method string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"method":%q}`, id, method))
}

// assertIdle verifies the all-or-nothing invariant in the idle direction.
func assertIdle(t *testing.T, s *Session) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		t.Fatal("session enabled, want idle")
	}
	if s.subID != "" || s.ch != nil || s.relay != nil {
		t.Fatalf("idle session has residual state: subID=%q ch=%v relay=%v", s.subID, s.ch, s.relay)
	}
}

// assertInspecting verifies the all-or-nothing invariant in the enabled
// direction and returns the live relay.
func assertInspecting(t *testing.T, s *Session) *relay {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		t.Fatal("session idle, want inspecting")
	}
	if s.subID == "" || s.ch == nil || s.relay == nil {
		t.Fatalf("inspecting session is partially set: subID=%q ch=%v relay=%v", s.subID, s.ch, s.relay)
	}
	return s.relay
}

func TestPing(t *testing.T) {
	sink := newFakeSink()
	s := NewSession(event.NewBus(), sink, Options{Enabled: true})

	s.HandleMessage(control("1", "ping"))
	expectReply(t, sink, "1", ResponsePong)
	assertIdle(t, s)
}

func TestUnknownMethod(t *testing.T) {
	sink := newFakeSink()
	s := NewSession(event.NewBus(), sink, Options{Enabled: true})

	s.HandleMessage(control("7", "self_destruct"))
	expectReply(t, sink, "7", ResponseNotImplemented)
	assertIdle(t, s)
}

func TestMalformedFrames(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	frames := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"id":"1"}`),       // no method
		[]byte(`{"method":42}`),    // wrong type
		[]byte(`[1,2,3]`),          // wrong shape
		[]byte(""),                 // empty
		{0xff, 0xfe, 0x00},         // binary garbage
	}
	for _, frame := range frames {
		s.HandleMessage(frame)
	}

	sink.expectNone(t)
	assertIdle(t, s)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestEnableWithoutCapability(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: false})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseNotEnabled)

	assertIdle(t, s)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestEnableDisableCycle(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)
	r := assertInspecting(t, s)
	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}

	s.HandleMessage(control("2", "disable_inspection"))
	expectReply(t, sink, "2", ResponseDisabled)

	// The worker must have fully exited before the disable reply was sent.
	select {
	case <-r.done:
	default:
		t.Error("relay still running after disable_inspection returned")
	}
	assertIdle(t, s)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestDisableWhileIdle(t *testing.T) {
	sink := newFakeSink()
	s := NewSession(event.NewBus(), sink, Options{Enabled: true})

	s.HandleMessage(control("1", "disable_inspection"))
	expectReply(t, sink, "1", ResponseDisabled)
	assertIdle(t, s)

	// And again, for good measure.
	s.HandleMessage(control("2", "disable_inspection"))
	expectReply(t, sink, "2", ResponseDisabled)
	assertIdle(t, s)
}

func TestEnableIsIdempotent(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)
	first := assertInspecting(t, s)

	s.HandleMessage(control("2", "enable_inspection"))
	expectReply(t, sink, "2", ResponseEnabled)
	second := assertInspecting(t, s)

	if first != second {
		t.Error("re-enable replaced the running relay")
	}
	if got := bus.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1 (no leaked subscription)", got)
	}
}

func TestEventsAreRelayedTagged(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)

	bus.Publish(event.Event{"event_name": "request_complete", "host": "example.com", "status": 200})

	frame := sink.next(t)
	if frame["push"] != PushTraffic {
		t.Errorf("push = %v, want %q", frame["push"], PushTraffic)
	}
	if frame["event_name"] != "request_complete" || frame["host"] != "example.com" {
		t.Errorf("original fields lost: %v", frame)
	}
	// JSON numbers decode as float64.
	if frame["status"] != float64(200) {
		t.Errorf("status = %v, want 200", frame["status"])
	}

	s.HandleMessage(control("2", "disable_inspection"))
	expectReply(t, sink, "2", ResponseDisabled)
}

func TestRelayPreservesOrder(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(event.Event{"seq": i})
	}
	for i := 0; i < n; i++ {
		frame := sink.next(t)
		if got := frame["seq"]; got != float64(i) {
			t.Fatalf("frame %d: seq = %v, want %d", i, got, i)
		}
	}
}

func TestEventsDroppedWhileIdle(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	bus.Publish(event.Event{"seq": 0})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)
	bus.Publish(event.Event{"seq": 1})

	frame := sink.next(t)
	if got := frame["seq"]; got != float64(1) {
		t.Errorf("seq = %v, want 1 (pre-enable event must not be delivered)", got)
	}

	s.HandleMessage(control("2", "disable_inspection"))
	expectReply(t, sink, "2", ResponseDisabled)
	bus.Publish(event.Event{"seq": 2})
	sink.expectNone(t)
}

func TestRepeatedEnableDisableLeaksNothing(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	var last *relay
	for i := 0; i < 100; i++ {
		s.HandleMessage(control("e", "enable_inspection"))
		expectReply(t, sink, "e", ResponseEnabled)
		last = assertInspecting(t, s)

		s.HandleMessage(control("d", "disable_inspection"))
		expectReply(t, sink, "d", ResponseDisabled)
	}

	assertIdle(t, s)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after 100 cycles", got)
	}
	select {
	case <-last.done:
	default:
		t.Error("last relay still running")
	}
}

func TestConnectionCloseTearsDown(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)
	r := assertInspecting(t, s)

	s.Close()

	select {
	case <-r.done:
	default:
		t.Error("relay still running after Close")
	}
	assertIdle(t, s)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}

	s.Close() // idempotent
}

func TestBusShutdownStopsSession(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)

	bus.Close()

	frame := sink.next(t)
	if frame["push"] != PushStopped {
		t.Errorf("push = %v, want %q", frame["push"], PushStopped)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.Inspecting() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assertIdle(t, s)

	// A later disable is still a clean no-op.
	s.HandleMessage(control("2", "disable_inspection"))
	expectReply(t, sink, "2", ResponseDisabled)
}

func TestEnableAfterBusClosed(t *testing.T) {
	bus := event.NewBus()
	bus.Close()
	sink := newFakeSink()
	s := NewSession(bus, sink, Options{Enabled: true})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseNotEnabled)
	assertIdle(t, s)
}

func TestSessionCounters(t *testing.T) {
	bus := event.NewBus()
	sink := newFakeSink()
	var enabled, relayed int
	s := NewSession(bus, sink, Options{
		Enabled:   true,
		OnEnabled: func() { enabled++ },
		OnRelayed: func() { relayed++ },
	})

	s.HandleMessage(control("1", "enable_inspection"))
	expectReply(t, sink, "1", ResponseEnabled)
	s.HandleMessage(control("2", "enable_inspection")) // idempotent, not counted
	expectReply(t, sink, "2", ResponseEnabled)

	bus.Publish(event.Event{"seq": 0})
	sink.next(t)

	s.HandleMessage(control("3", "disable_inspection"))
	expectReply(t, sink, "3", ResponseDisabled)

	if enabled != 1 {
		t.Errorf("OnEnabled calls = %d, want 1", enabled)
	}
	if relayed != 1 {
		t.Errorf("OnRelayed calls = %d, want 1", relayed)
	}
}

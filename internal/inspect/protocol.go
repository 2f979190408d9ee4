package inspect

import (
	"encoding/json"
	"fmt"
)

// Control methods accepted from the observer.
const (
	MethodPing    = "ping"
	MethodEnable  = "enable_inspection"
	MethodDisable = "disable_inspection"
)

// Response values carried in replies.
const (
	ResponsePong           = "pong"
	ResponseNotEnabled     = "not enabled"
	ResponseEnabled        = "inspection_enabled"
	ResponseDisabled       = "inspection_disabled"
	ResponseNotImplemented = "not_implemented"
)

// Push discriminators for unsolicited session → observer messages.
const (
	// PushTraffic tags every relayed traffic event.
	PushTraffic = "inspect_traffic"
	// PushStopped tells the observer the relay terminated on its own
	// (bus shutdown) and the session has returned to idle.
	PushStopped = "inspect_stopped"
)

// ControlMessage is one observer → session control frame.
type ControlMessage struct {
	ID     string `json:"id"`
	Method string `json:"method"`
}

// Reply is one session → observer response frame.
type Reply struct {
	ID       string `json:"id"`
	Response string `json:"response"`
}

// decodeControl parses a control frame. A frame that is not valid JSON or
// carries no method is malformed; callers log and drop it without replying.
func decodeControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("decoding control frame: %w", err)
	}
	if msg.Method == "" {
		return ControlMessage{}, fmt.Errorf("control frame has no method")
	}
	return msg, nil
}

package protocol

import "encoding/json"

const Version = "1.0"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WebSocket message types. Observers only receive HELLO and FRAME; players
// send HELLO then COMMAND and get RESULT or ERROR back.
const (
	TypeHello   = "HELLO"
	TypeFrame   = "FRAME"
	TypeCommand = "COMMAND"
	TypeResult  = "RESULT"
	TypeError   = "ERROR"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

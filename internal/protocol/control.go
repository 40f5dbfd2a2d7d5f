package protocol

import "encoding/json"

// ControlClosing tells the peer the sender is about to tear down on purpose.
const ControlClosing = "closing"

// Control is a message exchanged on the transport data channel.
type Control struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func EncodeControl(c Control) ([]byte, error) { return json.Marshal(c) }

func DecodeControl(data []byte) (Control, error) {
	var c Control
	err := json.Unmarshal(data, &c)
	return c, err
}

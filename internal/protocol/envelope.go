package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// MaxMessageLength bounds any inbound signaling payload.
const MaxMessageLength = 512 * 1024

const TypeDiagnostics = "diagnostics"

type DiagnosticCode string

const (
	CodeNoBinary       DiagnosticCode = "no-binary"
	CodeMessageTooLong DiagnosticCode = "message-too-long"
	CodeInvalidJSON    DiagnosticCode = "invalid-json"
)

// Violation is a payload that must never reach dispatch.
type Violation struct {
	Code    DiagnosticCode
	Message string
}

func (v *Violation) Error() string { return fmt.Sprintf("%s: %s", v.Code, v.Message) }

// Diagnostics is sent to the remote right before the channel is closed.
type Diagnostics struct {
	Type    string         `json:"type"`
	Code    DiagnosticCode `json:"code"`
	Message string         `json:"message"`
}

func EncodeDiagnostics(v *Violation) ([]byte, error) {
	return json.Marshal(Diagnostics{Type: TypeDiagnostics, Code: v.Code, Message: v.Message})
}

// Envelope is the header shared by every signaling message. Raw keeps the
// full payload for the kind-specific decoders.
type Envelope struct {
	Type string `json:"type"`
	RQ   string `json:"$rq,omitempty"`
	RS   string `json:"$rs,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode enforces the inbound contract: text only, at most MaxMessageLength
// bytes, one JSON object.
func Decode(binary bool, data []byte) (*Envelope, error) {
	noBinary := &Violation{
		Code:    CodeNoBinary,
		Message: "This service does not accept binary messages.",
	}
	if binary {
		return nil, noBinary
	}
	// Length comes before the UTF-8 check: channels may hand over an
	// oversized frame cut mid-rune.
	if len(data) > MaxMessageLength {
		return nil, &Violation{
			Code: CodeMessageTooLong,
			Message: fmt.Sprintf(
				"This service does not accept messages larger than %dKB (%d bytes). Message length was %d bytes",
				MaxMessageLength/1024, MaxMessageLength, len(data),
			),
		}
	}
	if !utf8.Valid(data) {
		return nil, noBinary
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Violation{
			Code:    CodeInvalidJSON,
			Message: fmt.Sprintf("Message is not a JSON envelope: %v", err),
		}
	}
	env.Raw = data
	return &env, nil
}

// DecodeResponse parses a message whose header carried $rs.
func DecodeResponse(raw []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

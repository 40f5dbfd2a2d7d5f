package protocol

import (
	"encoding/json"
)

const (
	TypeResult    = "result"
	TypeException = "exception"
)

// ErrorPayload is the only part of a failure that crosses the wire.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Response settles the request whose $rq equals RS.
type Response struct {
	RS     string          `json:"$rs"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// Payload returns the result, accepting the legacy "value" field as well.
func (r *Response) Payload() json.RawMessage {
	if len(r.Result) > 0 {
		return r.Result
	}
	return r.Value
}

// Err returns the remote failure carried by an exception response.
func (r *Response) Err() error {
	if r.Type != TypeException {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Message: "remote raised an exception"}
	}
	return &RemoteError{Message: r.Error.Message}
}

// RemoteError is a request rejected by the remote side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func EncodeResult(rs string, v any) ([]byte, error) {
	resp := Response{RS: rs, Type: TypeResult}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		resp.Result = b
	}
	return json.Marshal(resp)
}

func EncodeException(rs string, err error) ([]byte, error) {
	return json.Marshal(Response{
		RS:    rs,
		Type:  TypeException,
		Error: &ErrorPayload{Message: err.Error()},
	})
}

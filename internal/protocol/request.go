package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/wdi/internal/domain"
)

type RequestKind string

const (
	KindAcquireStream  RequestKind = "acquireStream"
	KindIdentifyStream RequestKind = "identifyStream"
	KindStreamRemoved  RequestKind = "streamRemoved"
)

// IsRequestKind reports whether t names one of the request kinds.
func IsRequestKind(t string) bool {
	switch RequestKind(t) {
	case KindAcquireStream, KindIdentifyStream, KindStreamRemoved:
		return true
	}
	return false
}

// Request is the closed set of requests a session answers.
// Implementations: AcquireStream, IdentifyStream, StreamRemoved.
type Request interface {
	Kind() RequestKind
	isRequest()
}

// AcquireStream asks the remote to send a stream matching Identity.
type AcquireStream struct {
	Identity domain.StreamIdentity `json:"identity"`
}

// IdentifyStream announces the identity of a stream the sender attached.
type IdentifyStream struct {
	StreamID string                `json:"streamId"`
	Identity domain.StreamIdentity `json:"identity"`
}

// StreamRemoved announces that the sender detached a stream.
type StreamRemoved struct {
	StreamID string `json:"streamId"`
}

func (AcquireStream) Kind() RequestKind  { return KindAcquireStream }
func (IdentifyStream) Kind() RequestKind { return KindIdentifyStream }
func (StreamRemoved) Kind() RequestKind  { return KindStreamRemoved }

func (AcquireStream) isRequest()  {}
func (IdentifyStream) isRequest() {}
func (StreamRemoved) isRequest()  {}

// StreamKey names the stream a request is about, or "" if it names none.
// Requests sharing a key are served in arrival order.
func StreamKey(r Request) string {
	switch r := r.(type) {
	case IdentifyStream:
		return r.StreamID
	case StreamRemoved:
		return r.StreamID
	}
	return ""
}

// DecodeRequest parses the payload of a request envelope of the given kind.
func DecodeRequest(kind string, raw []byte) (Request, error) {
	switch RequestKind(kind) {
	case KindAcquireStream:
		var r AcquireStream
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return r, nil
	case KindIdentifyStream:
		var r IdentifyStream
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return r, nil
	case KindStreamRemoved:
		var r StreamRemoved
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("request type '%s' is not supported: %w", kind, domain.ErrUnsupportedRequest)
	}
}

// EncodeRequest flattens r into a request envelope tagged with rq.
// An empty rq produces a plain message with no correlation field.
func EncodeRequest(rq string, r Request) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(r.Kind())
	if rq != "" {
		fields["$rq"], _ = json.Marshal(rq)
	}
	return json.Marshal(fields)
}

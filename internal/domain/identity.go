package domain

import (
	"encoding/json"
	"maps"
)

const (
	IdentityURL           = "url"
	IdentityAcquisitionID = "acquisitionId"
)

// StreamIdentity is an application-defined descriptor naming a stream.
// The acquisitionId key is reserved for pull correlation.
type StreamIdentity map[string]any

// IdentityFromURL expands the string shorthand accepted by pull and push calls.
func IdentityFromURL(url string) StreamIdentity {
	return StreamIdentity{IdentityURL: url}
}

func (id StreamIdentity) URL() string {
	s, _ := id[IdentityURL].(string)
	return s
}

func (id StreamIdentity) AcquisitionID() string {
	s, _ := id[IdentityAcquisitionID].(string)
	return s
}

// Clone returns a shallow copy; a nil identity clones to an empty one.
func (id StreamIdentity) Clone() StreamIdentity {
	out := make(StreamIdentity, len(id)+1)
	maps.Copy(out, id)
	return out
}

// WithAcquisitionID returns a copy stamped with the given acquisition id.
func (id StreamIdentity) WithAcquisitionID(acq string) StreamIdentity {
	out := id.Clone()
	out[IdentityAcquisitionID] = acq
	return out
}

func (id StreamIdentity) String() string {
	b, err := json.Marshal(id)
	if err != nil {
		return "{}"
	}
	return string(b)
}

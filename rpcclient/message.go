package rpcclient

import (
	"encoding/json"
	"strconv"
)

// ID is a JSON-RPC 2.0 request id. This client always mints ids as
// monotonically increasing integers, but decodes
// permissively: an inbound id may arrive as either a JSON string or a JSON
// number.
type ID struct {
	n     uint64
	text  string
	isStr bool
}

// NewID constructs an integer ID, the only form this client ever sends.
func NewID(n uint64) ID { return ID{n: n} }

// String renders the id for logging and map keys.
func (id ID) String() string {
	if id.isStr {
		return id.text
	}
	return strconv.FormatUint(id.n, 10)
}

// MarshalJSON encodes an integer id as a JSON number and a string id as a
// JSON string, so an inbound id keeps the form the peer used when it is
// echoed back (e.g. by a deferred Responder).
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.text)
	}
	return json.Marshal(id.n)
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{n: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ID{text: s, isStr: true}
	return nil
}

// messageKind classifies a decoded frame:
// id+method => request, method only (no id) => notification,
// id+(result|error), no method => response.
type messageKind int

const (
	kindUnknown messageKind = iota
	kindRequest
	kindNotification
	kindResponse
)

func classify(hasID, hasMethod, hasResultOrError bool) messageKind {
	switch {
	case hasMethod && hasID:
		return kindRequest
	case hasMethod && !hasID:
		return kindNotification
	case hasID && hasResultOrError && !hasMethod:
		return kindResponse
	default:
		return kindUnknown
	}
}

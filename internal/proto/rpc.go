// Package proto defines the JSON-RPC 2.0 messages exchanged between the host and its plugins.
//
// The host is both client and server on every plugin channel, so a Message carries its shape
// explicitly in Kind instead of relying on which side of the conversation decoded it.
package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Host-defined error codes, taken from the implementation-defined server error range.
const (
	SessionDraining = -32001
	Timeout         = -32002
	SessionClosed   = -32003
	ServerBusy      = -32004
)

// Kind tags the shape of a Message.
type Kind int

const (
	// KindRequest is a call that expects a correlated response.
	KindRequest Kind = iota + 1

	// KindResponse answers an earlier request with a result or an error.
	KindResponse

	// KindNotification is a call without an id; no response is sent.
	KindNotification
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

type idKind uint8

const (
	idNone idKind = iota
	idNumber
	idString
)

// ID is a JSON-RPC request id: an integer or a string. The zero ID is "no id" and encodes as null.
// IDs are comparable and can be used as map keys.
type ID struct {
	kind idKind
	num  int64
	str  string
}

// NumberID returns an integer id.
func NumberID(n int64) ID {
	return ID{kind: idNumber, num: n}
}

// StringID returns a string id.
func StringID(s string) ID {
	return ID{kind: idString, str: s}
}

// IsValid reports whether the id is a number or a string.
func (id ID) IsValid() bool {
	return id.kind != idNone
}

// Int64 returns the numeric value of a number id.
func (id ID) Int64() (int64, bool) {
	return id.num, id.kind == idNumber
}

func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return strconv.Quote(id.str)
	default:
		return "null"
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Message is one decoded JSON-RPC 2.0 value. Which fields are meaningful depends on Kind:
// requests use ID, Method and Params; notifications use Method and Params; responses use ID and
// exactly one of Result or Error.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// NewRequest creates a JSON-RPC 2.0 request.
func NewRequest(id ID, method string, params json.RawMessage) Message {
	return Message{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// NewNotification creates a JSON-RPC 2.0 notification (no response expected).
func NewNotification(method string, params json.RawMessage) Message {
	return Message{Kind: KindNotification, Method: method, Params: params}
}

// NewSuccessResponse creates a successful JSON-RPC 2.0 response.
func NewSuccessResponse(id ID, result json.RawMessage) Message {
	return Message{Kind: KindResponse, ID: id, Result: result}
}

// NewErrorResponse creates an error JSON-RPC 2.0 response.
func NewErrorResponse(id ID, code int, message string) Message {
	return Message{
		Kind: KindResponse,
		ID:   id,
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
}

// Raw marshals v for use as params or result. A nil v yields nil (absent).
func Raw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

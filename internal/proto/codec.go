package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrProtocol matches every *ProtocolError with errors.Is.
var ErrProtocol = errors.New("protocol error")

// ProtocolError reports a message that is valid JSON but not a valid JSON-RPC 2.0 message.
// It is fatal to the message only. ID is set when the offending value carried a usable id;
// Request is set when it carried a "method" member and so expects an answer.
type ProtocolError struct {
	ID      ID
	Request bool
	Reason  string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// Is allows errors.Is to match ProtocolError with ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// wireMessage is the on-the-wire shape used for encoding.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var nullJSON = []byte("null")

// Encode renders m in canonical JSON-RPC 2.0 form. The output never contains a newline, so it
// can be written as one frame of a line-delimited channel.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{JSONRPC: Version}

	switch m.Kind {
	case KindRequest:
		if m.Method == "" {
			return nil, &ProtocolError{ID: m.ID, Reason: "request without method"}
		}
		if !m.ID.IsValid() {
			return nil, &ProtocolError{Reason: "request without id"}
		}
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		w.Params = canonical(m.Params)
	case KindNotification:
		if m.Method == "" {
			return nil, &ProtocolError{Reason: "notification without method"}
		}
		w.Method = m.Method
		w.Params = canonical(m.Params)
	case KindResponse:
		id := m.ID
		w.ID = &id
		if m.Error != nil {
			if len(canonical(m.Result)) > 0 {
				return nil, &ProtocolError{ID: m.ID, Reason: "response with both result and error"}
			}
			w.Error = m.Error
		} else {
			if !m.ID.IsValid() {
				return nil, &ProtocolError{Reason: "success response without id"}
			}
			w.Result = canonical(m.Result)
			if w.Result == nil {
				w.Result = nullJSON
			}
		}
	default:
		return nil, &ProtocolError{ID: m.ID, Reason: "unknown message kind"}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses one JSON-RPC 2.0 value. The shape is inferred from the members present, so the
// same decoder serves host-issued and plugin-issued traffic; matching a response to the call it
// answers is the caller's job.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Message{}, &ProtocolError{Reason: "message is not a JSON object"}
	}

	var m Message
	_, hasMethod := fields["method"]
	fail := func(reason string) (Message, error) {
		return Message{}, &ProtocolError{ID: m.ID, Request: hasMethod, Reason: reason}
	}

	rawID, hasID := fields["id"]
	if hasID {
		id, err := parseID(rawID)
		if err != nil {
			return fail(err.Error())
		}
		m.ID = id
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != Version {
		return fail("jsonrpc version must be \"2.0\"")
	}

	rawResult, hasResult := fields["result"]
	rawError, hasError := fields["error"]
	if hasError && bytes.Equal(bytes.TrimSpace(rawError), nullJSON) {
		hasError = false
	}

	if hasMethod {
		if err := json.Unmarshal(fields["method"], &m.Method); err != nil || m.Method == "" {
			return fail("method must be a non-empty string")
		}
		if hasResult || hasError {
			return fail("message has both method and result/error")
		}
		params, err := parseParams(fields["params"])
		if err != nil {
			return fail(err.Error())
		}
		m.Params = params

		switch {
		case !hasID:
			m.Kind = KindNotification
		case m.ID.IsValid():
			m.Kind = KindRequest
		default:
			return fail("request id must not be null")
		}
		return m, nil
	}

	if !hasID {
		return fail("message has neither method nor id")
	}
	if hasResult == hasError {
		return fail("response must carry exactly one of result or error")
	}

	m.Kind = KindResponse
	if hasError {
		rpcErr, err := parseError(rawError)
		if err != nil {
			return fail(err.Error())
		}
		m.Error = rpcErr
		return m, nil
	}

	if !m.ID.IsValid() {
		return fail("success response id must not be null")
	}
	m.Result = canonical(rawResult)
	return m, nil
}

func parseID(raw json.RawMessage) (ID, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, nullJSON):
		return ID{}, nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ID{}, errors.New("invalid string id")
		}
		return StringID(s), nil
	default:
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return ID{}, errors.New("id must be an integer or a string")
		}
		return NumberID(n), nil
	}
}

func parseParams(raw json.RawMessage) (json.RawMessage, error) {
	params := canonical(raw)
	if params == nil {
		return nil, nil
	}
	if params[0] != '{' && params[0] != '[' {
		return nil, errors.New("params must be an object or an array")
	}
	return params, nil
}

func parseError(raw json.RawMessage) (*RPCError, error) {
	var shape struct {
		Code    *int            `json:"code"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, errors.New("error member must be an object")
	}
	if shape.Code == nil || shape.Message == nil {
		return nil, errors.New("error object requires code and message")
	}
	return &RPCError{Code: *shape.Code, Message: *shape.Message, Data: canonical(shape.Data)}, nil
}

// canonical compacts raw JSON and maps absent or null values to nil.
func canonical(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, nullJSON) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

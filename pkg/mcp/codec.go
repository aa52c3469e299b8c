package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRequestTooLarge is returned by Parse when the inbound frame exceeds
// the configured max_request_size, before any JSON allocation occurs.
var ErrRequestTooLarge = errors.New("mcp: request exceeds max_request_size")

// ErrResponseTooLarge is returned by Serialize when the encoded frame would
// exceed the configured max_response_size.
var ErrResponseTooLarge = errors.New("mcp: response exceeds max_response_size")

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Parse decodes a single JSON-RPC frame (request, notification, response,
// or batch) from raw bytes. maxSize of 0 disables the size check.
//
// Rejections:
//   - non-"2.0" jsonrpc
//   - missing method on request/notification
//   - both result and error present on a response
//   - unknown id type
func Parse(raw []byte, maxSize int) (Message, error) {
	if maxSize > 0 && len(raw) > maxSize {
		return nil, ErrRequestTooLarge
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, NewError(CodeParseError, "Parse error: empty message")
	}

	if trimmed[0] == '[' {
		var rawElems []json.RawMessage
		if err := json.Unmarshal(trimmed, &rawElems); err != nil {
			return nil, NewError(CodeParseError, "Parse error: "+err.Error())
		}
		batch := make(Batch, 0, len(rawElems))
		for _, elem := range rawElems {
			msg, err := parseOne(elem)
			if err != nil {
				return nil, err
			}
			batch = append(batch, msg)
		}
		return batch, nil
	}

	return parseOne(trimmed)
}

func parseOne(raw json.RawMessage) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(CodeParseError, "Parse error: "+err.Error())
	}
	if env.JSONRPC != Version {
		return nil, NewError(CodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`)
	}

	// A response carries result/error and no method.
	if env.Method == nil {
		if env.Result == nil && env.Error == nil {
			return nil, NewError(CodeInvalidRequest, "Invalid Request: missing method, result, and error")
		}
		if env.Result != nil && env.Error != nil {
			return nil, NewError(CodeInvalidRequest, "Invalid Request: both result and error present")
		}
		var id ID
		if env.ID != nil {
			if err := id.UnmarshalJSON(*env.ID); err != nil {
				return nil, NewError(CodeInvalidRequest, "Invalid Request: "+err.Error())
			}
		}
		return &Response{Result: env.Result, Error: env.Error, ID: id}, nil
	}

	if *env.Method == "" {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: missing method")
	}

	if env.ID == nil {
		return &Notification{Method: *env.Method, Params: env.Params}, nil
	}

	var id ID
	if err := id.UnmarshalJSON(*env.ID); err != nil {
		return nil, NewError(CodeInvalidRequest, "Invalid Request: "+err.Error())
	}
	return &Request{Method: *env.Method, Params: env.Params, ID: id}, nil
}

// Serialize encodes a Message (or a Batch) to wire bytes with stable field
// order, validating outbound size. maxSize of 0 disables the check.
func Serialize(msg Message, maxSize int) ([]byte, error) {
	var out []byte
	var err error

	switch m := msg.(type) {
	case *Request:
		id := m.ID
		var idPtr *ID
		if id.IsValid() {
			idPtr = &id
		}
		out, err = json.Marshal(wireRequestOut{JSONRPC: Version, Method: m.Method, Params: m.Params, ID: idPtr})
	case *Notification:
		out, err = json.Marshal(wireRequestOut{JSONRPC: Version, Method: m.Method, Params: m.Params})
	case *Response:
		out, err = json.Marshal(wireResponseOut{JSONRPC: Version, Result: m.Result, Error: m.Error, ID: m.ID})
	case Batch:
		parts := make([]json.RawMessage, 0, len(m))
		for _, elem := range m {
			p, serr := Serialize(elem, 0)
			if serr != nil {
				return nil, serr
			}
			parts = append(parts, p)
		}
		out, err = json.Marshal(parts)
	default:
		return nil, fmt.Errorf("mcp: unknown message type %T", msg)
	}
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && len(out) > maxSize {
		return nil, ErrResponseTooLarge
	}
	return out, nil
}

// SerializeBatchResponse builds the ordered batch response for a set of
// per-element responses, omitting nil entries (notifications produce no
// response of their own).
func SerializeBatchResponse(responses []*Response, maxSize int) ([]byte, error) {
	batch := make(Batch, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			batch = append(batch, r)
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return Serialize(batch, maxSize)
}

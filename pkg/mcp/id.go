// Package mcp implements the JSON-RPC 2.0 wire codec for the Model Context
// Protocol: message framing, request/response/notification discrimination,
// and the id type shared by both correlation directions.
package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request/response identifier. Per the MCP wire format it
// is either a string or a 64-bit integer; a zero-value ID is invalid and
// never matches a real request (used as the "no id" marker on notifications;
// parse-error responses use NullID).
type ID struct {
	str    string
	num    int64
	isStr  bool
	isNum  bool
	isNull bool
}

// NewStringID builds a string-valued ID.
func NewStringID(s string) ID { return ID{str: s, isStr: true} }

// NewIntID builds an integer-valued ID.
func NewIntID(n int64) ID { return ID{num: n, isNum: true} }

// NullID is the id used on a response to a message that could not be
// parsed far enough to recover the original id (JSON-RPC "parse error").
func NullID() ID { return ID{isNull: true} }

// IsValid reports whether the ID carries a string or integer value.
func (id ID) IsValid() bool { return id.isStr || id.isNum }

// IsNull reports whether this is the explicit null id used on parse errors.
func (id ID) IsNull() bool { return id.isNull }

// String renders the ID for logging/keying purposes. String and integer
// ids live in the same key space for map lookups (see correlation
// manager), so the rendering is tagged to avoid collisions between the
// string "7" and the integer 7.
func (id ID) String() string {
	switch {
	case id.isStr:
		return "s:" + id.str
	case id.isNum:
		return "n:" + strconv.FormatInt(id.num, 10)
	default:
		return ""
	}
}

// MarshalJSON encodes the ID as a bare JSON string, number, or null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case id.isStr:
		return json.Marshal(id.str)
	case id.isNum:
		return json.Marshal(id.num)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes a bare JSON string, number, or null into the ID.
// Any other JSON type is rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{isNull: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID{str: s, isStr: true}
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = ID{num: n, isNum: true}
		return nil
	}
	return fmt.Errorf("mcp: invalid id type: %s", string(data))
}

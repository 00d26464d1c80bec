// Defines the update message and its line validator.

package ndjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// IDKey is the sentinel key announcing the identifier of a newly created
// report. It is the first message of a generation stream.
const IDKey = "_id"

var errNotString = errors.New("value is not a string")

// UpdateMessage is the unit of the wire protocol: one key/value assignment.
type UpdateMessage struct {
	Key   string          `json:"Key" jsonschema:"description=Report field name or the _id sentinel"`
	Value json.RawMessage `json:"Value,omitempty" jsonschema:"description=Assigned value; any JSON value"`
}

// NewUpdate marshals v into an UpdateMessage.
func NewUpdate(key string, v any) (UpdateMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return UpdateMessage{}, fmt.Errorf("failed to marshal value for %q: %w", key, err)
	}
	return UpdateMessage{Key: key, Value: raw}, nil
}

// StringValue returns the value when it is a JSON string.
func (m *UpdateMessage) StringValue() (string, error) {
	v := strings.TrimSpace(string(m.Value))
	if !strings.HasPrefix(v, `"`) {
		return "", errNotString
	}
	var s string
	if err := json.Unmarshal([]byte(v), &s); err != nil {
		return "", err
	}
	return s, nil
}

// Any decodes the value into a generic Go value. An absent value is nil.
func (m *UpdateMessage) Any() (any, error) {
	if len(m.Value) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(m.Value, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseError is returned for a line that is not valid JSON.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return "line is not valid JSON"
}

// SchemaError is returned for valid JSON that is not an UpdateMessage.
type SchemaError struct {
	Line   string
	Reason string
}

func (e *SchemaError) Error() string {
	return "invalid update message: " + e.Reason
}

// DecodeLine validates one line of the stream.
//
// Blank lines are skipped: ok is false and err is nil. The object must carry a
// string "Key" (matched case-sensitively); "Value" may hold any JSON value or
// be absent. Additional members are ignored.
func DecodeLine(line string) (msg UpdateMessage, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return UpdateMessage{}, false, nil
	}
	b := []byte(line)
	if !json.Valid(b) {
		return UpdateMessage{}, false, &ParseError{Line: line}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return UpdateMessage{}, false, &SchemaError{Line: line, Reason: "expected a JSON object"}
	}
	rawKey, found := fields["Key"]
	if !found {
		return UpdateMessage{}, false, &SchemaError{Line: line, Reason: "missing Key"}
	}
	key, err := (&UpdateMessage{Value: rawKey}).StringValue()
	if err != nil {
		return UpdateMessage{}, false, &SchemaError{Line: line, Reason: "Key must be a string"}
	}
	return UpdateMessage{Key: key, Value: fields["Value"]}, true, nil
}

// UpdateSchema returns the JSON schema of [UpdateMessage].
func UpdateSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&UpdateMessage{})
}

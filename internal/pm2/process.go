package pm2

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const objectDelimiter = ":{"

// ErrNoDelimiter is returned when a process chunk has no embedded object.
var ErrNoDelimiter = errors.New("pm2: embedded object delimiter not found")

var jsonNull = []byte("null")

type ProcessEvent struct {
	ID   int64
	Name string
}

// ExtractEmbeddedObject returns the JSON object that follows the first ":{"
// in chunk. The delimiter swallows the object's opening brace, so it is put
// back. The chunk must contain the delimiter; otherwise ErrNoDelimiter is
// returned.
func ExtractEmbeddedObject(chunk string) (string, error) {
	_, rest, ok := strings.Cut(chunk, objectDelimiter)
	if !ok {
		return "", ErrNoDelimiter
	}
	return "{" + rest, nil
}

// ParseProcessEvent decodes the process identity from a process event
// chunk. The error is non-nil when the chunk holds no decodable object.
// ok is false when the object decodes but lacks an integer process.pm_id
// or a string process.name.
func ParseProcessEvent(chunk string) (ProcessEvent, bool, error) {
	obj, err := ExtractEmbeddedObject(chunk)
	if err != nil {
		return ProcessEvent{}, false, err
	}

	// Keys are matched exactly; struct decoding would fold case.
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return ProcessEvent{}, false, fmt.Errorf("decode process event: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload["process"], &fields); err != nil || fields == nil {
		return ProcessEvent{}, false, nil
	}

	id, ok := integerField(fields["pm_id"])
	if !ok {
		return ProcessEvent{}, false, nil
	}
	name, ok := stringField(fields["name"])
	if !ok {
		return ProcessEvent{}, false, nil
	}

	return ProcessEvent{ID: id, Name: name}, true, nil
}

// integerField accepts plain JSON integers only; 42.0 and "42" are rejected.
func integerField(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func stringField(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

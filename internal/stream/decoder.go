package stream

import (
	"encoding/json"
	"strings"

	"github.com/lienzo/pulse/pkg/schema"
)

// dataMarker prefixes every payload line of a frame.
const dataMarker = "data:"

// DecodeFrame parses one frame into a typed ExecutionEvent. It returns
// (nil, false) for frames that carry no recognizable event: missing data
// marker, invalid JSON, or an unknown discriminant. Such frames are meant to
// be skipped silently so that one bad frame never aborts stream processing.
func DecodeFrame(frame string) (schema.ExecutionEvent, bool) {
	payload := extractData(frame)
	if payload == "" {
		return nil, false
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return nil, false
	}

	switch probe.Type {
	case schema.EventNodeStart:
		ev := &schema.NodeStartEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, false
		}
		return ev, true
	case schema.EventNodeEnd:
		ev := &schema.NodeEndEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, false
		}
		return ev, true
	case schema.EventError:
		ev := &schema.ErrorEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, false
		}
		return ev, true
	case schema.EventComplete:
		ev := &schema.CompleteEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, false
		}
		return ev, true
	default:
		// Unknown event kinds are ignored, not errors (forward compatible).
		return nil, false
	}
}

// extractData collects the frame's data lines, marker stripped, joined by
// newlines. Non-data lines (comments, SSE event/id fields) are ignored.
func extractData(frame string) string {
	var parts []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataMarker) {
			continue
		}
		v := line[len(dataMarker):]
		// A single leading space after the marker is part of the framing.
		v = strings.TrimPrefix(v, " ")
		parts = append(parts, v)
	}
	return strings.Join(parts, "\n")
}

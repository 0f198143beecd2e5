// Package cursor recovers a resumption offset from arbitrary JSON payloads.
//
// Server control frames carry the current replay cursor, but the payload
// shape varies across message types and may nest the cursor under an
// envelope key. Extraction is deliberately defensive: anything that does not
// resolve to a finite non-negative number resolves to "none", never to an
// error, so stream processing is never interrupted by a malformed payload.
package cursor

import (
	"encoding/json"
	"math"

	"github.com/vibecanvas/termstream/internal/frame"
)

// nestedKeys is the fixed search order for envelope keys that may contain
// a cursor-bearing object.
var nestedKeys = [...]string{"meta", "state", "payload", "data", "event"}

// Extract returns the cursor embedded in a decoded JSON value, or false if
// none resolves. A numeric, finite top-level "cursor" field wins; otherwise
// each nested key is tried in order and the first resolved result is
// returned. Values are floored and clamped to >= 0.
func Extract(v interface{}) (int64, bool) {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return 0, false
	}

	if raw, ok := obj["cursor"]; ok {
		if n, ok := asFinite(raw); ok {
			c := int64(math.Floor(n))
			if c < 0 {
				c = 0
			}
			return c, true
		}
	}

	for _, key := range nestedKeys {
		if nested, ok := obj[key]; ok {
			if c, ok := Extract(nested); ok {
				return c, true
			}
		}
	}

	return 0, false
}

// FromPayload extracts a cursor from a raw WebSocket message. Binary
// payloads are decoded through the frame codec (only control frames carry
// cursors); text payloads are parsed as JSON directly. Decode failures
// resolve to none.
func FromPayload(binary bool, data []byte) (int64, bool) {
	raw := data
	if binary {
		f := frame.Decode(true, data)
		if f.Kind != frame.KindControl {
			return 0, false
		}
		raw = f.Control
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	return Extract(v)
}

func asFinite(v interface{}) (float64, bool) {
	n, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// Package frame implements the wire framing for terminal streams: raw
// process bytes multiplexed with out-of-band control metadata on a single
// WebSocket connection.
//
// A frame is a control frame iff it is a binary frame of at least two bytes
// whose first byte is the Sentinel (0x00) and whose remainder is UTF-8 JSON.
// Everything else — all text frames, frames of length <= 1, and binary frames
// without the sentinel — is terminal data and is forwarded verbatim.
package frame

import (
	"encoding/json"
	"unicode/utf8"
)

// Sentinel is the leading byte that marks a binary frame as a control frame.
const Sentinel = 0x00

// Kind classifies a decoded frame.
type Kind int

const (
	// KindData is raw terminal output or input, forwarded unmodified.
	KindData Kind = iota
	// KindControl is a control frame carrying a JSON payload.
	KindControl
	// KindDropped is a sentinel-prefixed frame whose payload failed to
	// decode. It must be discarded: neither forwarded as data nor treated
	// as a stream error.
	KindDropped
)

// Frame is the result of decoding a single WebSocket message.
type Frame struct {
	Kind    Kind
	Data    []byte          // set for KindData
	Control json.RawMessage // set for KindControl
}

// EncodeControl wraps a JSON payload in a control frame by prepending the
// sentinel byte. The payload is not validated; callers are expected to pass
// the output of json.Marshal.
func EncodeControl(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, Sentinel)
	return append(out, payload...)
}

// EncodeControlJSON marshals v and wraps it in a control frame.
func EncodeControlJSON(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeControl(payload), nil
}

// Decode classifies a single message. binary reports whether the message
// arrived as a binary WebSocket frame; text frames are always data.
func Decode(binary bool, data []byte) Frame {
	if !binary || len(data) < 2 || data[0] != Sentinel {
		return Frame{Kind: KindData, Data: data}
	}

	payload := data[1:]
	if !utf8.Valid(payload) || !json.Valid(payload) {
		// Invalid control frame: swallow it rather than corrupting the
		// terminal stream with sentinel-prefixed garbage.
		return Frame{Kind: KindDropped}
	}

	return Frame{Kind: KindControl, Control: json.RawMessage(payload)}
}

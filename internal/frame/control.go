package frame

// Control message types sent by the server. A plain cursor update omits the
// type field; the cursor value alone is the payload.
const (
	// TypeHello is sent once after attach, carrying the cursor the live
	// stream will continue from.
	TypeHello = "hello"
	// TypeTruncated tells the client its cursor fell outside the retained
	// replay window: discard the cursor and reconnect for a full snapshot.
	TypeTruncated = "truncated"
	// TypeExit reports that the underlying process has ended.
	TypeExit = "exit"
)

// ControlMessage is the JSON payload of server control frames.
type ControlMessage struct {
	Type   string `json:"type,omitempty"`
	Cursor *int64 `json:"cursor,omitempty"`
}

// CursorUpdate builds the control payload tagging ongoing output with the
// cursor value reached after the preceding data frame.
func CursorUpdate(cursor int64) ControlMessage {
	return ControlMessage{Cursor: &cursor}
}

// Hello builds the post-attach control payload.
func Hello(cursor int64) ControlMessage {
	return ControlMessage{Type: TypeHello, Cursor: &cursor}
}

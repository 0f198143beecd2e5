package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/vibecanvas/termstream/internal/frame"
	"github.com/vibecanvas/termstream/internal/logutil"
	"github.com/vibecanvas/termstream/internal/ptyreg"
	"github.com/vibecanvas/termstream/internal/replay"
)

// Application close codes for the connect endpoint.
const (
	closeNotFound        websocket.StatusCode = 4004
	closeAlreadyAttached websocket.StatusCode = 4409
	closeCursorTruncated websocket.StatusCode = 4410
	closeInternal        websocket.StatusCode = 4500
)

// termMsg is a client→server JSON message on the text channel.
type termMsg struct {
	Type  string `json:"type"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Title string `json:"title,omitempty"`
}

// Connect handles the terminal attach WebSocket.
//
// GET /api/opencode/pty/{ptyID}/connect?workingDirectory={dir}&cursor={n}
//
// With a cursor, the replay log answers with everything appended since it;
// a cursor outside the retained window gets a "truncated" control frame and
// close code 4410, telling the client to discard its cursor and reconnect
// for a full snapshot. Without a cursor the full retained buffer is sent.
// Live output follows as binary data frames, each tagged with a control
// frame carrying the new cursor so the client can persist it continuously.
func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	ptyID := chi.URLParam(r, "ptyID")
	workingDir := r.URL.Query().Get("workingDirectory")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[connect] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	p := a.registry.Get(workingDir, ptyID)
	if p == nil {
		conn.Close(closeNotFound, "PTY not found")
		return
	}

	if !p.TryAttach() {
		conn.Close(closeAlreadyAttached, "PTY already attached")
		return
	}
	defer p.Detach()

	conn.SetReadLimit(1024 * 1024)

	// Resume from the presented cursor, or serve the full retained buffer.
	var pos int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			// Unparsable cursors are treated as absent.
			pos = p.Log.Oldest()
		} else {
			pos = from
		}
	} else {
		pos = p.Log.Oldest()
	}

	missed, err := p.Log.Read(pos)
	if err == replay.ErrTruncated {
		log.Printf("[connect] pty %s: cursor %d outside retained window [%d,%d]",
			p.ID, pos, p.Log.Oldest(), p.Log.Cursor())
		writeControl(ctx, conn, frame.ControlMessage{Type: frame.TypeTruncated})
		conn.Close(closeCursorTruncated, "cursor outside retained window")
		return
	}
	if len(missed) > 0 {
		if err := conn.Write(ctx, websocket.MessageBinary, missed); err != nil {
			return
		}
		pos += int64(len(missed))
	}
	if err := writeControl(ctx, conn, frame.Hello(pos)); err != nil {
		return
	}

	log.Printf("[connect] attached pty %s in %s at cursor %d",
		p.ID, logutil.SanitizeForLog(workingDir), pos)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Replay log → client, tagging each chunk with the new cursor.
	go func() {
		defer relayCancel()
		for {
			data, err := p.Log.Read(pos)
			if err != nil {
				// The reader fell behind retention mid-stream.
				writeControl(relayCtx, conn, frame.ControlMessage{Type: frame.TypeTruncated})
				conn.Close(closeCursorTruncated, "cursor outside retained window")
				return
			}
			if len(data) > 0 {
				if err := conn.Write(relayCtx, websocket.MessageBinary, data); err != nil {
					return
				}
				pos += int64(len(data))
				if err := writeControl(relayCtx, conn, frame.CursorUpdate(pos)); err != nil {
					return
				}
				continue // drain before blocking
			}
			if p.Log.Closed() {
				writeControl(relayCtx, conn, frame.ControlMessage{Type: frame.TypeExit, Cursor: &pos})
				conn.Close(websocket.StatusNormalClosure, "process exited")
				return
			}
			select {
			case <-relayCtx.Done():
				return
			case <-p.Log.Notify():
			}
		}
	}()

	// Client → PTY stdin, with resize/title on the text channel.
	limiter := ptyreg.NewRateLimiter(ptyreg.MessageRateLimit, ptyreg.MessageRateBurst)
	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}

		if !limiter.Allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > ptyreg.MaxInputMessageSize {
				log.Printf("[connect] pty %s: input message too large (%d bytes)", p.ID, len(data))
				continue
			}
			if _, err := p.WriteInput(data); err != nil {
				break
			}
			continue
		}

		var msg termMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				p.Resize(msg.Cols, msg.Rows)
			}
		case "title":
			if msg.Title != "" {
				p.SetTitle(msg.Title)
				log.Printf("[connect] pty %s title set to %q",
					p.ID, logutil.Abbreviate(logutil.SanitizeForLog(msg.Title), 64))
			}
		}
	}

	log.Printf("[connect] detached pty %s", p.ID)
	conn.Close(websocket.StatusNormalClosure, "")
}

func writeControl(ctx context.Context, conn *websocket.Conn, msg frame.ControlMessage) error {
	payload, err := frame.EncodeControlJSON(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, payload)
}

// Package transport owns one logical terminal attachment on the client
// side: a single physical WebSocket at a time, an explicit connection state
// machine, and lifecycle callbacks.
//
// The transport performs no frame interpretation — raw message payloads are
// handed to OnMessage, and the caller runs them through the frame codec and
// cursor extractor. It also performs no retries: reconnection is the
// caller's responsibility, and a new Connect is refused until the previous
// socket has fully transitioned to Closed or Errored, so two physical
// connections never double-consume the server's replay log.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// State is the connection state of the transport.
type State int

const (
	// StateIdle means no connection has been attempted yet.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means the socket is established.
	StateOpen
	// StateClosed means the last socket shut down normally.
	StateClosed
	// StateErrored means the last socket failed.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Options configures a Transport. Callbacks may be nil; they are invoked
// from the transport's reader goroutine and must not block indefinitely.
type Options struct {
	// Secure selects wss over ws, mirroring whether the hosting page was
	// served over a secure origin.
	Secure bool
	// Host is the server host (host or host:port).
	Host string
	// WorkingDirectory identifies the project the PTY runs in.
	WorkingDirectory string
	// PTYID identifies the process to attach to.
	PTYID string
	// Cursor, when finite and >= 0, asks the server to resume from that
	// byte offset. Nil or negative means a fresh full snapshot.
	Cursor *float64

	OnOpen    func()
	OnClose   func()
	OnError   func(error)
	OnMessage func(binary bool, data []byte)
}

// Transport manages one logical attachment across possibly several physical
// connections (sequentially, never concurrently).
type Transport struct {
	opts Options

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	closing bool // set by Close so the reader reports a normal shutdown
}

// New creates a transport in StateIdle. No connection is attempted.
func New(opts Options) *Transport {
	return &Transport{opts: opts, state: StateIdle}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// URL returns the connect URL this transport dials.
func (t *Transport) URL() string {
	return BuildURL(t.opts.Secure, t.opts.Host, t.opts.WorkingDirectory, t.opts.PTYID, t.opts.Cursor)
}

// Connect opens exactly one physical socket. It refuses to dial while a
// previous socket is still Connecting or Open. On success the reader
// goroutine starts forwarding every message and lifecycle event to the
// configured callbacks, unmodified.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateOpen {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transport is %s; wait for the previous connection to settle", state)
	}
	t.state = StateConnecting
	t.closing = false
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.URL(), nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateErrored
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.state = StateOpen
	t.mu.Unlock()

	if t.opts.OnOpen != nil {
		t.opts.OnOpen()
	}

	go t.readLoop(ctx, conn)
	return nil
}

// readLoop pumps messages to OnMessage until the socket dies, then settles
// the state machine into Closed or Errored.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.settle(err)
			return
		}
		if t.opts.OnMessage != nil {
			t.opts.OnMessage(msgType == websocket.MessageBinary, data)
		}
	}
}

// settle records the terminal state of a finished socket and fires the
// matching callback. Failures are surfaced via callbacks only.
func (t *Transport) settle(err error) {
	t.mu.Lock()
	normal := t.closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure
	if normal {
		t.state = StateClosed
	} else {
		t.state = StateErrored
	}
	t.conn = nil
	t.mu.Unlock()

	if normal {
		if t.opts.OnClose != nil {
			t.opts.OnClose()
		}
	} else if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}

// Send writes a text message to the socket. It is a silent no-op when the
// socket is not currently open, tolerating UI actions racing against
// connection teardown. Write failures surface through the reader's error
// path, not here.
func (t *Transport) Send(text string) {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		return
	}
	conn.Write(context.Background(), websocket.MessageText, []byte(text))
}

// SendBinary writes a binary message, with the same no-op semantics as Send.
func (t *Transport) SendBinary(data []byte) {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		return
	}
	conn.Write(context.Background(), websocket.MessageBinary, data)
}

// Close initiates a normal shutdown of the current socket, if any. No
// automatic retry is attempted; reconnection is the caller's decision.
func (t *Transport) Close() {
	t.mu.Lock()
	conn := t.conn
	if conn != nil {
		t.closing = true
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/creack/pty"
	"github.com/vibecanvas/termstream/internal/frame"
	"github.com/vibecanvas/termstream/internal/ptyreg"
	"github.com/vibecanvas/termstream/internal/replay"
)

// testEnv runs the full handler stack against a registry whose shells are
// replaced by bare pty pairs. The test holds the slave side of each pair to
// simulate process output and exit.
type testEnv struct {
	srv *httptest.Server
	reg *ptyreg.Registry

	mu   sync.Mutex
	ttys []*os.File
}

func newTestEnv(t *testing.T, cfg ptyreg.Config) *testEnv {
	t.Helper()
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/sh"
	}

	env := &testEnv{}
	restore := ptyreg.SetStartPTYForTest(func(cmd *exec.Cmd, ws *pty.Winsize) (*os.File, error) {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, err
		}
		env.mu.Lock()
		env.ttys = append(env.ttys, tty)
		env.mu.Unlock()
		return ptmx, nil
	})
	t.Cleanup(restore)

	env.reg = ptyreg.NewRegistry(cfg)
	env.srv = httptest.NewServer(New(env.reg).Routes())
	t.Cleanup(func() {
		env.srv.Close()
		env.mu.Lock()
		defer env.mu.Unlock()
		for _, tty := range env.ttys {
			tty.Close()
		}
	})
	return env
}

func (e *testEnv) lastTTY(t *testing.T) *os.File {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ttys) == 0 {
		t.Fatal("no pty was started")
	}
	return e.ttys[len(e.ttys)-1]
}

func (e *testEnv) connectURL(workingDir, ptyID, cursor string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") +
		"/api/opencode/pty/" + url.PathEscape(ptyID) +
		"/connect?workingDirectory=" + url.QueryEscape(workingDir)
	if cursor != "" {
		u += "&cursor=" + cursor
	}
	return u
}

func waitHead(t *testing.T, l *replay.Log, min int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.Cursor() >= min {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log cursor stuck at %d, want >= %d", l.Cursor(), min)
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) frame.Frame {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame.Decode(typ == websocket.MessageBinary, data)
}

func readControlMsg(t *testing.T, ctx context.Context, conn *websocket.Conn) frame.ControlMessage {
	t.Helper()
	f := readFrame(t, ctx, conn)
	if f.Kind != frame.KindControl {
		t.Fatalf("frame kind = %v, want control (payload %q)", f.Kind, f.Data)
	}
	var msg frame.ControlMessage
	if err := json.Unmarshal(f.Control, &msg); err != nil {
		t.Fatalf("unmarshal control %q: %v", f.Control, err)
	}
	return msg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnect_FreshAttachSendsBacklog(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.lastTTY(t).Write([]byte("backlog")); err != nil {
		t.Fatalf("write output: %v", err)
	}
	waitHead(t, p.Log, 7)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	f := readFrame(t, ctx, conn)
	if f.Kind != frame.KindData || !bytes.Equal(f.Data, []byte("backlog")) {
		t.Fatalf("first frame = %v %q, want data %q", f.Kind, f.Data, "backlog")
	}

	hello := readControlMsg(t, ctx, conn)
	if hello.Type != frame.TypeHello {
		t.Errorf("control type = %q, want %q", hello.Type, frame.TypeHello)
	}
	if hello.Cursor == nil || *hello.Cursor != 7 {
		t.Errorf("hello cursor = %v, want 7", hello.Cursor)
	}
}

func TestConnect_LiveOutputCarriesCursorUpdates(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tty := env.lastTTY(t)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	hello := readControlMsg(t, ctx, conn)
	if hello.Cursor == nil || *hello.Cursor != 0 {
		t.Fatalf("hello cursor = %v, want 0", hello.Cursor)
	}

	if _, err := tty.Write([]byte("live")); err != nil {
		t.Fatalf("write output: %v", err)
	}

	// Live output may arrive split; accumulate data frames until the cursor
	// update confirms the position.
	var data []byte
	for {
		f := readFrame(t, ctx, conn)
		if f.Kind == frame.KindData {
			data = append(data, f.Data...)
			continue
		}
		var msg frame.ControlMessage
		if err := json.Unmarshal(f.Control, &msg); err != nil {
			t.Fatalf("unmarshal control: %v", err)
		}
		if msg.Cursor != nil && *msg.Cursor == 4 {
			break
		}
	}
	if !bytes.Equal(data, []byte("live")) {
		t.Errorf("streamed data = %q, want %q", data, "live")
	}
}

func TestConnect_ResumeFromCursor(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.lastTTY(t).Write([]byte("0123456789")); err != nil {
		t.Fatalf("write output: %v", err)
	}
	waitHead(t, p.Log, 10)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, "4"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	f := readFrame(t, ctx, conn)
	if f.Kind != frame.KindData || !bytes.Equal(f.Data, []byte("456789")) {
		t.Fatalf("missed bytes = %q, want %q", f.Data, "456789")
	}
	hello := readControlMsg(t, ctx, conn)
	if hello.Cursor == nil || *hello.Cursor != 10 {
		t.Errorf("hello cursor = %v, want 10", hello.Cursor)
	}
}

func TestConnect_CaughtUpCursorSendsNoData(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.lastTTY(t).Write([]byte("seen")); err != nil {
		t.Fatalf("write output: %v", err)
	}
	waitHead(t, p.Log, 4)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, "4"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// No replay; the hello control is the first frame.
	hello := readControlMsg(t, ctx, conn)
	if hello.Type != frame.TypeHello || hello.Cursor == nil || *hello.Cursor != 4 {
		t.Errorf("first frame = %+v, want hello at cursor 4", hello)
	}
}

func TestConnect_TruncatedCursor(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A cursor from a previous process incarnation lies beyond the head.
	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, "999999"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	msg := readControlMsg(t, ctx, conn)
	if msg.Type != frame.TypeTruncated {
		t.Errorf("control type = %q, want %q", msg.Type, frame.TypeTruncated)
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4410) {
		t.Errorf("close status = %v, want 4410", websocket.CloseStatus(err))
	}
}

func TestConnect_UnknownPTY(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", "missing", ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4004) {
		t.Errorf("close status = %v, want 4004", websocket.CloseStatus(err))
	}
}

func TestConnect_DirectoryMismatchIsNotFound(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, env.connectURL("/other", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4004) {
		t.Errorf("close status = %v, want 4004", websocket.CloseStatus(err))
	}
}

func TestConnect_SecondAttachRejected(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.CloseNow()
	readControlMsg(t, ctx, first) // hello; the attachment is now held

	second, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.CloseNow()

	_, _, err = second.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusCode(4409) {
		t.Errorf("close status = %v, want 4409", websocket.CloseStatus(err))
	}
}

func TestConnect_DetachAllowsReattach(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readControlMsg(t, ctx, first)
	first.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for p.Attached() {
		if time.Now().After(deadline) {
			t.Fatal("attachment never released")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("reattach dial: %v", err)
	}
	defer second.CloseNow()
	hello := readControlMsg(t, ctx, second)
	if hello.Type != frame.TypeHello {
		t.Errorf("reattach control = %+v, want hello", hello)
	}
}

func TestConnect_BinaryInputReachesProcess(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tty := env.lastTTY(t)

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readControlMsg(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("echo hi\n")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	buf := make([]byte, 64)
	n, err := tty.Read(buf)
	if err != nil {
		t.Fatalf("read input side: %v", err)
	}
	if got := string(buf[:n]); got != "echo hi\n" {
		t.Errorf("process received %q, want %q", got, "echo hi\n")
	}
}

func TestConnect_ResizeAndTitleMessages(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readControlMsg(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"resize","cols":132,"rows":40}`)); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"title","title":"tests"}`)); err != nil {
		t.Fatalf("write title: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows, cols := p.Size()
		if rows == 40 && cols == 132 && p.Title() == "tests" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rows, cols := p.Size()
	t.Errorf("pty state = %dx%d %q, want 40x132 %q", rows, cols, p.Title(), "tests")
}

func TestConnect_LongTitleStoredInFull(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readControlMsg(t, ctx, conn)

	// Only the log line is abbreviated; the stored title keeps every rune.
	long := strings.Repeat("build and deploy ", 10)
	body, _ := json.Marshal(map[string]string{"type": "title", "title": long})
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		t.Fatalf("write title: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Title() == long {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("title = %q, want the full %d-rune title", p.Title(), len(long))
}

func TestConnect_ProcessExitSignaled(t *testing.T) {
	env := newTestEnv(t, ptyreg.Config{})
	ctx := testCtx(t)

	p, err := env.reg.Create("/proj", ptyreg.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn, _, err := websocket.Dial(ctx, env.connectURL("/proj", p.ID, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readControlMsg(t, ctx, conn)

	env.lastTTY(t).Close()
	<-p.Done()

	for {
		f := readFrame(t, ctx, conn)
		if f.Kind != frame.KindControl {
			continue
		}
		var msg frame.ControlMessage
		if err := json.Unmarshal(f.Control, &msg); err != nil {
			t.Fatalf("unmarshal control: %v", err)
		}
		if msg.Type == frame.TypeExit {
			break
		}
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

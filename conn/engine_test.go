package conn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/probe"
)

// fakeServer drives the server half of a net.Pipe, parsing multi-bulk
// commands with its own small reader (readCommand) and writing raw reply
// frames back, so tests exercise the engine's wire behavior end to end
// without a real Redis.
type fakeServer struct {
	t       *testing.T
	conn    net.Conn
	br      *bufio.Reader
	pending []string // a command already read by peekCommand, awaiting expect
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	return &fakeServer{t: t, conn: conn, br: bufio.NewReaderSize(conn, 4096)}
}

func (f *fakeServer) expect(args ...string) {
	f.t.Helper()
	var got []string
	if f.pending != nil {
		got, f.pending = f.pending, nil
	} else {
		got = readCommand(f.t, f.br)
	}
	if len(got) != len(args) {
		f.t.Fatalf("expected %v, got %v", args, got)
	}
	for i, a := range args {
		if got[i] != a {
			f.t.Fatalf("expected %v, got %v", args, got)
		}
	}
}

// peekCommand blocks for the next command's name without consuming it:
// the following expect call returns the same command. Used by tests that
// script around a deliberately nondeterministic write ordering.
func (f *fakeServer) peekCommand() string {
	f.t.Helper()
	if f.pending == nil {
		f.pending = readCommand(f.t, f.br)
	}
	if len(f.pending) == 0 {
		return ""
	}
	return f.pending[0]
}

func readCommand(t *testing.T, br *bufio.Reader) []string {
	t.Helper()
	header, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read command header: %v", err)
	}
	var n int
	if _, err := fmt.Sscanf(header, "*%d\r\n", &n); err != nil {
		t.Fatalf("parse array header %q: %v", header, err)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		lenLine, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read bulk header: %v", err)
		}
		var l int
		if _, err := fmt.Sscanf(lenLine, "$%d\r\n", &l); err != nil {
			t.Fatalf("parse bulk header %q: %v", lenLine, err)
		}
		buf := make([]byte, l+2)
		if _, err := io.ReadFull(br, buf); err != nil {
			t.Fatalf("read bulk body: %v", err)
		}
		out[i] = string(buf[:l])
	}
	return out
}

func (f *fakeServer) replyStatus(s string) {
	f.t.Helper()
	f.write("+" + s + "\r\n")
}

func (f *fakeServer) replyError(s string) {
	f.t.Helper()
	f.write("-" + s + "\r\n")
}

func (f *fakeServer) replyBulk(body string) {
	f.t.Helper()
	f.write(fmt.Sprintf("$%d\r\n%s\r\n", len(body), body))
}

func (f *fakeServer) replyRaw(raw string) {
	f.t.Helper()
	f.write(raw)
}

func (f *fakeServer) write(s string) {
	f.t.Helper()
	if _, err := f.conn.Write([]byte(s)); err != nil {
		f.t.Fatalf("server write: %v", err)
	}
}

// openTestEngine builds an Engine wired to a net.Pipe and drives the INFO
// handshake through a background goroutine before returning. The server
// side is handed back for the test to script further exchanges.
func openTestEngine(t *testing.T, opts Options) (*Engine, *fakeServer) {
	t.Helper()
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
		opts.Port = 1
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !e.state.cas(StateNew, StateOpening) {
		t.Fatal("cas New->Opening failed")
	}

	client, server := net.Pipe()
	fs := newFakeServer(t, server)

	attachErr := make(chan error, 1)
	go func() { attachErr <- e.attach(context.Background(), client) }()

	fs.expect("INFO")
	fs.replyBulk("redis_version:7.0.0\r\nrole:master\r\n")

	select {
	case err := <-attachErr:
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	t.Cleanup(func() { e.Close(true) })
	return e, fs
}

func TestHandshakeClassifiesServer(t *testing.T) {
	t.Parallel()
	e, _ := openTestEngine(t, Options{})
	if e.State() != StateOpen {
		t.Fatalf("state = %v", e.State())
	}
	info := e.ServerInfo()
	if info.Role != probe.RoleMaster {
		t.Fatalf("role = %v", info.Role)
	}
	if info.Version != "7.0.0" {
		t.Fatalf("version = %q", info.Version)
	}
}

func TestEnqueueSetThenGet(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.expect("SET", "k", "v")
		fs.replyStatus("OK")
		fs.expect("GET", "k")
		fs.replyBulk("v")
	}()

	setSink, setFut := message.NewStringSink()
	set := message.New(message.NoDB, setSink, []byte("SET"), []byte("k"), []byte("v")).WithExpected([]byte("OK"))
	e.Enqueue(set)
	if out := setFut.Wait(); out.Err != nil {
		t.Fatalf("set: %v", out.Err)
	}

	getSink, getFut := message.NewBytesSink()
	get := message.New(message.NoDB, getSink, []byte("GET"), []byte("k"))
	e.Enqueue(get)
	out := getFut.Wait()
	if out.Err != nil {
		t.Fatalf("get: %v", out.Err)
	}
	if string(out.Value) != "v" {
		t.Fatalf("get value = %q", out.Value)
	}
	<-done
}

func TestEnqueueReconcilesDBSelect(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.expect("SELECT", "3")
		fs.replyStatus("OK")
		fs.expect("GET", "k")
		fs.replyBulk("v")
	}()

	sink, fut := message.NewBytesSink()
	get := message.New(3, sink, []byte("GET"), []byte("k"))
	e.Enqueue(get)
	out := fut.Wait()
	if out.Err != nil || string(out.Value) != "v" {
		t.Fatalf("got %+v", out)
	}
	<-done
}

func TestMaxUnsentRejectsEnqueue(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Host: "127.0.0.1", Port: 1, MaxUnsent: 1, InlineDispatch: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(e.dispatch.stop)
	// Engine is still "held" (handshake never run): first Enqueue parks in
	// unsent, second should be rejected once MaxUnsent is reached.
	sink1, fut1 := message.NewBoolSink()
	e.Enqueue(message.New(message.NoDB, sink1, []byte("PING")))
	sink2, fut2 := message.NewBoolSink()
	e.Enqueue(message.New(message.NoDB, sink2, []byte("PING")))

	out2 := fut2.Wait()
	if out2.Err == nil {
		t.Fatal("expected queue-full error")
	}
	_ = fut1 // first message remains parked; never flushed in this test
}

func TestCloseAbortFailsOutstanding(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})
	_ = fs

	sink, fut := message.NewBoolSink()
	e.withWriteLock(func() {
		m := message.New(message.NoDB, sink, []byte("PING"))
		m.TryTransition(message.NotSent, message.Sent)
		e.sent.push(m)
	})

	e.Close(true)
	out := fut.Wait()
	if out.Err == nil {
		t.Fatal("expected an error after abortive close")
	}
}

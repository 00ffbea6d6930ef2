package conn

import (
	"context"
	"testing"
	"time"

	"github.com/mickamy/respipe/message"
)

func TestTransactionCommit(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.expect("MULTI")
		fs.replyStatus("OK")
		fs.expect("INCR", "counter")
		fs.replyStatus("QUEUED")
		fs.expect("GET", "counter")
		fs.replyStatus("QUEUED")
		fs.expect("EXEC")
		fs.replyRaw("*2\r\n:1\r\n$1\r\n1\r\n")
	}()

	tx, err := e.Multi()
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	incrSink, incrFut := message.NewIntSink()
	incr := message.New(message.NoDB, incrSink, []byte("INCR"), []byte("counter"))
	if err := tx.Queue(incr); err != nil {
		t.Fatalf("queue incr: %v", err)
	}

	getSink, getFut := message.NewBytesSink()
	get := message.New(message.NoDB, getSink, []byte("GET"), []byte("counter"))
	if err := tx.Queue(get); err != nil {
		t.Fatalf("queue get: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	committed, err := tx.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !committed {
		t.Fatal("expected commit")
	}

	incrOut := incrFut.Wait()
	if incrOut.Err != nil || incrOut.Value != 1 {
		t.Fatalf("incr result = %+v", incrOut)
	}
	getOut := getFut.Wait()
	if getOut.Err != nil || string(getOut.Value) != "1" {
		t.Fatalf("get result = %+v", getOut)
	}
	<-done
}

func TestTransactionWatchAbort(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.expect("WATCH", "counter")
		fs.replyStatus("OK")
		fs.expect("MULTI")
		fs.replyStatus("OK")
		fs.expect("INCR", "counter")
		fs.replyStatus("QUEUED")
		fs.expect("EXEC")
		fs.replyRaw("*-1\r\n")
	}()

	tx, err := e.Multi([]byte("counter"))
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	sink, fut := message.NewIntSink()
	incr := message.New(message.NoDB, sink, []byte("INCR"), []byte("counter"))
	if err := tx.Queue(incr); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	committed, err := tx.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if committed {
		t.Fatal("expected abort, got commit")
	}

	out := fut.Wait()
	if out.Err != message.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %+v", out)
	}
	<-done
}

// TestTransactionDiscardSendsNoWireCommand confirms Discard cancels the
// buffer purely client-side: since Queue never wrote anything to the wire,
// there is nothing for DISCARD to undo on the server.
func TestTransactionDiscardSendsNoWireCommand(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})
	_ = fs

	tx, err := e.Multi()
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	sink, fut := message.NewIntSink()
	m := message.New(message.NoDB, sink, []byte("INCR"), []byte("counter"))
	if err := tx.Queue(m); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if err := tx.Discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}

	out := fut.Wait()
	if out.Err != message.ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %+v", out)
	}
}

// TestTransactionExecuteAtomicAgainstConcurrentEnqueue covers spec.md §4.F/
// §5: the whole WATCH/MULTI/queued-commands/EXEC sequence is written under
// one write-lock hold, so a concurrent ordinary Enqueue cannot land between
// MULTI and EXEC. The fake server script enforces this: if the race
// weren't closed, PING would arrive spliced into the transaction block and
// the script's expectations would fail.
func TestTransactionExecuteAtomicAgainstConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	e, fs := openTestEngine(t, Options{})

	tx, err := e.Multi()
	if err != nil {
		t.Fatalf("multi: %v", err)
	}
	sink, fut := message.NewIntSink()
	m := message.New(message.NoDB, sink, []byte("INCR"), []byte("counter"))
	if err := tx.Queue(m); err != nil {
		t.Fatalf("queue: %v", err)
	}

	// The two writers race for the write-lock, so either the transaction's
	// whole composite or the bystander PING may land on the wire first —
	// but never spliced together. The script accepts both orders and
	// fails on anything else (e.g. PING arriving between MULTI and EXEC).
	runTx := func() {
		fs.expect("MULTI")
		fs.replyStatus("OK")
		fs.expect("INCR", "counter")
		fs.replyStatus("QUEUED")
		fs.expect("EXEC")
		fs.replyRaw("*1\r\n:1\r\n")
	}
	runPing := func() {
		fs.expect("PING")
		fs.replyStatus("PONG")
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if fs.peekCommand() == "PING" {
			runPing()
			runTx()
		} else {
			runTx()
			runPing()
		}
	}()

	pingSink, pingFut := message.NewStringSink()
	ping := message.New(message.NoDB, pingSink, []byte("PING")).WithExpected([]byte("PONG"))

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := tx.Execute(ctx); err != nil {
			t.Errorf("execute: %v", err)
		}
	}()

	e.Enqueue(ping)
	<-execDone

	if out := fut.Wait(); out.Err != nil || out.Value != 1 {
		t.Fatalf("incr result = %+v", out)
	}
	if out := pingFut.Wait(); out.Err != nil {
		t.Fatalf("ping result = %+v", out)
	}
	<-serverDone
}

func TestNestedTransactionRejected(t *testing.T) {
	t.Parallel()
	e, _ := openTestEngine(t, Options{})

	// Multi only reserves the transaction slot client-side; it writes
	// nothing to the wire, so no fake-server script is needed here.
	tx, err := e.Multi()
	if err != nil {
		t.Fatalf("multi: %v", err)
	}

	if _, err := e.Multi(); err != ErrNested {
		t.Fatalf("expected ErrNested, got %v", err)
	}
	_ = tx // left open deliberately: it buffers nothing, so nothing is left to complete
}

package conn

import (
	"context"
	"net"
	"testing"
	"time"
)

// TestHandshakeAuthErrCarveOut exercises spec.md's Lifecycle carve-out: a
// server-side ERR reply to AUTH (e.g. a server with authentication
// disabled) is not a handshake failure, only a non-reply failure is.
func TestHandshakeAuthErrCarveOut(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Host: "127.0.0.1", Port: 1, Password: "secret"})
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

	fs.expect("AUTH", "secret")
	fs.replyError("ERR Client sent AUTH, but no password is set")
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

	if e.State() != StateOpen {
		t.Fatalf("state = %v, want Open", e.State())
	}
}

// TestHandshakeInfoErrCarveOut covers the INFO probe's own carve-out: an
// old/restricted server replying ERR to INFO still completes the
// handshake, just without server classification.
func TestHandshakeInfoErrCarveOut(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Host: "127.0.0.1", Port: 1})
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
	fs.replyError("ERR unknown command 'INFO'")

	select {
	case err := <-attachErr:
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
	t.Cleanup(func() { e.Close(true) })

	if e.State() != StateOpen {
		t.Fatalf("state = %v, want Open", e.State())
	}
}

// TestHandshakeFailsOnIOError confirms the carve-out is narrow: a dropped
// connection mid-handshake still forces Closed.
func TestHandshakeFailsOnIOError(t *testing.T) {
	t.Parallel()
	e, err := New(Options{Host: "127.0.0.1", Port: 1, SyncTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !e.state.cas(StateNew, StateOpening) {
		t.Fatal("cas New->Opening failed")
	}

	client, server := net.Pipe()

	attachErr := make(chan error, 1)
	go func() { attachErr <- e.attach(context.Background(), client) }()

	_ = server.Close() // simulate the connection dying before INFO replies

	select {
	case err := <-attachErr:
		if err == nil {
			t.Fatal("expected handshake to fail")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	if e.State() != StateClosed {
		t.Fatalf("state = %v, want Closed", e.State())
	}
}

// Package web serves the respipe live-connection UI: a small static page
// polling /api/stats and consuming /api/events over Server-Sent Events.
// Adapted from the teacher's web.go, replacing its SQL-event broker with a
// conn.Engine's Events channel and Snapshot.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mickamy/respipe/conn"
)

//go:embed static
var staticFS embed.FS

// Server serves the respipe stats/events HTTP API.
type Server struct {
	httpServer *http.Server
	engine     *conn.Engine
	fanout     *fanout
}

// New creates a Server backed by engine. The returned Server does not
// start consuming engine.Events() until Serve is called.
func New(e *conn.Engine) *Server {
	s := &Server{
		engine: e,
		fanout: newFanout(e.Events()),
	}

	mux := http.NewServeMux()
	sub, _ := fs.Sub(staticFS, "static")
	mux.Handle("GET /", http.FileServer(http.FS(sub)))
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve starts the HTTP server on lis and the event fanout loop. It blocks
// until the listener is closed or Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	go s.fanout.run()
	if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the fanout loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.fanout.stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type eventJSON struct {
	Cause   string `json:"cause"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
	Fatal   bool   `json:"fatal"`
}

func eventToJSON(ev conn.Event) eventJSON {
	j := eventJSON{Cause: ev.Cause, Command: ev.Command, Fatal: ev.Fatal}
	if ev.Err != nil {
		j.Error = ev.Err.Error()
	}
	return j
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	ch, unsub := s.fanout.subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(eventToJSON(ev))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type statsJSON struct {
	MessagesSent      int64         `json:"messages_sent"`
	MessagesReceived  int64         `json:"messages_received"`
	QueueJumpers      int64         `json:"queue_jumpers"`
	MessagesCancelled int64         `json:"messages_cancelled"`
	UnsentSize        int64         `json:"unsent_size"`
	ErrorMessages     int64         `json:"error_messages"`
	Timeouts          int64         `json:"timeouts"`
	PerDB             map[int]int64 `json:"per_db"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	out := statsJSON{
		MessagesSent:      snap.MessagesSent,
		MessagesReceived:  snap.MessagesReceived,
		QueueJumpers:      snap.QueueJumpers,
		MessagesCancelled: snap.MessagesCancelled,
		UnsentSize:        snap.UnsentSize,
		ErrorMessages:     snap.ErrorMessages,
		Timeouts:          snap.Timeouts,
		PerDB:             snap.PerDB,
	}
	b, err := json.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// fanout re-broadcasts one upstream channel of conn.Event to any number of
// SSE subscribers. The teacher's equivalent (broker.Broker) lives in a
// package that was not part of the retrieval pack; this is a minimal
// reimplementation of the same subscribe/unsubscribe shape, scoped to this
// package's own needs rather than a general-purpose pub/sub.
type fanout struct {
	upstream <-chan conn.Event
	done     chan struct{}

	mu   sync.Mutex
	subs map[chan conn.Event]struct{}
}

func newFanout(upstream <-chan conn.Event) *fanout {
	return &fanout{
		upstream: upstream,
		done:     make(chan struct{}),
		subs:     make(map[chan conn.Event]struct{}),
	}
}

func (f *fanout) run() {
	for {
		select {
		case ev, ok := <-f.upstream:
			if !ok {
				return
			}
			f.broadcast(ev)
		case <-f.done:
			return
		}
	}
}

func (f *fanout) broadcast(ev conn.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop rather than block the fanout loop.
		}
	}
}

func (f *fanout) subscribe() (<-chan conn.Event, func()) {
	ch := make(chan conn.Event, 16)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
		close(ch)
	}
}

func (f *fanout) stop() {
	close(f.done)
}

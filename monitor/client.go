// Package monitor implements a Bubble Tea TUI that watches a respd
// instance's stats/events HTTP API live: a scrolling command-error log and
// a stats header, refreshed without polling the engine directly. Adapted
// from the teacher's tui package, scaled down from its gRPC QueryEvent
// stream to the SSE + polling API the web package exposes.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type logEntry struct {
	Cause   string `json:"cause"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
	Fatal   bool   `json:"fatal"`
}

type statsSnapshot struct {
	MessagesSent      int64         `json:"messages_sent"`
	MessagesReceived  int64         `json:"messages_received"`
	QueueJumpers      int64         `json:"queue_jumpers"`
	MessagesCancelled int64         `json:"messages_cancelled"`
	UnsentSize        int64         `json:"unsent_size"`
	ErrorMessages     int64         `json:"error_messages"`
	Timeouts          int64         `json:"timeouts"`
	PerDB             map[int]int64 `json:"per_db"`
}

// eventStream reads Server-Sent Events from target's /api/events and
// forwards decoded entries to the returned channel until ctx is cancelled
// or the connection drops.
func eventStream(ctx context.Context, target string) (<-chan logEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/api/events", nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: build events request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monitor: connect events stream: %w", err)
	}

	out := make(chan logEntry, 32)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var e logEntry
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func fetchStats(ctx context.Context, target string) (statsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/api/stats", nil)
	if err != nil {
		return statsSnapshot{}, fmt.Errorf("monitor: build stats request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return statsSnapshot{}, fmt.Errorf("monitor: fetch stats: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var s statsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return statsSnapshot{}, fmt.Errorf("monitor: decode stats: %w", err)
	}
	return s, nil
}

const statsPollInterval = 1 * time.Second

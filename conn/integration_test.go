//go:build integration

package conn_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mickamy/respipe/conn"
	"github.com/mickamy/respipe/message"
)

var (
	containerHost string
	containerPort int
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(2 * time.Minute),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if ctr != nil {
			_ = ctr.Terminate(ctx)
		}
		_, _ = fmt.Fprintf(os.Stderr, "start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := ctr.Host(ctx)
	if err != nil {
		_ = ctr.Terminate(ctx)
		_, _ = fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		os.Exit(1)
	}
	port, err := ctr.MappedPort(ctx, "6379")
	if err != nil {
		_ = ctr.Terminate(ctx)
		_, _ = fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		os.Exit(1)
	}
	containerHost = host
	containerPort = port.Int()

	code := m.Run()
	_ = ctr.Terminate(ctx)
	os.Exit(code)
}

func newEngine(t *testing.T) *conn.Engine {
	t.Helper()
	e, err := conn.New(conn.Options{
		Host:      containerHost,
		Port:      containerPort,
		IOTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { e.Close(false) })
	return e
}

func TestIntegrationSetGet(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	okSink, okFut := message.NewStringSink()
	set := message.New(message.NoDB, okSink, []byte("SET"), []byte("respipe:k"), []byte("v")).
		WithExpected([]byte("OK"))
	e.Enqueue(set)
	if out := okFut.Wait(); out.Err != nil {
		t.Fatalf("set: %v", out.Err)
	}

	valSink, valFut := message.NewBytesSink()
	get := message.New(message.NoDB, valSink, []byte("GET"), []byte("respipe:k"))
	e.Enqueue(get)
	out := valFut.Wait()
	if out.Err != nil || string(out.Value) != "v" {
		t.Fatalf("get result = %+v", out)
	}
}

func TestIntegrationTransactionCommit(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	delSink, delFut := message.NewIntSink()
	e.Enqueue(message.New(message.NoDB, delSink, []byte("DEL"), []byte("respipe:counter")))
	delFut.Wait()

	tx, err := e.Multi()
	if err != nil {
		t.Fatalf("multi: %v", err)
	}
	incrSink, incrFut := message.NewIntSink()
	if err := tx.Queue(message.New(message.NoDB, incrSink, []byte("INCR"), []byte("respipe:counter"))); err != nil {
		t.Fatalf("queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	committed, err := tx.Execute(ctx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !committed {
		t.Fatal("expected commit")
	}
	out := incrFut.Wait()
	if out.Err != nil || out.Value != 1 {
		t.Fatalf("incr = %+v", out)
	}
}

func TestIntegrationPipelinedOrdering(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	const n = 50
	futures := make([]*message.Future[int64], n)
	for i := 0; i < n; i++ {
		sink, fut := message.NewIntSink()
		futures[i] = fut
		e.Enqueue(message.New(message.NoDB, sink, []byte("INCR"), []byte("respipe:pipeline")))
	}
	for i, fut := range futures {
		out := fut.Wait()
		if out.Err != nil {
			t.Fatalf("incr %d: %v", i, out.Err)
		}
		if out.Value != int64(i+1) {
			t.Fatalf("incr %d: expected %d, got %d", i, i+1, out.Value)
		}
	}
}

// Command transaction exercises MULTI/EXEC, WATCH-triggered aborts, and
// DISCARD against a live server. Adapted from the teacher's transaction
// examples (commit, rollback, concurrent transactions), mapped onto
// conn.Tx's buffer-then-EXEC model.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/mickamy/respipe/conn"
	"github.com/mickamy/respipe/message"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func getAddr() (string, int) {
	if v := os.Getenv("RESPIPE_ADDR"); v != "" {
		return v, 6379
	}
	return "127.0.0.1", 6379
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host, port := getAddr()
	engine, err := conn.New(conn.Options{Host: host, Port: port})
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := engine.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer engine.Close(false)
	fmt.Printf("connected to %s:%d\n", host, port)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for i := 1; ; i++ {
		doCommit(ctx, engine, i)
		doDiscard(engine, i)
		doWatchAbort(ctx, engine, i)
		doConcurrentTransactions(ctx, engine, i)
		doEnqueueDuringTransaction(ctx, engine, i)

		select {
		case <-ctx.Done():
			fmt.Println("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func doCommit(ctx context.Context, engine *conn.Engine, i int) {
	tx, err := engine.Multi()
	if err != nil {
		log.Printf("multi: %v", err)
		return
	}

	key := []byte(fmt.Sprintf("tx:user:%d", i))
	incrSink, incrFut := message.NewIntSink()
	incr := message.New(0, incrSink, []byte("INCR"), key)
	if err := tx.Queue(incr); err != nil {
		log.Printf("queue incr: %v", err)
		return
	}

	getSink, getFut := message.NewBytesSink()
	get := message.New(0, getSink, []byte("GET"), key)
	if err := tx.Queue(get); err != nil {
		log.Printf("queue get: %v", err)
		return
	}

	committed, err := tx.Execute(ctx)
	if err != nil {
		log.Printf("exec: %v", err)
		return
	}
	if !committed {
		fmt.Printf("[%d] commit transaction aborted\n", i)
		return
	}
	fmt.Printf("[%d] committed: incr=%d get=%q\n", i, incrFut.Wait().Value, getFut.Wait().Value)
}

func doDiscard(engine *conn.Engine, i int) {
	tx, err := engine.Multi()
	if err != nil {
		log.Printf("multi: %v", err)
		return
	}

	sink, fut := message.NewIntSink()
	m := message.New(0, sink, []byte("INCR"), []byte("tx:discarded-counter"))
	if err := tx.Queue(m); err != nil {
		log.Printf("queue: %v", err)
		return
	}

	if err := tx.Discard(); err != nil {
		log.Printf("discard: %v", err)
		return
	}
	out := fut.Wait()
	fmt.Printf("[%d] discarded (queued message completed with err=%v)\n", i, out.Err)
}

func doWatchAbort(ctx context.Context, engine *conn.Engine, i int) {
	key := []byte("tx:watched-key")

	tx, err := engine.Multi(key)
	if err != nil {
		log.Printf("watch+multi: %v", err)
		return
	}

	sink, fut := message.NewStringSink()
	m := message.New(0, sink, []byte("SET"), key, []byte(fmt.Sprintf("v%d", i))).WithExpected([]byte("OK"))
	if err := tx.Queue(m); err != nil {
		log.Printf("queue: %v", err)
		return
	}

	committed, err := tx.Execute(ctx)
	if err != nil {
		log.Printf("exec: %v", err)
		return
	}
	if committed {
		fmt.Printf("[%d] watch: no concurrent writer, committed (set result=%v)\n", i, fut.Wait())
		return
	}
	fmt.Printf("[%d] watch-triggered abort\n", i)
}

// doEnqueueDuringTransaction races a plain Enqueue against an open
// transaction's Execute. Because Execute writes its whole WATCH/MULTI/
// queued-commands/EXEC composite under one write-lock hold, the racing
// ordinary command either lands entirely before MULTI or entirely after
// EXEC — never swept into the open MULTI block server-side.
func doEnqueueDuringTransaction(ctx context.Context, engine *conn.Engine, i int) {
	tx, err := engine.Multi()
	if err != nil {
		log.Printf("multi: %v", err)
		return
	}

	key := []byte(fmt.Sprintf("tx:race:%d", i))
	sink, fut := message.NewIntSink()
	m := message.New(0, sink, []byte("INCR"), key)
	if err := tx.Queue(m); err != nil {
		log.Printf("queue: %v", err)
		return
	}

	otherSink, otherFut := message.NewStringSink()
	other := message.New(0, otherSink, []byte("SET"), []byte("tx:race:bystander"), []byte("1")).WithExpected([]byte("OK"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Enqueue(other)
	}()

	committed, err := tx.Execute(ctx)
	wg.Wait()
	if err != nil {
		log.Printf("exec: %v", err)
		return
	}
	fmt.Printf("[%d] enqueue-race: committed=%v bystander-err=%v incr=%d\n", i, committed, otherFut.Wait().Err, fut.Wait().Value)
}

func doConcurrentTransactions(ctx context.Context, engine *conn.Engine, i int) {
	var wg sync.WaitGroup
	for g := range 3 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()

			tx, err := engine.Multi()
			if err != nil {
				// ErrNested is expected here: Engine permits only one open
				// transaction at a time, so concurrent Multi callers race
				// for the slot and most will observe it busy.
				return
			}
			key := []byte(fmt.Sprintf("tx:concurrent:%d:%d", i, g))
			sink, _ := message.NewStringSink()
			m := message.New(0, sink, []byte("SET"), key, []byte("1")).WithExpected([]byte("OK"))
			_ = tx.Queue(m)
			_, _ = tx.Execute(ctx)
		}(g)
	}
	wg.Wait()
	fmt.Printf("[%d] concurrent transaction attempts done\n", i)
}

// Command basic exercises single-command pipelining against a live server:
// SET/GET on a rotating key, INCR, INCRBYFLOAT, and a pipelined batch of
// GETs, fired every few seconds. Adapted
// from the teacher's database examples, swapping database/sql round trips
// for respipe's async enqueue/Wait pattern.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
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
		doSetGet(engine, i)
		doIncr(engine, i)
		doIncrByFloat(engine, i)
		doPipelinedBatch(engine, i)

		select {
		case <-ctx.Done():
			fmt.Println("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

func doSetGet(engine *conn.Engine, i int) {
	key := []byte(fmt.Sprintf("basic:user:%d", i))
	val := []byte(fmt.Sprintf("user-%d", i))

	setSink, setFut := message.NewStringSink()
	set := message.New(0, setSink, []byte("SET"), key, val).WithExpected([]byte("OK"))
	engine.Enqueue(set)

	getSink, getFut := message.NewBytesSink()
	get := message.New(0, getSink, []byte("GET"), key)
	engine.Enqueue(get)

	if out := setFut.Wait(); out.Err != nil {
		log.Printf("set: %v", out.Err)
		return
	}
	out := getFut.Wait()
	if out.Err != nil {
		log.Printf("get: %v", out.Err)
		return
	}
	fmt.Printf("[%d] set+get %s -> %q\n", i, key, out.Value)
}

func doIncr(engine *conn.Engine, i int) {
	sink, fut := message.NewIntSink()
	m := message.New(0, sink, []byte("INCR"), []byte("basic:counter"))
	engine.Enqueue(m)
	out := fut.Wait()
	if out.Err != nil {
		log.Printf("incr: %v", out.Err)
		return
	}
	fmt.Printf("[%d] counter now %d\n", i, out.Value)
}

// doIncrByFloat exercises the double sink against INCRBYFLOAT's decimal
// bulk reply.
func doIncrByFloat(engine *conn.Engine, i int) {
	sink, fut := message.NewDoubleSink()
	m := message.New(0, sink, []byte("INCRBYFLOAT"), []byte("basic:float-counter"), []byte("1.5"))
	engine.Enqueue(m)
	out := fut.Wait()
	if out.Err != nil {
		log.Printf("incrbyfloat: %v", out.Err)
		return
	}
	fmt.Printf("[%d] float counter now %g\n", i, out.Value)
}

// doPipelinedBatch fires ten GETs back-to-back without waiting between
// enqueues, demonstrating that replies still arrive in submission order.
func doPipelinedBatch(engine *conn.Engine, i int) {
	futures := make([]*message.Future[[]byte], 10)
	for j := range futures {
		sink, fut := message.NewBytesSink()
		key := []byte(fmt.Sprintf("basic:user:%d", (i+j)%50+1))
		m := message.New(0, sink, []byte("GET"), key)
		engine.Enqueue(m)
		futures[j] = fut
	}
	for _, fut := range futures {
		fut.Wait()
	}
	fmt.Printf("[%d] pipelined batch of %d GETs complete\n", i, len(futures))
}

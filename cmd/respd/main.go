// Command respd dials a Redis-family server once, holds the pipelined
// connection open, and exposes its live stats/events over HTTP for respmon
// to watch. Grounded on the teacher's sql-tapd daemon: flag parsing,
// signal-driven shutdown, and an optional HTTP server follow the same
// shape, minus the proxy listener and EXPLAIN client this domain has no
// use for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mickamy/respipe/conn"
	"github.com/mickamy/respipe/web"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("respd", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "respd — pipelined connection daemon for respipe\n\nUsage:\n  respd [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	host := fs.String("host", "127.0.0.1", "upstream server host")
	port := fs.Int("port", 6379, "upstream server port")
	password := fs.String("password", "", "AUTH password, if required")
	name := fs.String("name", "respd", "CLIENT SETNAME sent during init")
	httpAddr := fs.String("http", ":6400", "HTTP address for the stats/events API")
	ioTimeout := fs.Duration("io-timeout", 0, "per-operation socket timeout (0 disables)")
	syncTimeout := fs.Duration("sync-timeout", 10*time.Second, "Wait()/QUIT timeout")
	maxUnsent := fs.Int("max-unsent", 0, "bound on queued-but-unsent messages (0 unbounded)")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("respd %s\n", version)
		return
	}

	err := run(*host, *port, *password, *name, *httpAddr, *ioTimeout, *syncTimeout, *maxUnsent)
	if err != nil {
		log.Fatal(err)
	}
}

func run(host string, port int, password, name, httpAddr string, ioTimeout, syncTimeout time.Duration, maxUnsent int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := conn.New(conn.Options{
		Host:                    host,
		Port:                    port,
		Password:                password,
		Name:                    name,
		IOTimeout:               ioTimeout,
		SyncTimeout:             syncTimeout,
		MaxUnsent:               maxUnsent,
		IncludeDetailInTimeouts: true,
		QuitOnClose:             true,
	})
	if err != nil {
		return fmt.Errorf("configure engine: %w", err)
	}

	if err := engine.Open(ctx); err != nil {
		return fmt.Errorf("open %s:%d: %w", host, port, err)
	}
	defer engine.Close(false)
	log.Printf("connected to %s:%d", host, port)

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", httpAddr, err)
	}

	srv := web.New(engine)
	go func() {
		log.Printf("HTTP server listening on %s", httpAddr)
		if err := srv.Serve(lis); err != nil {
			log.Printf("http serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	return nil
}

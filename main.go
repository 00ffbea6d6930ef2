// Command respcli sends a single RESP command to a server and prints its
// reply, for ad hoc poking at a connection the way redis-cli does. Adapted
// from the teacher's root command, which only parsed flags for a TUI that
// was never wired to a transport in the retrieval pack; this one actually
// opens a connection and drives it end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mickamy/respipe/conn"
	"github.com/mickamy/respipe/message"
	"github.com/mickamy/respipe/resp"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("respcli", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "respcli — send one RESP command and print its reply\n\nUsage:\n  respcli [flags] <command> [args...]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	host := fs.String("host", "127.0.0.1", "server host")
	port := fs.Int("port", 6379, "server port")
	password := fs.String("password", "", "AUTH password, if required")
	db := fs.Int("db", 0, "database index")
	showVersion := fs.Bool("version", false, "show version and exit")

	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("respcli %s\n", version)
		return
	}

	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	if err := run(*host, *port, *password, *db, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "respcli: %v\n", err)
		os.Exit(1)
	}
}

func run(host string, port int, password string, db int, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engine, err := conn.New(conn.Options{
		Host:        host,
		Port:        port,
		Password:    password,
		SyncTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := engine.Open(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer engine.Close(false)

	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}

	sink, fut := message.NewRawSink()
	m := message.New(db, sink, raw...)
	engine.Enqueue(m)

	var out string
	err = engine.Wait(func() error {
		out = formatReply(fut.Wait().Value)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Println(out)
	return nil
}

func formatReply(r resp.Reply) string {
	switch r.Kind {
	case resp.KindStatus:
		return string(r.Str)
	case resp.KindError:
		return "(error) " + string(r.Str)
	case resp.KindInt:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case resp.KindBulk:
		if r.IsNil {
			return "(nil)"
		}
		return string(r.Bulk)
	case resp.KindArray:
		if r.IsNil {
			return "(nil)"
		}
		lines := make([]string, len(r.Array))
		for i, e := range r.Array {
			lines[i] = fmt.Sprintf("%d) %s", i+1, formatReply(e))
		}
		return strings.Join(lines, "\n")
	default:
		return fmt.Sprintf("%v", r)
	}
}

// Command respmon is a terminal UI that watches a running respd instance's
// stats and live event stream. Grounded on the teacher's TUI entry point
// (cmd/sql-tap's bubbletea.NewProgram wiring), pointed at HTTP instead of
// gRPC.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mickamy/respipe/monitor"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("respmon", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "respmon — live monitor TUI for respd\n\nUsage:\n  respmon [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	target := fs.String("target", "http://127.0.0.1:6400", "respd HTTP API base URL")
	showVersion := fs.Bool("version", false, "show version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("respmon %s\n", version)
		return
	}

	m := monitor.New(*target)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "respmon: %v\n", err)
		os.Exit(1)
	}
}

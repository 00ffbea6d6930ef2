// Package highlight renders RESP commands and the live monitor log with
// ANSI terminal syntax highlighting. Adapted from the teacher's SQL/EXPLAIN
// highlighter: the chroma lexer swaps from "sql" to "redis", and the
// EXPLAIN-plan regex highlighting becomes command/argument highlighting for
// the monitor's scrolling log.
package highlight

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

var (
	lexer     chroma.Lexer
	formatter chroma.Formatter
	style     *chroma.Style
)

func init() {
	lexer = lexers.Get("redis")
	if lexer == nil {
		lexer = lexers.Fallback
	}
	formatter = formatters.Get("terminal256")
	style = styles.Get("monokai")
}

// Command returns a RESP command line with ANSI terminal syntax
// highlighting applied. On error or empty input, the original string is
// returned unchanged.
func Command(s string) string {
	if s == "" {
		return s
	}

	iterator, err := lexer.Tokenise(nil, s)
	if err != nil {
		return s
	}

	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return s
	}

	return strings.TrimRight(buf.String(), "\n")
}

var (
	commandRe = regexp.MustCompile(
		`(?i)^(GET|SET|DEL|EXPIRE|TTL|INCR|DECR|INCRBY|DECRBY|APPEND|` +
			`HGET|HSET|HDEL|HGETALL|LPUSH|RPUSH|LPOP|RPOP|LRANGE|` +
			`SADD|SREM|SMEMBERS|ZADD|ZRANGE|ZSCORE|` +
			`MULTI|EXEC|DISCARD|WATCH|UNWATCH|` +
			`SUBSCRIBE|PUBLISH|PING|AUTH|SELECT|INFO|CLIENT|QUIT)\b`,
	)
	errorRe = regexp.MustCompile(`(?i)^(ERR|WRONGTYPE|NOAUTH|NOSCRIPT|BUSY|MOVED|ASK)\b.*$`)

	boldStyle = lipgloss.NewStyle().Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
	errStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
)

// MonitorLine returns one line of the live command log with the command
// name bolded and server error replies colored, for the monitor TUI's
// scrolling log.
func MonitorLine(s string) string {
	if s == "" {
		return s
	}
	if errorRe.MatchString(s) {
		return errStyle.Render(s)
	}
	if loc := commandRe.FindStringIndex(s); loc != nil {
		return boldStyle.Render(s[loc[0]:loc[1]]) + dimStyle.Render(s[loc[1]:])
	}
	return s
}

// Package cmdfmt renders RESP commands for human consumption: logging, the
// live monitor, and clipboard export. It never touches the wire codec —
// only display. Render plays the role the teacher's query.Bind plays for
// SQL placeholder substitution; Redact plays the role query.Normalize
// plays for stripping sensitive literals before display.
package cmdfmt

import "strings"

// sensitiveCommands are commands whose arguments after the name must not
// be echoed verbatim in logs or the monitor.
var sensitiveCommands = map[string]bool{
	"AUTH": true,
}

// Render joins a command name and its binary-safe argv into a single
// display string, quoting any argument containing whitespace or control
// bytes, the way the teacher's query.Bind renders a bound SQL statement
// for display.
func Render(args [][]byte) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = renderArg(a)
	}
	return strings.Join(parts, " ")
}

func renderArg(a []byte) string {
	s := string(a)
	if s == "" || needsQuoting(s) {
		return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
	}
	return s
}

func needsQuoting(s string) bool {
	for _, r := range s {
		if r <= ' ' || r == '"' {
			return true
		}
	}
	return false
}

// Redact returns a display string for args with sensitive positional
// arguments masked, the way the teacher's query.Normalize strips literal
// values before grouping queries. AUTH's password argument (and any
// argument past it) is replaced with "***".
func Redact(args [][]byte) string {
	if len(args) == 0 {
		return ""
	}
	cmd := strings.ToUpper(string(args[0]))
	if !sensitiveCommands[cmd] {
		return Render(args)
	}
	redacted := make([][]byte, len(args))
	copy(redacted, args)
	for i := 1; i < len(redacted); i++ {
		redacted[i] = []byte("***")
	}
	return Render(redacted)
}

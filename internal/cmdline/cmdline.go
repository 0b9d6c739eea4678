// Package cmdline encodes an executable and its arguments into a single
// command string, and splits such a string back into an argument vector.
//
// The quoting follows the backslash/double-quote convention used by
// argv parsers that receive a flat command line:
//   - 2n backslashes followed by a quote produce n backslashes and toggle quoting
//   - 2n+1 backslashes followed by a quote produce n backslashes and a literal quote
//   - backslashes not followed by a quote are literal
package cmdline

import "strings"

// needsQuoting reports whether arg must be wrapped in double quotes.
func needsQuoting(arg string) bool {
	return arg == "" || strings.ContainsAny(arg, " \t\n\v\"")
}

// Quote returns arg in a form that Split reads back unchanged.
func Quote(arg string) string {
	if !needsQuoting(arg) {
		return arg
	}
	var b strings.Builder
	appendQuoted(&b, arg)
	return b.String()
}

func appendQuoted(b *strings.Builder, arg string) {
	if !needsQuoting(arg) {
		b.WriteString(arg)
		return
	}

	b.WriteByte('"')
	backslashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			backslashes++
			continue
		case '"':
			// Escape the run and the quote itself.
			writeBackslashes(b, backslashes*2+1)
		default:
			writeBackslashes(b, backslashes)
		}
		backslashes = 0
		b.WriteByte(c)
	}
	// A trailing run precedes the closing quote.
	writeBackslashes(b, backslashes*2)
	b.WriteByte('"')
}

func writeBackslashes(b *strings.Builder, n int) {
	for range n {
		b.WriteByte('\\')
	}
}

// Encode builds the command string for exe and args. The executable is
// always token zero and is quoted with the same rules as the arguments.
func Encode(exe string, args []string) string {
	var b strings.Builder
	appendQuoted(&b, exe)
	for _, arg := range args {
		b.WriteByte(' ')
		appendQuoted(&b, arg)
	}
	return b.String()
}

// Split parses a command string into its tokens.
func Split(cmd string) []string {
	var (
		args    []string
		cur     strings.Builder
		inToken bool
		quoted  bool
	)

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '\\':
			n := 0
			for i < len(cmd) && cmd[i] == '\\' {
				n++
				i++
			}
			inToken = true
			if i < len(cmd) && cmd[i] == '"' {
				writeBackslashes(&cur, n/2)
				if n%2 == 1 {
					cur.WriteByte('"')
				} else {
					quoted = !quoted
				}
			} else {
				writeBackslashes(&cur, n)
				i--
			}
		case c == '"':
			inToken = true
			quoted = !quoted
		case (c == ' ' || c == '\t') && !quoted:
			if inToken {
				args = append(args, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			inToken = true
			cur.WriteByte(c)
		}
	}
	if inToken {
		args = append(args, cur.String())
	}
	return args
}

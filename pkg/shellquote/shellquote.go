// Package shellquote renders command lines that can be pasted into bash or zsh.
package shellquote

import (
	"strings"
)

// safeChars never need quoting.
const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

// Quote returns s unchanged when it only holds safe characters,
// otherwise it wraps s in double quotes and escapes \ " $ and `.
func Quote(s string) string {
	if s == "" {
		return `""`
	}

	if strings.Trim(s, safeChars) == "" {
		return s
	}

	var b strings.Builder

	b.Grow(len(s) + 2) //nolint:mnd
	b.WriteByte('"')

	for _, r := range s {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}

	b.WriteByte('"')

	return b.String()
}

// Join renders bin and args as a single command line.
func Join(bin string, args []string) string {
	parts := make([]string, 0, 1+len(args))
	parts = append(parts, Quote(bin))

	for _, arg := range args {
		parts = append(parts, Quote(arg))
	}

	return strings.Join(parts, " ")
}

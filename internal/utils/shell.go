package utils

import "strings"

// ShellQuote quotes s for POSIX shells using single quotes.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

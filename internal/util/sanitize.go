package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// maxLogField bounds how much of a user-controlled value ends up in a log line.
const maxLogField = 512

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = controlChars.ReplaceAllString(s, " ")
	if len(s) > maxLogField {
		s = s[:maxLogField] + "..."
	}
	return s
}

// SanitizeLedgerField makes a value safe to embed in a " | " separated ledger
// line: control characters become spaces and the separator pipe is escaped.
func SanitizeLedgerField(s string) string {
	s = controlChars.ReplaceAllString(s, " ")
	return strings.ReplaceAll(s, "|", "%7C")
}

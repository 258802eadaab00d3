// Package wire implements the line-oriented chat protocol: colon-separated
// two-field messages and sentinel-delimited multi-line blocks.
package wire

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	// Separator divides the two fields of a single-line message.
	Separator = ":"

	// Delim is the sentinel line that opens and closes a multi-line block.
	Delim = "::"

	// MaxLineLen is the maximum outbound line length in characters.
	MaxLineLen = 1024
)

var (
	ErrLineTooLong       = errors.New("line exceeds maximum length (1024 chars)")
	ErrBlockUnterminated = errors.New("multi-line block not terminated")
	ErrMissingDelimiter  = errors.New("expected block delimiter")
)

// Split parses a two-field message. The payload keeps any further separators,
// matching how the server reads token:payload frames. ok is false when the
// line carries no separator at all (control tokens like REAUTH).
func Split(line string) (field0, field1 string, ok bool) {
	idx := strings.Index(line, Separator)
	if idx < 0 {
		return line, "", false
	}
	return line[:idx], line[idx+len(Separator):], true
}

// Format joins two fields into a single-line message.
func Format(field0, field1 string) string {
	return field0 + Separator + field1
}

// Sanitize strips the field separator and line breaks from free text so user
// input can never be mistaken for an extra field or an extra line. Clients
// apply this before sending.
func Sanitize(text string) string {
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.ReplaceAll(text, Separator, "")
}

// lineLen counts characters, not bytes.
func lineLen(line string) int {
	return utf8.RuneCountInString(line)
}

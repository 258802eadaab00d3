package wire

import (
	"io"
	"strings"
	"sync"
)

// Writer serializes line writes to a single outbound stream. Every line is
// written with exactly one Write call so concurrent senders can never
// interleave partial lines, and a whole block goes out under one lock hold.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w in a write-serialized line writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine sends a single line. Lines over MaxLineLen are rejected locally
// with ErrLineTooLong and nothing is transmitted.
func (w *Writer) WriteLine(line string) error {
	if lineLen(line) > MaxLineLen {
		return ErrLineTooLong
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, line+"\n")
	return err
}

// WriteBlock sends lines as one delimited multi-line block. The opening
// delimiter, content and closing delimiter are written under a single lock
// hold so another sender cannot split the block. An empty slice produces an
// immediately-repeated delimiter, which decodes back to an empty block.
func (w *Writer) WriteBlock(lines []string) error {
	for _, line := range lines {
		if lineLen(line) > MaxLineLen {
			return ErrLineTooLong
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var sb strings.Builder
	sb.WriteString(Delim + "\n")
	for _, line := range lines {
		sb.WriteString(line + "\n")
	}
	sb.WriteString(Delim + "\n")

	_, err := io.WriteString(w.w, sb.String())
	return err
}

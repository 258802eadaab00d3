package wire

import (
	"bufio"
	"io"
	"strings"
)

// Reader reads protocol lines and multi-line blocks from an inbound stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r in a buffered line reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadLine reads one line, stripping the trailing newline and any carriage
// return. io.EOF is returned once the stream is exhausted.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			// Final line without a trailing newline still counts.
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadBlock reads a delimited multi-line block: a Delim line, zero or more
// content lines, and a closing Delim line. An immediately-repeated delimiter
// yields an empty block. ErrMissingDelimiter is returned when the stream does
// not open with the sentinel.
func (r *Reader) ReadBlock() ([]string, error) {
	first, err := r.ReadLine()
	if err != nil {
		return nil, err
	}
	if first != Delim {
		return nil, ErrMissingDelimiter
	}

	lines := []string{}
	for {
		line, err := r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil, ErrBlockUnterminated
			}
			return nil, err
		}
		if line == Delim {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// ReadMessage reads either a single line or a whole block. A block is
// returned as its content lines joined with newlines, matching how clients
// render multi-line server messages.
func (r *Reader) ReadMessage() (string, error) {
	line, err := r.ReadLine()
	if err != nil {
		return "", err
	}
	if line != Delim {
		return line, nil
	}

	var sb strings.Builder
	for {
		line, err := r.ReadLine()
		if err != nil {
			if err == io.EOF {
				return "", ErrBlockUnterminated
			}
			return "", err
		}
		if line == Delim {
			return sb.String(), nil
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

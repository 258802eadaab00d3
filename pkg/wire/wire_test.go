package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		field0 string
		field1 string
		ok     bool
	}{
		{
			name:   "token and payload",
			line:   "abc123:hello",
			field0: "abc123",
			field1: "hello",
			ok:     true,
		},
		{
			name:   "payload keeps further separators",
			line:   "abc123:see: here",
			field0: "abc123",
			field1: "see: here",
			ok:     true,
		},
		{
			name:   "empty payload",
			line:   "abc123:",
			field0: "abc123",
			field1: "",
			ok:     true,
		},
		{
			name:   "control token without separator",
			line:   "REAUTH",
			field0: "REAUTH",
			field1: "",
			ok:     false,
		},
		{
			name:   "empty line",
			line:   "",
			field0: "",
			field1: "",
			ok:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f0, f1, ok := Split(tt.line)
			assert.Equal(t, tt.field0, f0)
			assert.Equal(t, tt.field1, f1)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestFormatSanitize(t *testing.T) {
	assert.Equal(t, "tok:hi", Format("tok", "hi"))
	assert.Equal(t, "note that", Sanitize("note: that"))
	assert.Equal(t, "two words", Sanitize("two\r\nwords"))
	assert.Equal(t, "plain", Sanitize("plain"))
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteLine("hello"))
	assert.Equal(t, "hello\n", buf.String())
}

func TestWriteLineTooLong(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	err := w.WriteLine(strings.Repeat("x", MaxLineLen+1))
	require.ErrorIs(t, err, ErrLineTooLong)
	// Nothing reaches the stream on a local send error.
	assert.Zero(t, buf.Len())
}

func TestWriteLineLengthIsRunes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	// 1024 multi-byte runes is still within the cap.
	require.NoError(t, w.WriteLine(strings.Repeat("é", MaxLineLen)))
}

func TestWriteBlockEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteBlock(nil))
	assert.Equal(t, Delim+"\n"+Delim+"\n", buf.String())
}

func TestReadBlock(t *testing.T) {
	r := NewReader(strings.NewReader("::\na\nb\n::\n"))

	lines, err := r.ReadBlock()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
}

func TestReadBlockMissingDelimiter(t *testing.T) {
	r := NewReader(strings.NewReader("not a block\n"))

	_, err := r.ReadBlock()
	require.ErrorIs(t, err, ErrMissingDelimiter)
}

func TestReadBlockUnterminated(t *testing.T) {
	r := NewReader(strings.NewReader("::\norphan\n"))

	_, err := r.ReadBlock()
	require.ErrorIs(t, err, ErrBlockUnterminated)
}

func TestReadMessageSingleLine(t *testing.T) {
	r := NewReader(strings.NewReader("Token:abc\n"))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Token:abc", msg)
}

func TestReadMessageBlock(t *testing.T) {
	r := NewReader(strings.NewReader("::\nAvailable Rooms:\n1. General\n::\n"))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "Available Rooms:\n1. General\n", msg)
}

func TestReadLineCRLF(t *testing.T) {
	r := NewReader(strings.NewReader("hello\r\nworld\n"))

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "world", line)
}

package rts2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// -------------------------------------------------------------------------
// Wire Codec — newline-terminated UTF-8 text lines
// -------------------------------------------------------------------------
//
// Every message is a single line: TOKEN [PARAMS...]. Parameters are
// whitespace-split; string parameters may be double-quoted and keep the
// spaces inside the quotes. Response lines start with '+' (success) or
// '-' (error) followed by a decimal code and optional text. Anything
// else is a command or notification.

// Codec errors.
var (
	// ErrEmptyLine indicates a line with no tokens.
	ErrEmptyLine = errors.New("empty protocol line")

	// ErrUnterminatedQuote indicates a quoted parameter with no closing quote.
	ErrUnterminatedQuote = errors.New("unterminated quoted string")

	// ErrBadResponse indicates a malformed +/- response line.
	ErrBadResponse = errors.New("malformed response line")
)

// LineBuffer accumulates raw socket bytes and yields complete lines.
// A partial trailing line is retained across Feed calls. The buffer
// owns no other state.
type LineBuffer struct {
	buf []byte
}

// Feed appends p to the buffer and returns all complete lines found,
// without their terminating newline. Carriage returns preceding the
// newline are stripped. The final partial line, if any, stays buffered.
func (lb *LineBuffer) Feed(p []byte) []string {
	lb.buf = append(lb.buf, p...)

	var lines []string
	for {
		idx := -1
		for i, b := range lb.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := lb.buf[:idx]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		lb.buf = lb.buf[idx+1:]
	}
	return lines
}

// Pending returns the number of buffered bytes waiting for a newline.
func (lb *LineBuffer) Pending() int { return len(lb.buf) }

// SplitFields splits a protocol line into whitespace-separated fields.
// Double-quoted fields keep their inner spaces; the quotes themselves
// are stripped. Returns ErrUnterminatedQuote when a quote never closes.
func SplitFields(line string) ([]string, error) {
	var fields []string
	i := 0
	n := len(line)
	for i < n {
		// Skip inter-field whitespace.
		for i < n && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= n {
			break
		}
		if line[i] == '"' {
			j := strings.IndexByte(line[i+1:], '"')
			if j < 0 {
				return nil, fmt.Errorf("at offset %d: %w", i, ErrUnterminatedQuote)
			}
			fields = append(fields, line[i+1:i+1+j])
			i += j + 2
			continue
		}
		start := i
		for i < n && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		fields = append(fields, line[start:i])
	}
	if len(fields) == 0 {
		return nil, ErrEmptyLine
	}
	return fields, nil
}

// Quote renders s as a double-quoted protocol parameter.
func Quote(s string) string {
	return `"` + s + `"`
}

// IsResponse reports whether the line is a +/- response to an
// in-flight command.
func IsResponse(line string) bool {
	return len(line) > 0 && (line[0] == '+' || line[0] == '-')
}

// ParseResponse decodes a response line into (success, code, text).
// The grammar is "+<code> [text]" or "-<code> [text]".
func ParseResponse(line string) (bool, int, string, error) {
	if !IsResponse(line) {
		return false, 0, "", fmt.Errorf("%q: %w", line, ErrBadResponse)
	}
	ok := line[0] == '+'
	rest := line[1:]
	codeStr := rest
	text := ""
	if idx := strings.IndexByte(rest, ' '); idx >= 0 {
		codeStr = rest[:idx]
		text = strings.TrimSpace(rest[idx+1:])
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return false, 0, "", fmt.Errorf("%q: %w", line, ErrBadResponse)
	}
	return ok, code, text, nil
}

// FormatResponse renders a response line for the given status, code
// and text. The text is omitted when empty.
func FormatResponse(ok bool, code int, text string) string {
	sign := "+"
	if !ok {
		sign = "-"
	}
	if text == "" {
		return fmt.Sprintf("%s%d", sign, code)
	}
	return fmt.Sprintf("%s%d %s", sign, code, text)
}

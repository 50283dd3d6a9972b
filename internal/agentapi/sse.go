package agentapi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxEventSize bounds the bytes of one event, field names and line endings
// included.
const MaxEventSize = 64 * 1024

// SSEEvent is one Server-Sent Event.
type SSEEvent struct {
	// Type is the "event:" field; empty for the default event type.
	Type string
	// Data joins all "data:" lines of the event with newlines.
	Data string
}

// SSEScanner reads Server-Sent Events from a reader. Events end at a blank
// line; comment lines and unknown fields are ignored.
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
}

// NewSSEScanner creates a scanner over r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at EOF or on error;
// Err tells them apart.
func (s *SSEScanner) Next() bool {
	if s.err != nil {
		return false
	}
	s.current = SSEEvent{}

	var data []string
	var eventType string
	hasData := false
	size := 0

	for {
		line, err := s.readLine(MaxEventSize - size)
		size += len(line)
		if errors.Is(err, errEventTooLarge) {
			s.err = fmt.Errorf("%w: event exceeds %d bytes", ErrMalformedChunk, MaxEventSize)
			return false
		}
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				s.current = SSEEvent{Type: eventType, Data: strings.Join(data, "\n")}
				return true
			}
			eventType = ""
			size = 0
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if !ok {
			field, value = line, ""
		} else {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			eventType = value
		}
	}
}

var errEventTooLarge = errors.New("sse event too large")

// readLine reads through the next newline, failing once more than limit
// bytes have been read.
func (s *SSEScanner) readLine(limit int) (string, error) {
	var b strings.Builder
	for {
		frag, err := s.reader.ReadSlice('\n')
		if b.Len()+len(frag) > limit {
			return "", errEventTooLarge
		}
		b.Write(frag)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return b.String(), err
		}
	}
}

// Event returns the event parsed by the last successful Next.
func (s *SSEScanner) Event() SSEEvent {
	return s.current
}

// Err returns the first non-EOF error.
func (s *SSEScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

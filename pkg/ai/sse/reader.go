// Package sse provides a minimal Server-Sent Events reader.
// It reads a stream of SSE lines and emits (event, data) pairs.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single SSE event.
type Event struct {
	Type  string // value of the "event:" field (may be empty)
	Data  string // value of the "data:" field(s), joined with "\n"
	ID    string // value of the last "id:" field, if any
	Retry string // value of the "retry:" field, if any (milliseconds)
}

// Reader reads SSE events from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB line limit
	return &Reader{scanner: sc}
}

// Next returns the next event. Returns (Event{}, io.EOF) at end of stream.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			// Blank line dispatches the accumulated event.
			if len(dataLines) > 0 || ev.Type != "" {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value, _ := strings.Cut(line, ":")
		// Per the SSE spec only a single leading space is stripped; the
		// rest of the value is payload.
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Type = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			ev.ID = value
		case "retry":
			ev.Retry = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(dataLines) > 0 || ev.Type != "" {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

package client

import (
	"bufio"
	"io"
	"iter"
	"strconv"
	"strings"
)

// Event is one server-sent event.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry int // milliseconds; zero when absent
}

// EventReader parses a text/event-stream body as it arrives.
type EventReader struct {
	sc   *bufio.Scanner
	resp *Response
}

// NewEventReader reads events from resp's body. It takes over the body.
func NewEventReader(resp *Response) *EventReader {
	resp.consumed.Store(true)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &EventReader{sc: sc, resp: resp}
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *EventReader) Next() (*Event, error) {
	ev := &Event{}
	var data []string
	seen := false
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if seen {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Event, seen = value, true
		case "data":
			data, seen = append(data, value), true
		case "id":
			ev.ID, seen = value, true
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				ev.Retry, seen = n, true
			}
		}
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	if seen {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return nil, io.EOF
}

// All iterates over the remaining events and closes the body at the end.
func (r *EventReader) All() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		defer r.Close()
		for {
			ev, err := r.Next()
			if err == io.EOF {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the response body.
func (r *EventReader) Close() error {
	return r.resp.Body.Close()
}

package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry time.Duration
}

// EventReader parses a text/event-stream incrementally. Lines may end in
// LF or CRLF; multi-line data fields are joined with LF.
type EventReader struct {
	reader   *bufio.Reader
	maxBytes int
	lastID   string
}

func NewEventReader(r io.Reader, maxBytes int) *EventReader {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &EventReader{reader: bufio.NewReader(r), maxBytes: maxBytes}
}

// LastEventID is the id of the most recent event that carried one.
func (r *EventReader) LastEventID() string {
	return r.lastID
}

// Ready reports whether a complete event carrying data is already buffered,
// so the next call to Next will not wait on the network.
func (r *EventReader) Ready() bool {
	n := r.reader.Buffered()
	if n == 0 {
		return false
	}
	peek, err := r.reader.Peek(n)
	if err != nil {
		return false
	}
	sawData := false
	for len(peek) > 0 {
		idx := bytes.IndexByte(peek, '\n')
		if idx < 0 {
			return false
		}
		line := bytes.TrimSuffix(peek[:idx], []byte("\r"))
		peek = peek[idx+1:]
		switch {
		case len(line) == 0 && sawData:
			return true
		case len(line) == 0:
		case bytes.HasPrefix(line, []byte("data")):
			sawData = true
		}
	}
	return false
}

// Next blocks until a complete event is available. Events without data are
// skipped, comments are ignored.
func (r *EventReader) Next() (Event, error) {
	var (
		data      strings.Builder
		hasData   bool
		eventType string
		eventID   string
		retry     time.Duration
		size      int
	)
	for {
		line, err := r.readLine()
		if err != nil {
			return Event{}, err
		}
		if len(line) == 0 {
			if !hasData {
				eventType, eventID, retry, size = "", "", 0, 0
				continue
			}
			if eventType == "" {
				eventType = "message"
			}
			out := strings.TrimSuffix(data.String(), "\n")
			return Event{ID: eventID, Type: eventType, Data: out, Retry: retry}, nil
		}
		size += len(line)
		if size > r.maxBytes {
			return Event{}, fmt.Errorf("transport: event exceeds %d bytes", r.maxBytes)
		}
		if line[0] == ':' {
			continue
		}

		field, value := line, []byte(nil)
		if idx := bytes.IndexByte(line, ':'); idx >= 0 {
			field, value = line[:idx], line[idx+1:]
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		switch string(field) {
		case "data":
			data.Write(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			eventType = string(value)
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				eventID = string(value)
				r.lastID = eventID
			}
		case "retry":
			if ms, err := strconv.Atoi(string(value)); err == nil && ms >= 0 {
				retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

func (r *EventReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > r.maxBytes {
			return nil, fmt.Errorf("transport: event line exceeds %d bytes", r.maxBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		return line, nil
	}
}

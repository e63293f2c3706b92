// Package sse reads and writes text/event-stream framing.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	ContentType = "text/event-stream"

	// DoneData is the OpenAI stream terminator payload.
	DoneData = "[DONE]"

	maxLineSize = 4 * 1024 * 1024
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Done reports whether the event is the OpenAI "[DONE]" sentinel.
func (e Event) Done() bool {
	return string(bytes.TrimSpace(e.Data)) == DoneData
}

// Reader splits an event stream into events. Comment lines are skipped and
// multi-line data fields are joined with "\n".
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event or io.EOF. A stream that ends without a
// trailing blank line still dispatches its last event.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			if hasData || ev.Name != "" {
				ev.Data = bytes.Join(data, []byte("\n"))
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
			ev.Name = value
		case "data":
			data = append(data, []byte(value))
			hasData = true
		default:
			// Some upstreams (Gemini without alt=sse) emit bare JSON lines.
			if strings.HasPrefix(strings.TrimSpace(line), "{") {
				return Event{Data: []byte(line)}, nil
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}

	if hasData || ev.Name != "" {
		ev.Data = bytes.Join(data, []byte("\n"))
		return ev, nil
	}

	return Event{}, io.EOF
}

// Format renders a named event with a JSON payload.
func Format(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", name, err)
	}

	var buf bytes.Buffer
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	return buf.Bytes(), nil
}

// Writer writes events to an HTTP response and flushes after each one.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	written int64
}

func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent writes one JSON event and flushes.
func (w *Writer) WriteEvent(name string, payload any) error {
	frame, err := Format(name, payload)
	if err != nil {
		return err
	}
	return w.WriteRaw(frame)
}

// WriteDone writes the OpenAI terminator.
func (w *Writer) WriteDone() error {
	return w.WriteRaw([]byte("data: " + DoneData + "\n\n"))
}

// WriteRaw writes a pre-framed chunk and flushes.
func (w *Writer) WriteRaw(frame []byte) error {
	n, err := w.w.Write(frame)
	w.written += int64(n)
	if err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Written is the number of bytes written so far.
func (w *Writer) Written() int64 { return w.written }

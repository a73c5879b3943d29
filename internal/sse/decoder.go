// Package sse decodes server-sent event streams as emitted by the
// WisdomPrompt backend: "event:"/"data:" line pairs terminated by a blank
// line, with optional "id:" sequence numbers and ":" keepalive comments.
package sse

import (
	"bytes"
	"strconv"
)

// Event is one decoded record. Data holds the raw payload bytes; JSON
// decoding is left to the consumer so a malformed payload can drop a single
// record without disturbing the rest of the stream.
type Event struct {
	ID   int
	Name string
	Data []byte
}

// Decoder is a push-driven incremental decoder. Bytes arrive in arbitrary
// chunks; the decoder buffers the trailing incomplete line between calls.
// Buffering happens at the byte level and lines split on '\n' only, so
// multi-byte UTF-8 sequences straddling a chunk boundary are never torn.
type Decoder struct {
	buf []byte

	id      int
	name    string
	data    []byte
	hasData bool
}

// Feed appends p to the pending buffer and returns every event completed by
// it, in stream order.
func (d *Decoder) Feed(p []byte) []Event {
	if len(p) == 0 {
		return nil
	}
	d.buf = append(d.buf, p...)

	var events []Event
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			break
		}
		line := d.buf[:nl]
		d.buf = d.buf[nl+1:]
		if ev, ok := d.line(line); ok {
			events = append(events, ev)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// line consumes one complete line and reports whether it terminated a record.
func (d *Decoder) line(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})

	switch {
	case len(line) == 0:
		if d.name != "" && d.hasData {
			ev := Event{ID: d.id, Name: d.name, Data: d.data}
			d.id = 0
			d.name = ""
			d.data = nil
			d.hasData = false
			return ev, true
		}
		// Incomplete record at a terminator is discarded.
		d.id = 0
		d.name = ""
		d.data = nil
		d.hasData = false
		return Event{}, false

	case bytes.HasPrefix(line, []byte("event:")):
		d.name = string(bytes.TrimSpace(line[len("event:"):]))

	case bytes.HasPrefix(line, []byte("data:")):
		payload := line[len("data:"):]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		d.data = append([]byte(nil), payload...)
		d.hasData = true

	case bytes.HasPrefix(line, []byte("id:")):
		if n, err := strconv.Atoi(string(bytes.TrimSpace(line[len("id:"):]))); err == nil {
			d.id = n
		}

	case line[0] == ':':
		// Comment line, used by the runs backend as a keepalive.

	default:
		// Unknown field, ignored for forward compatibility.
	}
	return Event{}, false
}

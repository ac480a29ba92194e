package event

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLSink writes every event as one JSON object per line. Each object
// starts with "event" and "timestamp" followed by the event's payload.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewJSONLSink creates a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

// Attach subscribes the sink to all events on bus and returns the
// subscription ID.
func (s *JSONLSink) Attach(bus *Bus) string {
	return bus.SubscribeAll(s.Handle)
}

// Handle encodes e. The first write error is kept and later events dropped.
func (s *JSONLSink) Handle(e Event) {
	line, err := Encode(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if err != nil {
		s.err = err
		return
	}
	if _, err := s.w.Write(line); err != nil {
		s.err = err
	}
}

// Err returns the first error the sink hit.
func (s *JSONLSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Encode renders e as a newline-terminated JSON object.
func Encode(e Event) ([]byte, error) {
	head, err := json.Marshal(struct {
		Event     string `json:"event"`
		Timestamp string `json:"timestamp"`
	}{e.EventType(), e.Timestamp().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(head[:len(head)-1])
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

package agentloop

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// doneSentinel terminates an SSE stream, matching the Chat Completions
// convention so existing client parsers need no changes.
const doneSentinel = "[DONE]"

// SSEWriter frames stream events as Server-Sent Events. Writes are
// serialized, so one writer may be shared by the event relay and a
// heartbeat.
type SSEWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush func()
}

// NewSSEWriter wraps w. When w implements http.Flusher each event is flushed
// immediately; buffering an event stream defeats it.
func NewSSEWriter(w io.Writer) *SSEWriter {
	writer := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		writer.flush = f.Flush
	}
	return writer
}

// WriteEvent frames one event as a data line.
func (s *SSEWriter) WriteEvent(event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling stream event: %w", err)
	}
	return s.writeData(string(payload))
}

// WriteDone terminates the stream with the [DONE] sentinel.
func (s *SSEWriter) WriteDone() error {
	return s.writeData(doneSentinel)
}

func (s *SSEWriter) writeData(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("writing SSE frame: %w", err)
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}

// ServeSSE relays a run's event stream to an HTTP response as Server-Sent
// Events, terminated by the [DONE] sentinel. It drains the run to
// completion, so it also unblocks Run.Result for the caller.
func ServeSSE(w http.ResponseWriter, run *Run) error {
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	writer := NewSSEWriter(w)
	for event := range run.Events() {
		if err := writer.WriteEvent(event); err != nil {
			// The client went away; keep draining so the run can finish.
			for range run.Events() {
			}
			return err
		}
	}
	return writer.WriteDone()
}

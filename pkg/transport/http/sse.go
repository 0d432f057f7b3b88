package http

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writerState tracks the SSE writer lifecycle so error handling can tell
// whether headers already went out.
type writerState int

const (
	writerIdle writerState = iota
	writerStreaming
	writerCompleted
)

// sseWriter emits server-sent events in the Anthropic framing: a named
// event line followed by a JSON data line. Headers are written lazily on
// the first event so a pre-stream failure can still produce a plain JSON
// error response.
type sseWriter struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	state writerState
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// writeEvent marshals payload and emits one named event, flushing after
// the write so the client sees it immediately.
func (s *sseWriter) writeEvent(name string, payload any) error {
	if s.state == writerCompleted {
		return fmt.Errorf("write after stream completed")
	}
	if s.state == writerIdle {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.state = writerStreaming
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// complete marks the stream finished. No further events may be written.
func (s *sseWriter) complete() {
	s.state = writerCompleted
}

// started reports whether any event has been written yet.
func (s *sseWriter) started() bool {
	return s.state != writerIdle
}

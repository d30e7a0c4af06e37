package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// SSEWriter writes JSON values as server-sent events.
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for an event stream: it sets the SSE headers and
// writes the status line. It fails if w cannot be flushed.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("protocol: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send marshals v and writes it as one "data:" event.
func (s *SSEWriter) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("protocol: write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// SSEScanner reads the data payloads of a server-sent event stream.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    []byte
	err     error
}

// NewSSEScanner creates a scanner over r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: scanner}
}

// Scan advances to the next event carrying data.
func (s *SSEScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			s.data = bytes.TrimPrefix(payload, []byte(" "))
			return true
		}
	}
	s.err = s.scanner.Err()
	return false
}

// Data returns the payload of the current event. It is only valid until the
// next call to Scan.
func (s *SSEScanner) Data() []byte { return s.data }

// Err returns the first non-EOF read error.
func (s *SSEScanner) Err() error { return s.err }

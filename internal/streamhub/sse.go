package streamhub

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/modelgrid/modelgrid/pkg/types"
)

var sseBufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// SSEWriter frames stream chunks as server-sent events over an HTTP
// response, flushing after every event.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares the response for SSE and returns the writer, or
// an error when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteChunk sends one chunk as a data event.
func (s *SSEWriter) WriteChunk(chunk *types.Chunk) error {
	buf := sseBufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		sseBufferPool.Put(buf)
	}()

	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment sends an SSE comment, used as a keep-alive.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done sends the terminal marker.
func (s *SSEWriter) Done() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

package modelgrid

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/modelgrid/modelgrid/internal/streamhub"
	gwerrors "github.com/modelgrid/modelgrid/pkg/errors"
)

// handleCompleteStream serves a completion as server-sent events. The
// terminal marker is sent after the final chunk; mid-stream backend
// failures surface as an error event before the connection closes.
func (s *Server) handleCompleteStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	chunks, err := s.gw.CompleteStream(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := streamhub.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, gwerrors.Internal("streaming unsupported", err))
		return
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			errChunk := *chunk
			errChunk.Delta = chunk.Err.Error()
			errChunk.FinishReason = "error"
			sse.WriteChunk(&errChunk)
			return
		}
		if err := sse.WriteChunk(chunk); err != nil {
			// Client went away; the pipeline goroutine stops via context.
			return
		}
	}
	sse.Done()
}

// handleEvents upgrades to a websocket and hands the connection to the
// stream hub for subscribe/catchup handling.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(tenantHeader)
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant_id")
	}
	if tenantID == "" {
		s.writeError(w, r, gwerrors.BadRequest("tenant identity is required"))
		return
	}
	if _, err := s.gw.tenant(tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}

	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.gw.logger.Slog().Warn("websocket accept failed", "error", err)
		return
	}

	if err := s.gw.hub.HandleConnection(r.Context(), sock, tenantID); err != nil {
		if ge, ok := err.(*gwerrors.GatewayError); ok && ge.Kind == gwerrors.KindRateLimited {
			sock.Close(websocket.StatusPolicyViolation, "connection limit reached")
			return
		}
		sock.Close(websocket.StatusInternalError, "stream hub error")
	}
}

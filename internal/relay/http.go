package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
)

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details map[string]any   `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// writeError renders err as the structured polling error body. Internal
// errors are logged here and reach the client only as a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternalError {
		s.log.Error("polling request failed", "path", r.URL.Path, "err", err)
	}
	s.metrics.errors.WithLabelValues(string(code)).Inc()
	writeJSON(w, domain.HTTPStatus(code), errorBody{
		Error: errorDetail{
			Code:    code,
			Message: domain.PublicMessage(err),
			Details: domain.PublicDetails(err),
		},
	})
}

func (s *Server) handleTunnelInfo(w http.ResponseWriter, r *http.Request) {
	id := domain.TunnelID(strings.TrimSpace(r.PathValue("tunnel_id")))
	ws, ok := s.workstations.Get(id)
	if !ok {
		s.writeError(w, r, domain.ErrTunnelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnel_id":          ws.TunnelID,
		"workstation_online": ws.Online(),
	})
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func publicURL(base string, id domain.TunnelID) string {
	return strings.TrimRight(base, "/") + "/t/" + string(id)
}

package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

type pollRequest struct {
	TunnelID string          `json:"tunnel_id"`
	AuthKey  string          `json:"auth_key"`
	DeviceID string          `json:"device_id"`
	Message  json.RawMessage `json:"message,omitempty"`
}

type pollConnectResponse struct {
	Success           bool   `json:"success"`
	TunnelID          string `json:"tunnel_id"`
	WorkstationOnline bool   `json:"workstation_online"`
	WorkstationName   string `json:"workstation_name"`
}

type pollSuccess struct {
	Success bool `json:"success"`
}

type pollMessage struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type pollMessagesResponse struct {
	Success                 bool          `json:"success"`
	Messages                []pollMessage `json:"messages"`
	CurrentSequence         uint64        `json:"current_sequence"`
	OldestAvailableSequence uint64        `json:"oldest_available_sequence"`
	MayHaveMissedMessages   bool          `json:"may_have_missed_messages"`
	WorkstationOnline       bool          `json:"workstation_online"`
}

type pollStateResponse struct {
	Success           bool   `json:"success"`
	Connected         bool   `json:"connected"`
	WorkstationOnline bool   `json:"workstation_online"`
	WorkstationName   string `json:"workstation_name"`
	QueueSize         int    `json:"queue_size"`
	CurrentSequence   uint64 `json:"current_sequence"`
}

func (s *Server) pollingHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /poll/connect", s.handlePollConnect)
	mux.HandleFunc("POST /poll/command", s.handlePollCommand)
	mux.HandleFunc("GET /poll/messages", s.handlePollMessages)
	mux.HandleFunc("GET /poll/state", s.handlePollState)
	mux.HandleFunc("POST /poll/disconnect", s.handlePollDisconnect)
	return mux
}

func (s *Server) handlePollConnect(w http.ResponseWriter, r *http.Request) {
	s.metrics.polls.WithLabelValues("connect").Inc()
	req, err := s.decodePollBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.authorizeClient(req.TunnelID, req.AuthKey, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	device := domain.DeviceID(strings.TrimSpace(req.DeviceID))
	s.activatePolling(ws.TunnelID, device, true)

	writeJSON(w, http.StatusOK, pollConnectResponse{
		Success:           true,
		TunnelID:          string(ws.TunnelID),
		WorkstationOnline: ws.Online(),
		WorkstationName:   ws.Name,
	})
}

func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	s.metrics.polls.WithLabelValues("command").Inc()
	req, err := s.decodePollBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.authorizeClient(req.TunnelID, req.AuthKey, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Message) == 0 || string(req.Message) == "null" {
		s.writeError(w, r, domain.NewError(domain.CodeInvalidPayload, "message is required"))
		return
	}
	device := domain.DeviceID(strings.TrimSpace(req.DeviceID))
	s.activatePolling(ws.TunnelID, device, false)

	if err := s.deliverToWorkstation(ws.TunnelID, device, req.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pollSuccess{Success: true})
}

func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request) {
	s.metrics.polls.WithLabelValues("messages").Inc()
	req := pollQuery(r)
	since, err := parseSequence(r, "since")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ack, err := parseSequence(r, "ack")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.authorizeClient(req.TunnelID, req.AuthKey, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pc := s.activatePolling(ws.TunnelID, domain.DeviceID(strings.TrimSpace(req.DeviceID)), false)

	// A watermark ahead of the mailbox belongs to an earlier mailbox (relay
	// restart or expiry). Replay everything retained and flag the gap.
	reset := since > pc.Mailbox.CurrentSequence()
	if reset {
		since, ack = 0, 0
	}
	if ack > 0 {
		pc.Mailbox.Ack(ack)
	}
	batch := pc.Mailbox.Since(since)

	resp := pollMessagesResponse{
		Success:                 true,
		Messages:                make([]pollMessage, 0, len(batch.Messages)),
		CurrentSequence:         batch.CurrentSequence,
		OldestAvailableSequence: batch.OldestAvailableSequence,
		MayHaveMissedMessages:   batch.MayHaveMissedMessages || reset,
		WorkstationOnline:       ws.Online(),
	}
	for _, e := range batch.Messages {
		resp.Messages = append(resp.Messages, pollMessage{
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp.UnixMilli(),
			Data:      json.RawMessage(e.Payload),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePollState(w http.ResponseWriter, r *http.Request) {
	s.metrics.polls.WithLabelValues("state").Inc()
	req := pollQuery(r)
	ws, err := s.authorizeClient(req.TunnelID, req.AuthKey, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pc := s.activatePolling(ws.TunnelID, domain.DeviceID(strings.TrimSpace(req.DeviceID)), false)
	writeJSON(w, http.StatusOK, pollStateResponse{
		Success:           true,
		Connected:         pc.Status == domain.PollingActive,
		WorkstationOnline: ws.Online(),
		WorkstationName:   ws.Name,
		QueueSize:         pc.Mailbox.Len(),
		CurrentSequence:   pc.Mailbox.CurrentSequence(),
	})
}

func (s *Server) handlePollDisconnect(w http.ResponseWriter, r *http.Request) {
	s.metrics.polls.WithLabelValues("disconnect").Inc()
	req, err := s.decodePollBody(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.authorizeClient(req.TunnelID, req.AuthKey, req.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	device := domain.DeviceID(strings.TrimSpace(req.DeviceID))
	if _, ok := s.polling.Remove(ws.TunnelID, device); ok {
		s.log.Info("polling client disconnected", "tunnel_id", ws.TunnelID, "device_id", device)
		s.notifyWorkstation(ws.TunnelID, tunnelproto.MustNew(tunnelproto.TypeClientDisconnected,
			tunnelproto.ClientDisconnectedPayload{DeviceID: string(device), TunnelID: string(ws.TunnelID)}))
	}
	writeJSON(w, http.StatusOK, pollSuccess{Success: true})
}

// activatePolling records a poll, creating the client on first sight so a
// polling client survives relay restarts without reconnecting. The
// workstation hears about new clients and explicit connects.
func (s *Server) activatePolling(tunnel domain.TunnelID, device domain.DeviceID, explicit bool) domain.PollingClient {
	pc, created := s.polling.Activate(tunnel, device)
	if created || explicit {
		s.log.Info("client connected", "tunnel_id", tunnel, "device_id", device, "transport", domain.TransportPolling)
		s.notifyWorkstation(tunnel, tunnelproto.MustNew(tunnelproto.TypeClientConnected,
			tunnelproto.ClientConnectedPayload{DeviceID: string(device), TunnelID: string(tunnel), Transport: domain.TransportPolling}))
	}
	return pc
}

func (s *Server) decodePollBody(w http.ResponseWriter, r *http.Request) (pollRequest, error) {
	limit := s.cfg.MaxFrameBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	var req pollRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, domain.NewError(domain.CodeInvalidPayload, "request body is required")
		}
		return req, domain.Errorf(domain.CodeInvalidPayload, err, "invalid request body")
	}
	return req, nil
}

func pollQuery(r *http.Request) pollRequest {
	q := r.URL.Query()
	return pollRequest{
		TunnelID: q.Get("tunnel_id"),
		AuthKey:  q.Get("auth_key"),
		DeviceID: q.Get("device_id"),
	}
}

func parseSequence(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.CodeInvalidPayload, err, "invalid %s", name)
	}
	return v, nil
}

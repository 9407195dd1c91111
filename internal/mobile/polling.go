package mobile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/netutil"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

const maxResponseBytes = 4 << 20

// ConnectInfo is the relay's answer to a polling connect.
type ConnectInfo struct {
	TunnelID          string `json:"tunnel_id"`
	WorkstationOnline bool   `json:"workstation_online"`
	WorkstationName   string `json:"workstation_name"`
}

// PolledMessage is one mailbox entry.
type PolledMessage struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Time returns the enqueue time of the message.
func (m PolledMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Message decodes the entry as an envelope.
func (m PolledMessage) Message() (tunnelproto.Message, error) {
	return tunnelproto.Decode(m.Data)
}

// PollResult is one /poll/messages response.
type PollResult struct {
	Messages                []PolledMessage `json:"messages"`
	CurrentSequence         uint64          `json:"current_sequence"`
	OldestAvailableSequence uint64          `json:"oldest_available_sequence"`
	MayHaveMissedMessages   bool            `json:"may_have_missed_messages"`
	WorkstationOnline       bool            `json:"workstation_online"`
}

// StateInfo is the relay's view of this polling client.
type StateInfo struct {
	Connected         bool   `json:"connected"`
	WorkstationOnline bool   `json:"workstation_online"`
	WorkstationName   string `json:"workstation_name"`
	QueueSize         int    `json:"queue_size"`
	CurrentSequence   uint64 `json:"current_sequence"`
}

// PollingClient talks to the relay's /poll endpoints. It remembers the last
// sequence it has seen and acknowledges it on the next poll.
type PollingClient struct {
	base  string
	creds Credentials
	http  *http.Client

	mu        sync.Mutex
	watermark uint64
}

// NewPollingClient creates a client for the relay at relayURL, which may use
// an http(s) or ws(s) scheme. A nil httpClient uses a client with
// DefaultTimeout.
func NewPollingClient(relayURL string, creds Credentials, httpClient *http.Client) (*PollingClient, error) {
	base, err := netutil.HTTPURL(relayURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &PollingClient{base: strings.TrimRight(base, "/"), creds: creds, http: httpClient}, nil
}

type pollBody struct {
	TunnelID string          `json:"tunnel_id"`
	AuthKey  string          `json:"auth_key"`
	DeviceID string          `json:"device_id"`
	Message  json.RawMessage `json:"message,omitempty"`
}

// Connect announces the device to the tunnel's workstation.
func (c *PollingClient) Connect(ctx context.Context) (ConnectInfo, error) {
	var out ConnectInfo
	err := c.post(ctx, "/poll/connect", nil, &out)
	return out, err
}

// Command sends msg to the workstation.
func (c *PollingClient) Command(ctx context.Context, msg tunnelproto.Message) error {
	if strings.TrimSpace(msg.Type) == "" {
		return tunnelproto.ErrMalformedEnvelope
	}
	raw, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return c.post(ctx, "/poll/command", raw, nil)
}

// Poll fetches everything after the remembered watermark and acknowledges
// it. A relay whose sequence is behind the watermark has lost the mailbox;
// the watermark restarts from its current state.
func (c *PollingClient) Poll(ctx context.Context) (PollResult, error) {
	c.mu.Lock()
	since := c.watermark
	c.mu.Unlock()

	res, err := c.PollSince(ctx, since, since)
	if err != nil {
		return res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if res.CurrentSequence < c.watermark {
		c.watermark = 0
	}
	for _, m := range res.Messages {
		if m.Sequence > c.watermark {
			c.watermark = m.Sequence
		}
	}
	return res, nil
}

// PollSince fetches messages after since and acknowledges up to ack without
// touching the remembered watermark.
func (c *PollingClient) PollSince(ctx context.Context, since, ack uint64) (PollResult, error) {
	q := c.query()
	if since > 0 {
		q.Set("since", strconv.FormatUint(since, 10))
	}
	if ack > 0 {
		q.Set("ack", strconv.FormatUint(ack, 10))
	}
	var out PollResult
	err := c.get(ctx, "/poll/messages", q, &out)
	return out, err
}

// Watermark returns the highest sequence seen by Poll.
func (c *PollingClient) Watermark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// State reports the relay's view of this client.
func (c *PollingClient) State(ctx context.Context) (StateInfo, error) {
	var out StateInfo
	err := c.get(ctx, "/poll/state", c.query(), &out)
	return out, err
}

// Disconnect tells the relay the device is leaving.
func (c *PollingClient) Disconnect(ctx context.Context) error {
	return c.post(ctx, "/poll/disconnect", nil, nil)
}

func (c *PollingClient) query() url.Values {
	return url.Values{
		"tunnel_id": {c.creds.TunnelID},
		"auth_key":  {c.creds.AuthKey},
		"device_id": {c.creds.DeviceID},
	}
}

func (c *PollingClient) post(ctx context.Context, path string, message json.RawMessage, out any) error {
	body, err := json.Marshal(pollBody{
		TunnelID: c.creds.TunnelID,
		AuthKey:  c.creds.AuthKey,
		DeviceID: c.creds.DeviceID,
		Message:  message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *PollingClient) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

type errorEnvelope struct {
	Error struct {
		Code    domain.ErrorCode `json:"code"`
		Message string           `json:"message"`
		Details map[string]any   `json:"details"`
	} `json:"error"`
}

func (c *PollingClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeHTTPError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// decodeHTTPError turns a structured error body into *domain.RelayError. A
// body without a code falls back to the status mapping.
func decodeHTTPError(status int, body []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return &domain.RelayError{Code: env.Error.Code, Message: env.Error.Message, Details: env.Error.Details}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &domain.RelayError{Code: domain.CodeFromHTTPStatus(status), Message: msg}
}

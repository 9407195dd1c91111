package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/tunnelproto"
)

type connRole int

const (
	roleUnknown connRole = iota
	roleWorkstation
	roleClient
)

func (r connRole) String() string {
	switch r {
	case roleWorkstation:
		return "workstation"
	case roleClient:
		return "client"
	}
	return "unknown"
}

const (
	connHighQueue = 64
	connLowQueue  = 256
)

// conn is the state record of one accepted websocket. It owns the socket
// and its write pump, and remembers which entity the socket speaks for.
type conn struct {
	id          string
	ws          *websocket.Conn
	pump        *tunnelproto.WritePump
	remoteIP    string
	baseURL     string
	connectedAt time.Time

	mu       sync.Mutex
	role     connRole
	tunnelID domain.TunnelID
	deviceID domain.DeviceID

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, remoteIP, baseURL string, now time.Time) *conn {
	return &conn{
		id:          uuid.NewString(),
		ws:          ws,
		pump:        tunnelproto.NewWritePump(ws, writeTimeout, connHighQueue, connLowQueue),
		remoteIP:    remoteIP,
		baseURL:     baseURL,
		connectedAt: now,
	}
}

func (c *conn) ID() string { return c.id }

// Send enqueues a data frame.
func (c *conn) Send(frame []byte) error {
	return c.pump.Enqueue(frame, false)
}

// SendMessage enqueues msg on the lane matching its type.
func (c *conn) SendMessage(msg tunnelproto.Message) error {
	frame, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return c.pump.Enqueue(frame, tunnelproto.IsControl(msg.Type))
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.pump.Close()
		err = c.ws.Close()
	})
	return err
}

// bind assigns the connection's role. A connection that already has a role
// cannot take another one.
func (c *conn) bind(role connRole, tunnel domain.TunnelID, device domain.DeviceID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != roleUnknown {
		return false
	}
	c.role = role
	c.tunnelID = tunnel
	c.deviceID = device
	return true
}

func (c *conn) unbind() {
	c.mu.Lock()
	c.role = roleUnknown
	c.tunnelID = ""
	c.deviceID = ""
	c.mu.Unlock()
}

func (c *conn) identity() (connRole, domain.TunnelID, domain.DeviceID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.tunnelID, c.deviceID
}

// messageSender is implemented by handles that can pick a write lane.
type messageSender interface {
	SendMessage(tunnelproto.Message) error
}

// deliver sends msg through h, preferring the priority lane when h supports
// it.
func deliver(h domain.ConnHandle, msg tunnelproto.Message) error {
	if h == nil {
		return domain.ErrWorkstationOffline
	}
	if ms, ok := h.(messageSender); ok {
		return ms.SendMessage(msg)
	}
	frame, err := tunnelproto.Encode(msg)
	if err != nil {
		return err
	}
	return h.Send(frame)
}

package workstation

import (
	"errors"
	"fmt"

	"github.com/koltyakov/deskrelay/internal/domain"
)

var (
	// ErrNotConnected is returned by sends while the tunnel is down.
	ErrNotConnected = errors.New("tunnel not connected")
	// ErrBufferFull is returned when the pre-registration send buffer is at
	// capacity.
	ErrBufferFull = errors.New("tunnel send buffer full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tunnel client closed")

	errRegistrationTimeout = errors.New("registration timed out")
	errPongTimeout         = errors.New("no pong within timeout")
)

// RegistrationError is a registration rejected by the relay.
type RegistrationError struct {
	Code    domain.ErrorCode
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration rejected: %s: %s", e.Code, e.Message)
}

// Fatal reports whether retrying cannot succeed without operator action.
// Bad credentials and malformed requests fail fast instead of
// reconnect-looping forever.
func (e *RegistrationError) Fatal() bool {
	switch e.Code {
	case domain.CodeInvalidAPIKey, domain.CodeInvalidPayload:
		return true
	}
	return false
}

func isFatal(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re) && re.Fatal()
}

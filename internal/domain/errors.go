package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the wire code carried by error frames and polling error bodies.
type ErrorCode string

// Wire error codes.
const (
	CodeInvalidAPIKey      ErrorCode = "INVALID_API_KEY"
	CodeInvalidAuthKey     ErrorCode = "INVALID_AUTH_KEY"
	CodeTunnelNotFound     ErrorCode = "TUNNEL_NOT_FOUND"
	CodeWorkstationOffline ErrorCode = "WORKSTATION_OFFLINE"
	CodeRegistrationFailed ErrorCode = "REGISTRATION_FAILED"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeTunnelIDExists     ErrorCode = "TUNNEL_ID_EXISTS"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidAPIKey means the workstation registration key did not match.
	ErrInvalidAPIKey = errors.New("invalid api key")

	// ErrInvalidAuthKey means a client presented the wrong auth key.
	ErrInvalidAuthKey = errors.New("invalid auth key")

	// ErrTunnelNotFound means no workstation is registered under the tunnel ID.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrWorkstationOffline means the tunnel exists but its workstation has no
	// live connection.
	ErrWorkstationOffline = errors.New("workstation offline")

	// ErrRegistrationFailed is returned when a registration could not complete.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrInvalidPayload covers malformed envelopes and invalid request fields.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrTunnelIDExists means the tunnel ID is held by another live entity.
	ErrTunnelIDExists = errors.New("tunnel id already in use")

	// ErrDeviceNotConnected means a targeted delivery named an unknown device.
	ErrDeviceNotConnected = errors.New("device not connected")
)

// RelayError is an error that carries a wire code and an optional set of
// details safe to show to the peer.
type RelayError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// NewError returns a RelayError with the given code and message.
func NewError(code ErrorCode, message string) *RelayError {
	return &RelayError{Code: code, Message: message}
}

// Errorf wraps err with a wire code and a formatted message.
func Errorf(code ErrorCode, err error, format string, args ...any) *RelayError {
	return &RelayError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *RelayError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidAPIKey, CodeInvalidAPIKey},
	{ErrInvalidAuthKey, CodeInvalidAuthKey},
	{ErrTunnelNotFound, CodeTunnelNotFound},
	{ErrWorkstationOffline, CodeWorkstationOffline},
	{ErrRegistrationFailed, CodeRegistrationFailed},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrTunnelIDExists, CodeTunnelIDExists},
	{ErrDeviceNotConnected, CodeInvalidPayload},
}

// CodeOf maps err to its wire code. Anything unrecognised is an internal error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *RelayError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeInternalError
}

// PublicMessage returns the text of err that may cross the wire. Internal
// errors are collapsed to a generic message.
func PublicMessage(err error) string {
	code := CodeOf(err)
	if code == CodeInternalError {
		return "internal error"
	}
	var re *RelayError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.err.Error()
		}
	}
	return err.Error()
}

// PublicDetails returns the peer-safe details of err, if any.
func PublicDetails(err error) map[string]any {
	var re *RelayError
	if errors.As(err, &re) && re.Code != CodeInternalError {
		return re.Details
	}
	return nil
}

// HTTPStatus maps a wire code to the HTTP status used by the polling surface.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeInvalidAPIKey, CodeInvalidAuthKey:
		return http.StatusUnauthorized
	case CodeTunnelNotFound:
		return http.StatusNotFound
	case CodeWorkstationOffline:
		return http.StatusServiceUnavailable
	case CodeInvalidPayload:
		return http.StatusBadRequest
	case CodeTunnelIDExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus is the inverse of [HTTPStatus] for bodies that carry no
// code of their own.
func CodeFromHTTPStatus(status int) ErrorCode {
	switch status {
	case http.StatusUnauthorized:
		return CodeInvalidAuthKey
	case http.StatusNotFound:
		return CodeTunnelNotFound
	case http.StatusServiceUnavailable:
		return CodeWorkstationOffline
	case http.StatusBadRequest:
		return CodeInvalidPayload
	case http.StatusConflict:
		return CodeTunnelIDExists
	default:
		return CodeInternalError
	}
}

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/muurk/netaudio/internal/protocol"
)

// ErrorType represents the category of error that occurred
type ErrorType int

const (
	// ErrTypeDeviceNotFound indicates an identity the registry does not know
	ErrTypeDeviceNotFound ErrorType = iota
	// ErrTypeChannelNotFound indicates a channel the device or registry does not have
	ErrTypeChannelNotFound
	// ErrTypeRejected indicates the device answered with a non-OK status
	ErrTypeRejected
	// ErrTypeTimedOut indicates no response arrived within the request timeout
	ErrTypeTimedOut
	// ErrTypeConnectionLost indicates the control connection closed under a request
	ErrTypeConnectionLost
	// ErrTypeDeviceLost indicates the device left the registry
	ErrTypeDeviceLost
	// ErrTypeProtocol indicates a response that could not be understood
	ErrTypeProtocol
	// ErrTypeNetwork indicates the connection could not be opened
	ErrTypeNetwork
	// ErrTypeInvalid indicates a request rejected before it was sent
	ErrTypeInvalid
)

// String returns a human-readable name for the error type
func (et ErrorType) String() string {
	switch et {
	case ErrTypeDeviceNotFound:
		return "Device Not Found"
	case ErrTypeChannelNotFound:
		return "Channel Not Found"
	case ErrTypeRejected:
		return "Rejected"
	case ErrTypeTimedOut:
		return "Timed Out"
	case ErrTypeConnectionLost:
		return "Connection Lost"
	case ErrTypeDeviceLost:
		return "Device Lost"
	case ErrTypeProtocol:
		return "Protocol Error"
	case ErrTypeNetwork:
		return "Network Error"
	case ErrTypeInvalid:
		return "Invalid Request"
	default:
		return fmt.Sprintf("ErrorType(%d)", et)
	}
}

// ControlError is returned by every control operation.
type ControlError struct {
	Type      ErrorType       // Category of error
	Message   string          // Human-readable error message
	Identity  string          // Device the request was for
	Status    protocol.Status // Device status, ErrTypeRejected and ErrTypeChannelNotFound only
	Err       error           // Underlying error (if any)
	Retryable bool            // Whether the client retries automatically
}

// Error implements the error interface
func (e *ControlError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(e.Type.String())
	}
	if e.Identity != "" {
		msg = fmt.Sprintf("%s: %s", e.Identity, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, msg)
}

// Unwrap returns the underlying error for error chain inspection
func (e *ControlError) Unwrap() error {
	return e.Err
}

// Is matches any ControlError of the same type, so the sentinels below work
// with errors.Is.
func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinels for errors.Is; they match every ControlError of their type.
var (
	ErrDeviceNotFound  = &ControlError{Type: ErrTypeDeviceNotFound}
	ErrChannelNotFound = &ControlError{Type: ErrTypeChannelNotFound}
	ErrRejected        = &ControlError{Type: ErrTypeRejected}
	ErrTimedOut        = &ControlError{Type: ErrTypeTimedOut}
	ErrConnectionLost  = &ControlError{Type: ErrTypeConnectionLost}
	ErrDeviceLost      = &ControlError{Type: ErrTypeDeviceLost}
	ErrProtocol        = &ControlError{Type: ErrTypeProtocol}
	ErrNetwork         = &ControlError{Type: ErrTypeNetwork}
	ErrInvalid         = &ControlError{Type: ErrTypeInvalid}
)

func newError(t ErrorType, identity, message string, err error) *ControlError {
	return &ControlError{
		Type:      t,
		Message:   message,
		Identity:  identity,
		Err:       err,
		Retryable: t == ErrTypeTimedOut,
	}
}

// statusError converts a non-OK response status.
func statusError(identity string, op protocol.Opcode, status protocol.Status) *ControlError {
	if status == protocol.StatusNoSuchChannel {
		return &ControlError{
			Type:     ErrTypeChannelNotFound,
			Message:  fmt.Sprintf("device has no such channel (%s)", op),
			Identity: identity,
			Status:   status,
		}
	}
	return &ControlError{
		Type:     ErrTypeRejected,
		Message:  fmt.Sprintf("%s rejected with status %s", op, status),
		Identity: identity,
		Status:   status,
	}
}

// ClassifyNetworkError wraps a dial or socket error.
func ClassifyNetworkError(err error, identity string) *ControlError {
	if err == nil {
		return nil
	}

	var ce *ControlError
	if errors.As(err, &ce) {
		return ce
	}

	if os.IsTimeout(err) {
		return newError(ErrTypeTimedOut, identity, "device did not respond in time", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return newError(ErrTypeNetwork, identity, "device refused connection", err)
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return newError(ErrTypeNetwork, identity, "host unreachable", err)
		case errors.Is(opErr.Err, syscall.ENETUNREACH):
			return newError(ErrTypeNetwork, identity, "network unreachable", err)
		}
	}

	return newError(ErrTypeNetwork, identity, "network error occurred", err)
}

func isType(err error, t ErrorType) bool {
	var ce *ControlError
	return errors.As(err, &ce) && ce.Type == t
}

// IsDeviceNotFound reports whether err is ErrTypeDeviceNotFound.
func IsDeviceNotFound(err error) bool { return isType(err, ErrTypeDeviceNotFound) }

// IsChannelNotFound reports whether err is ErrTypeChannelNotFound.
func IsChannelNotFound(err error) bool { return isType(err, ErrTypeChannelNotFound) }

// IsTimeout reports whether err is ErrTypeTimedOut.
func IsTimeout(err error) bool { return isType(err, ErrTypeTimedOut) }

// IsConnectionLost reports whether err is ErrTypeConnectionLost.
func IsConnectionLost(err error) bool { return isType(err, ErrTypeConnectionLost) }

// IsDeviceLost reports whether err is ErrTypeDeviceLost.
func IsDeviceLost(err error) bool { return isType(err, ErrTypeDeviceLost) }

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Hint returns troubleshooting advice for an error
func Hint(err error) string {
	var ce *ControlError
	if !errors.As(err, &ce) {
		return "An unexpected error occurred. Please try again."
	}

	switch ce.Type {
	case ErrTypeDeviceNotFound:
		return strings.Join([]string{
			"The device has not been discovered.",
			"Troubleshooting:",
			"  • Run 'netaudio-ctl list' to see discovered devices",
			"  • Check that multicast (UDP 5353) reaches this host",
			"  • Allow more time for discovery with --timeout",
		}, "\n")

	case ErrTypeChannelNotFound:
		return strings.Join([]string{
			"The channel does not exist on the device.",
			"Troubleshooting:",
			"  • Run 'netaudio-ctl channels <device>' to list channel names and numbers",
			"  • Channel names are case-sensitive",
		}, "\n")

	case ErrTypeTimedOut:
		return strings.Join([]string{
			"The device did not answer the control request.",
			"Troubleshooting:",
			"  • Check that the device is powered on and on this network",
			"  • Try --timeout with a larger value",
			"  • Set the device firmware in the config if it is older than 4.4",
		}, "\n")

	case ErrTypeConnectionLost, ErrTypeNetwork:
		return strings.Join([]string{
			"Communication with the device failed.",
			"Troubleshooting:",
			"  • Verify the device address with 'netaudio-ctl list'",
			"  • Check firewalls between this host and the device control port",
		}, "\n")

	case ErrTypeDeviceLost:
		return "The device stopped announcing itself while the request was in progress."

	case ErrTypeRejected:
		return fmt.Sprintf("The device rejected the request (status %s).", ce.Status)

	default:
		return "An error occurred. Please check the error message for details."
	}
}

// ShortMessage returns a concise, user-friendly error message
func ShortMessage(err error) string {
	var ce *ControlError
	if !errors.As(err, &ce) {
		return err.Error()
	}

	switch ce.Type {
	case ErrTypeDeviceNotFound:
		return fmt.Sprintf("Device %q not found", ce.Identity)
	case ErrTypeChannelNotFound:
		return "No such channel"
	case ErrTypeTimedOut:
		return "Device not responding (timeout)"
	case ErrTypeConnectionLost:
		return "Connection to device lost"
	case ErrTypeDeviceLost:
		return "Device disappeared from the network"
	case ErrTypeRejected:
		return fmt.Sprintf("Device rejected the request (status %s)", ce.Status)
	case ErrTypeNetwork:
		return "Network error - check connection"
	default:
		if ce.Message != "" {
			return ce.Message
		}
		return ce.Type.String()
	}
}

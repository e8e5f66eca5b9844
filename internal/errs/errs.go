// Package errs defines the proxy's error taxonomy: a small typed error
// with a Code field that call sites can switch on, mirroring the pattern
// used for metadata store errors but with codes named after this
// protocol's failure kinds instead of POSIX errno classes.
package errs

import "fmt"

// Code identifies the kind of failure, independent of the message text.
type Code int

const (
	// ErrParseError indicates the frame could not be parsed.
	ErrParseError Code = iota + 1
	// ErrCRCMismatch indicates the frame's embedded CRC did not match.
	ErrCRCMismatch
	// ErrSubframeInactive indicates an ID_SubD>0 replica frame; dropped silently.
	ErrSubframeInactive
	// ErrCloudConnectFailed indicates the cloud TCP connect attempt failed.
	ErrCloudConnectFailed
	// ErrCloudTimeout indicates a cloud read/write deadline was exceeded.
	ErrCloudTimeout
	// ErrCloudEOF indicates the cloud connection closed before any ACK bytes arrived.
	ErrCloudEOF
	// ErrCloudError indicates any other cloud I/O failure.
	ErrCloudError
	// ErrBusNotReady indicates the bus publisher is not connected.
	ErrBusNotReady
	// ErrBusPublishFailed indicates a bus publish call failed.
	ErrBusPublishFailed
	// ErrBoxNotConnected indicates no BOX connection is currently active.
	ErrBoxNotConnected
	// ErrBoxNotReady indicates the BOX connection has not been up long enough.
	ErrBoxNotReady
	// ErrBoxNotSendingData indicates no fresh BOX frame within the freshness window.
	ErrBoxNotSendingData
	// ErrDeviceIDUnknown indicates the device id has not yet been observed.
	ErrDeviceIDUnknown
	// ErrNotAllowed indicates a control request targets a non-whitelisted item.
	ErrNotAllowed
	// ErrBadValue indicates a control request's value failed normalization.
	ErrBadValue
	// ErrSendFailed indicates writing a Setting frame to the BOX failed.
	ErrSendFailed
	// ErrAckTimeout indicates the BOX did not acknowledge a Setting in time.
	ErrAckTimeout
	// ErrAppliedTimeout indicates a Setting was acknowledged but never observed applied.
	ErrAppliedTimeout
	// ErrSuperseded indicates a control transaction was replaced by a newer request.
	ErrSuperseded
	// ErrNoopAlreadySet indicates the requested value already matches cache.
	ErrNoopAlreadySet
	// ErrRestart indicates a transaction was re-published after a process restart.
	ErrRestart
)

// String returns the wire-level reason string for the code, as published
// in control results and logged error taxonomies.
func (c Code) String() string {
	switch c {
	case ErrParseError:
		return "parse_error"
	case ErrCRCMismatch:
		return "crc_mismatch"
	case ErrSubframeInactive:
		return "subframe_inactive"
	case ErrCloudConnectFailed:
		return "cloud_connect_failed"
	case ErrCloudTimeout:
		return "cloud_timeout"
	case ErrCloudEOF:
		return "cloud_eof"
	case ErrCloudError:
		return "cloud_error"
	case ErrBusNotReady:
		return "bus_not_ready"
	case ErrBusPublishFailed:
		return "bus_publish_failed"
	case ErrBoxNotConnected:
		return "box_not_connected"
	case ErrBoxNotReady:
		return "box_not_ready"
	case ErrBoxNotSendingData:
		return "box_not_sending_data"
	case ErrDeviceIDUnknown:
		return "device_id_unknown"
	case ErrNotAllowed:
		return "not_allowed"
	case ErrBadValue:
		return "bad_value"
	case ErrSendFailed:
		return "send_failed"
	case ErrAckTimeout:
		return "ack_timeout"
	case ErrAppliedTimeout:
		return "applied_timeout"
	case ErrSuperseded:
		return "superseded"
	case ErrNoopAlreadySet:
		return "noop_already_set"
	case ErrRestart:
		return "restart"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Error is a taxonomy-coded error. Message carries free-form detail;
// Code is what call sites branch on.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is an *Error carrying the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// CodeOf returns the code carried by err, or 0 if err is not an *Error.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return 0
}

package domain

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrDeviceCodeRequired  = errors.New("device code is required")
	ErrGroupIDRequired     = errors.New("group ID is required")
	ErrNoRegistersDefined  = errors.New("at least one register must be defined")
	ErrIntervalTooShort    = errors.New("polling interval is too short")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrInvalidAddress      = errors.New("invalid register address")
	ErrInvalidDataType     = errors.New("invalid data type")
	ErrInvalidRegisterType = errors.New("invalid register type")
)

// Category sentinels matched by the typed errors below through errors.Is.
var (
	ErrEncoding         = errors.New("encoding error")
	ErrProtocol         = errors.New("protocol error")
	ErrConnectionFailed = errors.New("connection failed")
)

// Connection and pool errors.
var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrPoolTimeout        = errors.New("timed out waiting for a pooled connection")
	ErrPoolClosed         = errors.New("connection pool closed")
	ErrPoolDegraded       = errors.New("connection pool degraded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device already registered with a different descriptor")
)

// Pipeline errors.
var (
	ErrQueueFull    = errors.New("acquisition queue full")
	ErrQueueClosed  = errors.New("acquisition queue closed")
	ErrWriteFailed  = errors.New("storage write failed")
	ErrBackupFailed = errors.New("backup write failed")
)

// Service errors.
var (
	ErrGroupNotFound   = errors.New("polling group not found")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrNotHandshake    = errors.New("group is not in handshake mode")
	ErrStopTimeout     = errors.New("timed out waiting for polling unit to stop")
	ErrServiceStopped  = errors.New("service has been stopped")
	ErrReloadFailed    = errors.New("configuration reload failed")
	ErrUnitFaulted     = errors.New("polling unit faulted")
	ErrTriggerNotReady = errors.New("trigger bit could not be read")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrUnknownCommand       = errors.New("unknown control command")
)

// EncodingError reports a request that cannot be expressed on the wire.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string { return "encoding: " + e.Reason }

// Unwrap lets errors.Is match ErrEncoding.
func (e *EncodingError) Unwrap() error { return ErrEncoding }

// ProtocolErrorKind classifies a bad response frame.
type ProtocolErrorKind int

const (
	ProtocolMalformed ProtocolErrorKind = iota
	ProtocolEndCode
	ProtocolLengthMismatch
	ProtocolChecksum
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ProtocolMalformed:
		return "malformed"
	case ProtocolEndCode:
		return "end_code"
	case ProtocolLengthMismatch:
		return "length_mismatch"
	case ProtocolChecksum:
		return "checksum"
	default:
		return "unknown"
	}
}

// ProtocolError reports a response frame that could not be accepted.
// Code carries the device end code for ProtocolEndCode.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Code   uint16
	Detail string
}

func (e *ProtocolError) Error() string {
	if e.Kind == ProtocolEndCode {
		return fmt.Sprintf("protocol: device end code 0x%04X", e.Code)
	}
	if e.Detail == "" {
		return "protocol: " + e.Kind.String()
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Detail)
}

// Unwrap lets errors.Is match ErrProtocol.
func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// ConnectErrorKind classifies a failed dial.
type ConnectErrorKind int

const (
	ConnectOther ConnectErrorKind = iota
	ConnectTimeout
	ConnectRefused
	ConnectUnreachable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectUnreachable:
		return "unreachable"
	default:
		return "other"
	}
}

// ConnectError reports a failed connection attempt.
type ConnectError struct {
	Kind    ConnectErrorKind
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is matches ErrConnectionFailed.
func (e *ConnectError) Is(target error) bool { return target == ErrConnectionFailed }

// WriteError reports a batch that could not be stored after all attempts.
type WriteError struct {
	Attempts int
	Records  int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write of %d records failed after %d attempts: %v", e.Records, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is matches ErrWriteFailed.
func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var pe *ProtocolError
	var ce *ConnectError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &pe):
		return "protocol_" + pe.Kind.String()
	case errors.As(err, &ce):
		return "connect_" + ce.Kind.String()
	case errors.Is(err, ErrEncoding):
		return "encoding"
	case errors.Is(err, ErrPoolTimeout):
		return "pool_timeout"
	case errors.Is(err, ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, ErrPoolDegraded):
		return "pool_degraded"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	default:
		return "other"
	}
}

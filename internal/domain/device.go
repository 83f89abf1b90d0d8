// Package domain contains the core acquisition entities and interfaces.
// They carry no transport or storage concerns.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ProtocolVariant selects the MC protocol frame used to talk to a device.
type ProtocolVariant string

const (
	// Variant3E is the QnA-compatible 3E frame in ASCII code.
	Variant3E ProtocolVariant = "3E"
	// Variant4C is the QnA-compatible 4C frame, format 4 (sum check, CR LF).
	Variant4C ProtocolVariant = "4C"
)

// DeviceStatus represents the connectivity of a device as seen by its pool.
type DeviceStatus string

const (
	DeviceStatusOnline   DeviceStatus = "online"
	DeviceStatusDegraded DeviceStatus = "degraded"
	DeviceStatusOffline  DeviceStatus = "offline"
)

// DeviceDescriptor identifies one PLC and how to reach it.
// It is immutable once loaded; a changed device is a new descriptor.
type DeviceDescriptor struct {
	// Code is the unique device code used by groups and records
	Code string `json:"code" yaml:"code"`

	// Host and Port of the PLC's MC protocol listener
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// Variant is the wire frame variant
	Variant ProtocolVariant `json:"variant" yaml:"variant"`

	// Network number (00 for the local network)
	Network uint8 `json:"network" yaml:"network"`

	// PC number (0xFF addresses the connected station)
	PC uint8 `json:"pc" yaml:"pc"`

	// ModuleIO is the request destination module I/O number (0x03FF for the CPU)
	ModuleIO uint16 `json:"module_io" yaml:"module_io"`

	// ModuleStation is the request destination module station number
	ModuleStation uint8 `json:"module_station" yaml:"module_station"`

	// Station is the 4C station number (unused by 3E)
	Station uint8 `json:"station" yaml:"station"`

	// Timeout applies to connect and to each request/response round trip
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Probe is the always-present register read by health checks
	Probe RegisterRequest `json:"probe" yaml:"probe"`

	// Enabled devices get a connection pool
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Address returns the host:port dial address.
func (d DeviceDescriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Validate checks the descriptor for completeness.
func (d DeviceDescriptor) Validate() error {
	if d.Code == "" {
		return ErrDeviceCodeRequired
	}
	if d.Host == "" {
		return fmt.Errorf("%w: device %s has no host", ErrInvalidConfig, d.Code)
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("%w: device %s has invalid port %d", ErrInvalidConfig, d.Code, d.Port)
	}
	switch d.Variant {
	case Variant3E, Variant4C:
	default:
		return fmt.Errorf("%w: device %s has unknown protocol variant %q", ErrInvalidConfig, d.Code, d.Variant)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("%w: device %s has no timeout", ErrInvalidConfig, d.Code)
	}
	if err := d.Probe.Validate(); err != nil {
		return fmt.Errorf("device %s probe register: %w", d.Code, err)
	}
	return nil
}

// Equal reports whether two descriptors describe the same connection.
func (d DeviceDescriptor) Equal(o DeviceDescriptor) bool {
	return d.Code == o.Code &&
		d.Host == o.Host &&
		d.Port == o.Port &&
		d.Variant == o.Variant &&
		d.Network == o.Network &&
		d.PC == o.PC &&
		d.ModuleIO == o.ModuleIO &&
		d.ModuleStation == o.ModuleStation &&
		d.Station == o.Station &&
		d.Timeout == o.Timeout &&
		d.Probe.Key() == o.Probe.Key() &&
		d.Enabled == o.Enabled
}

// DeviceHealth is the monitoring view of one device's connection pool.
type DeviceHealth struct {
	DeviceCode         string       `json:"device_code"`
	Status             DeviceStatus `json:"status"`
	PoolSize           int          `json:"pool_size"`
	Connected          int          `json:"connected"`
	Leased             int          `json:"leased"`
	CircuitBreakerOpen bool         `json:"circuit_breaker_open"`
	Degraded           bool         `json:"degraded"`
	LastError          string       `json:"last_error,omitempty"`
}

package domain

import (
	"fmt"
	"time"
)

// PollingMode selects how a group is scheduled.
type PollingMode string

const (
	ModeFixed     PollingMode = "fixed"
	ModeHandshake PollingMode = "handshake"
)

// Defaults applied by Normalize.
const (
	DefaultTriggerPollInterval = 100 * time.Millisecond
	DefaultDedupWindow         = time.Second
	MinFixedInterval           = 10 * time.Millisecond
)

// PollingGroupConfig defines one independently scheduled acquisition task.
// A running unit never observes changes to its config; reconfiguration goes
// through stop, replace, start.
type PollingGroupConfig struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	DeviceCode string            `json:"device_code" yaml:"device_code"`
	Registers  []RegisterRequest `json:"registers" yaml:"registers"`
	Mode       PollingMode       `json:"mode" yaml:"mode"`
	Priority   int               `json:"priority" yaml:"priority"`
	Enabled    bool              `json:"enabled" yaml:"enabled"`

	// Fixed mode
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// Handshake mode
	Trigger             RegisterRequest `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	TriggerPollInterval time.Duration   `json:"trigger_poll_interval,omitempty" yaml:"trigger_poll_interval,omitempty"`
	AutoResetTrigger    bool            `json:"auto_reset_trigger" yaml:"auto_reset_trigger"`
	DedupWindow         time.Duration   `json:"dedup_window,omitempty" yaml:"dedup_window,omitempty"`
}

// Normalize fills handshake defaults.
func (g *PollingGroupConfig) Normalize() {
	if g.Mode == ModeHandshake {
		if g.TriggerPollInterval <= 0 {
			g.TriggerPollInterval = DefaultTriggerPollInterval
		}
		if g.DedupWindow <= 0 {
			g.DedupWindow = DefaultDedupWindow
		}
	}
}

// Validate rejects configurations that could only fail at poll time.
func (g PollingGroupConfig) Validate() error {
	if g.ID == "" {
		return ErrGroupIDRequired
	}
	if g.DeviceCode == "" {
		return fmt.Errorf("%w: group %s has no device", ErrInvalidConfig, g.ID)
	}
	if len(g.Registers) == 0 {
		return fmt.Errorf("%w: group %s", ErrNoRegistersDefined, g.ID)
	}

	seen := make(map[string]struct{}, len(g.Registers))
	for _, r := range g.Registers {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
		for _, e := range r.Elements() {
			if _, dup := seen[e.Key()]; dup {
				return fmt.Errorf("%w: group %s lists %s twice", ErrInvalidConfig, g.ID, e.Key())
			}
			seen[e.Key()] = struct{}{}
		}
	}

	switch g.Mode {
	case ModeFixed:
		if g.Interval < MinFixedInterval {
			return fmt.Errorf("%w: group %s interval %s", ErrIntervalTooShort, g.ID, g.Interval)
		}
	case ModeHandshake:
		if err := g.Trigger.Validate(); err != nil {
			return fmt.Errorf("group %s trigger: %w", g.ID, err)
		}
		if g.Trigger.DataType != DataTypeBool {
			return fmt.Errorf("%w: group %s trigger must be a BOOL", ErrInvalidConfig, g.ID)
		}
		if g.TriggerPollInterval <= 0 || g.DedupWindow <= 0 {
			return fmt.Errorf("%w: group %s handshake timings must be positive", ErrInvalidConfig, g.ID)
		}
	default:
		return fmt.Errorf("%w: group %s has unknown mode %q", ErrInvalidConfig, g.ID, g.Mode)
	}
	return nil
}

// Keys returns the canonical address of every element the group reads.
func (g PollingGroupConfig) Keys() []string {
	keys := make([]string, 0, len(g.Registers))
	for _, r := range g.Registers {
		for _, e := range r.Elements() {
			keys = append(keys, e.Key())
		}
	}
	return keys
}

// ConfigSnapshot is one consistent read of the configuration source.
type ConfigSnapshot struct {
	Devices []DeviceDescriptor
	Groups  []PollingGroupConfig
}

// Device returns the descriptor with the given code.
func (s *ConfigSnapshot) Device(code string) (DeviceDescriptor, bool) {
	for _, d := range s.Devices {
		if d.Code == code {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}

// Validate checks every device and group, unique codes and ids, and that
// each group names a configured device. Groups are normalized on a copy.
func (s *ConfigSnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: empty configuration", ErrInvalidConfig)
	}
	devices := make(map[string]struct{}, len(s.Devices))
	for _, d := range s.Devices {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := devices[d.Code]; dup {
			return fmt.Errorf("%w: duplicate device code %s", ErrInvalidConfig, d.Code)
		}
		devices[d.Code] = struct{}{}
	}
	groups := make(map[string]struct{}, len(s.Groups))
	for _, g := range s.Groups {
		g.Normalize()
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("%w: duplicate group id %s", ErrInvalidConfig, g.ID)
		}
		groups[g.ID] = struct{}{}
		if _, ok := devices[g.DeviceCode]; !ok {
			return fmt.Errorf("%w: group %s references unknown device %s", ErrDeviceNotFound, g.ID, g.DeviceCode)
		}
	}
	return nil
}

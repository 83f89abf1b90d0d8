package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"gopkg.in/yaml.v3"
)

// Defaults applied to devices that leave the field out.
const (
	DefaultDeviceTimeout   = 5 * time.Second
	DefaultPC              = 0xFF
	DefaultModuleIO        = 0x03FF
	DefaultProbeRegister   = "D0"
	DefaultProtocolVariant = domain.Variant3E
)

// DeviceConfig represents the YAML structure for one PLC.
type DeviceConfig struct {
	Code          string `yaml:"code"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Variant       string `yaml:"variant,omitempty"`
	Network       int    `yaml:"network,omitempty"`
	PC            *int   `yaml:"pc,omitempty"`
	ModuleIO      *int   `yaml:"module_io,omitempty"`
	ModuleStation int    `yaml:"module_station,omitempty"`
	Station       int    `yaml:"station,omitempty"`
	Timeout       string `yaml:"timeout,omitempty"`
	Probe         string `yaml:"probe,omitempty"`
	Enabled       *bool  `yaml:"enabled,omitempty"`
}

// RegisterConfig represents one register entry in YAML. Address uses the
// PLC notation, e.g. "D100", "X1F" or "D200.3".
type RegisterConfig struct {
	Address  string  `yaml:"address"`
	Name     string  `yaml:"name,omitempty"`
	DataType string  `yaml:"data_type,omitempty"`
	Count    int     `yaml:"count,omitempty"`
	Scale    float64 `yaml:"scale,omitempty"`
	Offset   float64 `yaml:"offset,omitempty"`
}

// GroupConfig represents one polling group in YAML.
type GroupConfig struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name,omitempty"`
	Device    string           `yaml:"device"`
	Mode      string           `yaml:"mode"`
	Priority  int              `yaml:"priority,omitempty"`
	Enabled   *bool            `yaml:"enabled,omitempty"`
	Registers []RegisterConfig `yaml:"registers"`

	// Fixed mode
	Interval string `yaml:"interval,omitempty"`

	// Handshake mode
	Trigger             string `yaml:"trigger,omitempty"`
	TriggerPollInterval string `yaml:"trigger_poll_interval,omitempty"`
	AutoResetTrigger    bool   `yaml:"auto_reset_trigger,omitempty"`
	DedupWindow         string `yaml:"dedup_window,omitempty"`
}

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
	Groups  []GroupConfig  `yaml:"groups"`
}

// FileSource reads the devices file on every Load, so a reload picks up
// edits made since startup.
type FileSource struct {
	Path string
}

// Load implements domain.ConfigSource.
func (s FileSource) Load(ctx context.Context) (*domain.ConfigSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadSnapshot(s.Path)
}

// LoadSnapshot loads and validates devices and polling groups from a YAML
// file.
func LoadSnapshot(path string) (*domain.ConfigSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot converts the YAML document into a validated snapshot.
func ParseSnapshot(data []byte) (*domain.ConfigSnapshot, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	snapshot := &domain.ConfigSnapshot{
		Devices: make([]domain.DeviceDescriptor, 0, len(file.Devices)),
		Groups:  make([]domain.PollingGroupConfig, 0, len(file.Groups)),
	}

	for idx, dc := range file.Devices {
		device, err := convertDeviceConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("error in device %q (index %d): %w", dc.Code, idx, err)
		}
		snapshot.Devices = append(snapshot.Devices, device)
	}

	for idx, gc := range file.Groups {
		group, err := convertGroupConfig(gc)
		if err != nil {
			return nil, fmt.Errorf("error in group %q (index %d): %w", gc.ID, idx, err)
		}
		snapshot.Groups = append(snapshot.Groups, group)
	}

	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// convertDeviceConfig converts a DeviceConfig to a domain.DeviceDescriptor.
func convertDeviceConfig(dc DeviceConfig) (domain.DeviceDescriptor, error) {
	timeout, err := parseDuration(dc.Timeout, DefaultDeviceTimeout)
	if err != nil {
		return domain.DeviceDescriptor{}, fmt.Errorf("invalid timeout: %w", err)
	}

	probeAddr := dc.Probe
	if probeAddr == "" {
		probeAddr = DefaultProbeRegister
	}
	probe, err := domain.ParseRegister(probeAddr, "")
	if err != nil {
		return domain.DeviceDescriptor{}, fmt.Errorf("invalid probe register: %w", err)
	}

	variant := domain.ProtocolVariant(dc.Variant)
	if variant == "" {
		variant = DefaultProtocolVariant
	}

	pc := DefaultPC
	if dc.PC != nil {
		pc = *dc.PC
	}
	moduleIO := DefaultModuleIO
	if dc.ModuleIO != nil {
		moduleIO = *dc.ModuleIO
	}

	if err := inRange("network", dc.Network, 0xFF); err != nil {
		return domain.DeviceDescriptor{}, err
	}
	if err := inRange("pc", pc, 0xFF); err != nil {
		return domain.DeviceDescriptor{}, err
	}
	if err := inRange("module_io", moduleIO, 0xFFFF); err != nil {
		return domain.DeviceDescriptor{}, err
	}
	if err := inRange("module_station", dc.ModuleStation, 0xFF); err != nil {
		return domain.DeviceDescriptor{}, err
	}
	if err := inRange("station", dc.Station, 0xFF); err != nil {
		return domain.DeviceDescriptor{}, err
	}

	return domain.DeviceDescriptor{
		Code:          dc.Code,
		Host:          dc.Host,
		Port:          dc.Port,
		Variant:       variant,
		Network:       uint8(dc.Network),
		PC:            uint8(pc),
		ModuleIO:      uint16(moduleIO),
		ModuleStation: uint8(dc.ModuleStation),
		Station:       uint8(dc.Station),
		Timeout:       timeout,
		Probe:         probe,
		Enabled:       enabled(dc.Enabled),
	}, nil
}

// convertGroupConfig converts a GroupConfig to a domain.PollingGroupConfig.
func convertGroupConfig(gc GroupConfig) (domain.PollingGroupConfig, error) {
	group := domain.PollingGroupConfig{
		ID:               gc.ID,
		Name:             gc.Name,
		DeviceCode:       gc.Device,
		Mode:             domain.PollingMode(gc.Mode),
		Priority:         gc.Priority,
		Enabled:          enabled(gc.Enabled),
		AutoResetTrigger: gc.AutoResetTrigger,
		Registers:        make([]domain.RegisterRequest, 0, len(gc.Registers)),
	}
	if group.Mode == "" {
		group.Mode = domain.ModeFixed
	}

	for _, rc := range gc.Registers {
		reg, err := convertRegisterConfig(rc)
		if err != nil {
			return group, fmt.Errorf("register %s: %w", rc.Address, err)
		}
		group.Registers = append(group.Registers, reg)
	}

	var err error
	if group.Interval, err = parseDuration(gc.Interval, 0); err != nil {
		return group, fmt.Errorf("invalid interval: %w", err)
	}
	if group.TriggerPollInterval, err = parseDuration(gc.TriggerPollInterval, 0); err != nil {
		return group, fmt.Errorf("invalid trigger poll interval: %w", err)
	}
	if group.DedupWindow, err = parseDuration(gc.DedupWindow, 0); err != nil {
		return group, fmt.Errorf("invalid dedup window: %w", err)
	}

	if gc.Trigger != "" {
		if group.Trigger, err = domain.ParseRegister(gc.Trigger, domain.DataTypeBool); err != nil {
			return group, fmt.Errorf("invalid trigger: %w", err)
		}
	}

	group.Normalize()
	return group, nil
}

// convertRegisterConfig converts a RegisterConfig to a domain.RegisterRequest.
func convertRegisterConfig(rc RegisterConfig) (domain.RegisterRequest, error) {
	reg, err := domain.ParseRegister(rc.Address, domain.DataType(rc.DataType))
	if err != nil {
		return reg, err
	}
	reg.Name = rc.Name
	if rc.Count > 1 {
		reg.Count = rc.Count
	}
	reg.Scale = rc.Scale
	reg.Offset = rc.Offset
	return reg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func inRange(field string, v, limit int) error {
	if v < 0 || v > limit {
		return fmt.Errorf("%w: %s %d out of range 0..%d", domain.ErrInvalidConfig, field, v, limit)
	}
	return nil
}

package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// TestDeviceDescriptor_Validate verifies required connection fields.
func TestDeviceDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *domain.DeviceDescriptor)
		wantErr error
	}{
		{"valid", func(*domain.DeviceDescriptor) {}, nil},
		{"no code", func(d *domain.DeviceDescriptor) { d.Code = "" }, domain.ErrDeviceCodeRequired},
		{"no host", func(d *domain.DeviceDescriptor) { d.Host = "" }, domain.ErrInvalidConfig},
		{"bad port", func(d *domain.DeviceDescriptor) { d.Port = 70000 }, domain.ErrInvalidConfig},
		{"bad variant", func(d *domain.DeviceDescriptor) { d.Variant = "1E" }, domain.ErrInvalidConfig},
		{"no timeout", func(d *domain.DeviceDescriptor) { d.Timeout = 0 }, domain.ErrInvalidConfig},
		{"bad probe", func(d *domain.DeviceDescriptor) { d.Probe.DataType = "DOUBLE" }, domain.ErrInvalidDataType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDevice("PLC1")
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestDeviceDescriptor_Equal verifies change detection used by reload.
func TestDeviceDescriptor_Equal(t *testing.T) {
	a := testDevice("PLC1")
	b := testDevice("PLC1")
	if !a.Equal(b) {
		t.Error("expected identical descriptors to be equal")
	}
	b.Station = 3
	if a.Equal(b) {
		t.Error("expected station change to be detected")
	}
	c := testDevice("PLC1")
	c.Probe.Address = 10
	if a.Equal(c) {
		t.Error("expected probe change to be detected")
	}
	if a.Address() != "127.0.0.1:5000" {
		t.Errorf("expected 127.0.0.1:5000, got %s", a.Address())
	}
}

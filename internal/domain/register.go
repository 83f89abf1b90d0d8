package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RegisterType is an MC protocol device class (the "device code" on the wire).
type RegisterType string

const (
	RegisterD RegisterType = "D" // Data register, word
	RegisterW RegisterType = "W" // Link register, word, hex addressed
	RegisterR RegisterType = "R" // File register, word
	RegisterM RegisterType = "M" // Internal relay, bit
	RegisterX RegisterType = "X" // Input, bit, hex addressed
	RegisterY RegisterType = "Y" // Output, bit, hex addressed
	RegisterB RegisterType = "B" // Link relay, bit, hex addressed
	RegisterL RegisterType = "L" // Latch relay, bit
)

// Valid reports whether t is a supported register type.
func (t RegisterType) Valid() bool {
	switch t {
	case RegisterD, RegisterW, RegisterR, RegisterM, RegisterX, RegisterY, RegisterB, RegisterL:
		return true
	}
	return false
}

// IsBit reports whether the register type is bit addressed.
func (t RegisterType) IsBit() bool {
	switch t {
	case RegisterM, RegisterX, RegisterY, RegisterB, RegisterL:
		return true
	}
	return false
}

// HexAddressed reports whether device numbers are written in hexadecimal.
func (t RegisterType) HexAddressed() bool {
	switch t {
	case RegisterX, RegisterY, RegisterB, RegisterW:
		return true
	}
	return false
}

// FormatAddress renders a device number in the notation the PLC uses.
func (t RegisterType) FormatAddress(address int) string {
	if t.HexAddressed() {
		return string(t) + strings.ToUpper(strconv.FormatInt(int64(address), 16))
	}
	return string(t) + strconv.Itoa(address)
}

// DataType is the scalar interpretation of raw register words.
type DataType string

const (
	DataTypeInt16 DataType = "INT16"
	DataTypeInt32 DataType = "INT32"
	DataTypeFloat DataType = "FLOAT"
	DataTypeBool  DataType = "BOOL"
)

// Words returns how many 16-bit words one element of the type occupies.
func (d DataType) Words() int {
	switch d {
	case DataTypeInt32, DataTypeFloat:
		return 2
	default:
		return 1
	}
}

// Valid reports whether d is a supported data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeInt16, DataTypeInt32, DataTypeFloat, DataTypeBool:
		return true
	}
	return false
}

// RegisterRequest is one addressable value to read from a device.
type RegisterRequest struct {
	// Name is an optional human-readable label
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is the device class
	Type RegisterType `json:"type" yaml:"type"`

	// Address is the head device number
	Address int `json:"address" yaml:"address"`

	// Count is the number of consecutive elements (default 1)
	Count int `json:"count,omitempty" yaml:"count,omitempty"`

	// DataType is the scalar width and interpretation
	DataType DataType `json:"data_type" yaml:"data_type"`

	// Bit selects one bit of a word register for BOOL values
	Bit *uint8 `json:"bit,omitempty" yaml:"bit,omitempty"`

	// Scale and Offset are applied as value*Scale + Offset to numeric types
	Scale  float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

// Key returns the canonical address string, e.g. "D100", "X1F" or "D100.3".
func (r RegisterRequest) Key() string {
	key := r.Type.FormatAddress(r.Address)
	if r.Bit != nil {
		key += "." + strconv.Itoa(int(*r.Bit))
	}
	return key
}

// Points returns how many wire points (words, or bits for bit devices)
// a single element occupies.
func (r RegisterRequest) Points() int {
	if r.Type.IsBit() {
		return 1
	}
	return r.DataType.Words()
}

// ScaleFactor returns the multiplicative scale, treating zero as one.
func (r RegisterRequest) ScaleFactor() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Elements expands a request with Count > 1 into single-element requests
// at consecutive addresses.
func (r RegisterRequest) Elements() []RegisterRequest {
	if r.Count <= 1 {
		r.Count = 1
		return []RegisterRequest{r}
	}
	out := make([]RegisterRequest, 0, r.Count)
	step := r.Points()
	for i := 0; i < r.Count; i++ {
		e := r
		e.Count = 1
		e.Address = r.Address + i*step
		if r.Name != "" {
			e.Name = fmt.Sprintf("%s[%d]", r.Name, i)
		}
		out = append(out, e)
	}
	return out
}

// Validate checks that the request can be encoded.
func (r RegisterRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRegisterType, r.Type)
	}
	if r.Address < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, r.Key())
	}
	if r.Count < 0 {
		return fmt.Errorf("%w: negative count at %s", ErrInvalidAddress, r.Key())
	}
	if !r.DataType.Valid() {
		return fmt.Errorf("%w: %q at %s", ErrInvalidDataType, r.DataType, r.Key())
	}
	if r.Type.IsBit() && r.DataType != DataTypeBool {
		return fmt.Errorf("%w: bit device %s must be BOOL", ErrInvalidDataType, r.Key())
	}
	if r.Bit != nil {
		if r.Type.IsBit() || r.DataType != DataTypeBool {
			return fmt.Errorf("%w: bit index only applies to BOOL on word devices (%s)", ErrInvalidAddress, r.Key())
		}
		if *r.Bit > 15 {
			return fmt.Errorf("%w: bit index %d out of range", ErrInvalidAddress, *r.Bit)
		}
	}
	return nil
}

// ParseRegister parses an address string such as "D100", "X1F", "M8000"
// or "D100.3" into a request with the given data type.
func ParseRegister(s string, dataType DataType) (RegisterRequest, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return RegisterRequest{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	req := RegisterRequest{Type: RegisterType(s[:1]), Count: 1, DataType: dataType}
	if !req.Type.Valid() {
		return RegisterRequest{}, fmt.Errorf("%w: %q", ErrInvalidRegisterType, s[:1])
	}

	number := s[1:]
	if dot := strings.IndexByte(number, '.'); dot >= 0 {
		bit, err := strconv.ParseUint(number[dot+1:], 10, 8)
		if err != nil || bit > 15 {
			return RegisterRequest{}, fmt.Errorf("%w: bad bit index in %q", ErrInvalidAddress, s)
		}
		b := uint8(bit)
		req.Bit = &b
		number = number[:dot]
		if req.DataType == "" {
			req.DataType = DataTypeBool
		}
	}

	base := 10
	if req.Type.HexAddressed() {
		base = 16
	}
	addr, err := strconv.ParseInt(number, base, 32)
	if err != nil {
		return RegisterRequest{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	req.Address = int(addr)

	if req.DataType == "" {
		if req.Type.IsBit() {
			req.DataType = DataTypeBool
		} else {
			req.DataType = DataTypeInt16
		}
	}

	if err := req.Validate(); err != nil {
		return RegisterRequest{}, err
	}
	return req, nil
}

package melsec

import (
	"fmt"
	"math"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// DecodeScalar converts raw points into one typed value. Multi-word values
// are stored low word first, as the PLC lays them out in device memory.
func DecodeScalar(raw []uint16, req domain.RegisterRequest) (interface{}, error) {
	if len(raw) < req.Points() {
		return nil, &domain.ProtocolError{
			Kind:   domain.ProtocolLengthMismatch,
			Detail: fmt.Sprintf("%s needs %d points, got %d", req.Key(), req.Points(), len(raw)),
		}
	}

	var value interface{}
	switch req.DataType {
	case domain.DataTypeBool:
		if req.Type.IsBit() || req.Bit == nil {
			return raw[0] != 0, nil
		}
		return (raw[0]>>*req.Bit)&1 == 1, nil

	case domain.DataTypeInt16:
		value = int16(raw[0])

	case domain.DataTypeInt32:
		value = int32(uint32(raw[0]) | uint32(raw[1])<<16)

	case domain.DataTypeFloat:
		value = math.Float32frombits(uint32(raw[0]) | uint32(raw[1])<<16)

	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidDataType, req.DataType)
	}

	return applyScaling(value, req), nil
}

// applyScaling applies scale factor and offset to the value.
func applyScaling(value interface{}, req domain.RegisterRequest) interface{} {
	scale := req.ScaleFactor()
	if scale == 1.0 && req.Offset == 0 {
		return value
	}

	var floatVal float64
	switch v := value.(type) {
	case int16:
		floatVal = float64(v)
	case int32:
		floatVal = float64(v)
	case float32:
		floatVal = float64(v)
	default:
		return value
	}

	return floatVal*scale + req.Offset
}

// encodeBit returns the word with one bit set or cleared.
func encodeBit(word uint16, bit uint8, value bool) uint16 {
	if value {
		return word | 1<<bit
	}
	return word &^ (1 << bit)
}

package melsec_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

func device(variant domain.ProtocolVariant) domain.DeviceDescriptor {
	return domain.DeviceDescriptor{
		Code:     "PLC1",
		Host:     "127.0.0.1",
		Port:     5000,
		Variant:  variant,
		PC:       0xFF,
		ModuleIO: 0x03FF,
	}
}

func wordReq(t domain.RegisterType, addr int, dt domain.DataType) domain.RegisterRequest {
	return domain.RegisterRequest{Type: t, Address: addr, Count: 1, DataType: dt}
}

func span(t domain.RegisterType, start, count int) melsec.Span {
	return melsec.Span{Type: t, Start: start, Count: count}
}

// TestEncodeReadRequest_Fixtures checks exact request frames for both variants.
func TestEncodeReadRequest_Fixtures(t *testing.T) {
	tests := []struct {
		name    string
		variant domain.ProtocolVariant
		span    melsec.Span
		want    string
	}{
		{
			name:    "3E word read",
			variant: domain.Variant3E,
			span:    span(domain.RegisterD, 100, 3),
			want:    "500000FF03FF000018001004010000D*0001000003",
		},
		{
			name:    "3E bit read with hex address",
			variant: domain.Variant3E,
			span:    span(domain.RegisterX, 0x1F, 16),
			want:    "500000FF03FF000018001004010001X*00001F0010",
		},
		{
			name:    "4C word read",
			variant: domain.Variant4C,
			span:    span(domain.RegisterD, 100, 3),
			want:    "\x05F80000FF03FF000004010000D*000100000350\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := melsec.EncodeReadRequest(device(tt.variant), tt.span)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// TestEncodeReadRequest_Rejects covers spans that cannot be put on the wire.
func TestEncodeReadRequest_Rejects(t *testing.T) {
	mixed := span(domain.RegisterD, 0, 2)
	mixed.Requests = []domain.RegisterRequest{
		wordReq(domain.RegisterD, 0, domain.DataTypeInt16),
		wordReq(domain.RegisterW, 1, domain.DataTypeInt16),
	}

	tests := []struct {
		name string
		span melsec.Span
	}{
		{"mixed register types", mixed},
		{"zero count", span(domain.RegisterD, 0, 0)},
		{"too many words", span(domain.RegisterD, 0, melsec.MaxWordPoints+1)},
		{"too many bits", span(domain.RegisterM, 0, melsec.MaxBitPoints+1)},
		{"address out of range", span(domain.RegisterD, 999999, 2)},
		{"unknown type", span(domain.RegisterType("Q"), 0, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := melsec.EncodeReadRequest(device(domain.Variant3E), tt.span)
			var encErr *domain.EncodingError
			if !errors.As(err, &encErr) {
				t.Fatalf("expected EncodingError, got %v", err)
			}
			if !errors.Is(err, domain.ErrEncoding) {
				t.Errorf("expected errors.Is(err, ErrEncoding)")
			}
		})
	}

	if _, err := melsec.EncodeReadRequest(device(domain.Variant3E), span(domain.RegisterM, 0, melsec.MaxBitPoints)); err != nil {
		t.Errorf("expected %d bits to be accepted, got %v", melsec.MaxBitPoints, err)
	}
}

// TestCodec_RoundTrip encodes requests, decodes them as the device would,
// answers and decodes the answer again.
func TestCodec_RoundTrip(t *testing.T) {
	spans := []melsec.Span{
		span(domain.RegisterD, 0, 1),
		span(domain.RegisterD, 12345, 40),
		span(domain.RegisterW, 0x1A0, 8),
		span(domain.RegisterR, 7, melsec.MaxWordPoints),
		span(domain.RegisterM, 8000, 33),
		span(domain.RegisterX, 0x100, 16),
		span(domain.RegisterB, 0xFF, 1),
	}

	for _, variant := range []domain.ProtocolVariant{domain.Variant3E, domain.Variant4C} {
		for _, sp := range spans {
			t.Run(string(variant)+"/"+sp.Key(), func(t *testing.T) {
				frame, err := melsec.EncodeReadRequest(device(variant), sp)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				req, err := melsec.DecodeRequest(frame, variant)
				if err != nil {
					t.Fatalf("decode request: %v", err)
				}
				if req.Type != sp.Type || req.Address != sp.Start || req.Count != sp.Count {
					t.Fatalf("expected %s/%d/%d, got %s/%d/%d", sp.Type, sp.Start, sp.Count, req.Type, req.Address, req.Count)
				}
				if req.PC != 0xFF || req.ModuleIO != 0x03FF {
					t.Errorf("routing fields lost: pc=%X io=%X", req.PC, req.ModuleIO)
				}

				values := make([]uint16, sp.Count)
				for i := range values {
					if sp.Width() == melsec.WidthBit {
						values[i] = uint16(i % 2)
					} else {
						values[i] = uint16(i*257 + 1)
					}
				}
				resp := melsec.EncodeReadResponse(req, values)
				got, err := melsec.DecodeReadResponse(resp, variant, sp.Count, sp.Width())
				if err != nil {
					t.Fatalf("decode response: %v", err)
				}
				for i := range values {
					if got[i] != values[i] {
						t.Fatalf("point %d: expected %d, got %d", i, values[i], got[i])
					}
				}
			})
		}
	}
}

// TestDecodeReadResponse_Fixtures decodes hand-written response frames.
func TestDecodeReadResponse_Fixtures(t *testing.T) {
	got, err := melsec.DecodeReadResponse([]byte("D00000FF03FF00000C00000001FFFF"), domain.Variant3E, 2, melsec.WidthWord)
	if err != nil {
		t.Fatalf("3E: unexpected error: %v", err)
	}
	if got[0] != 1 || got[1] != 0xFFFF {
		t.Errorf("3E: expected [1 65535], got %v", got)
	}

	got, err = melsec.DecodeReadResponse([]byte("\x02F80000FF03FF000000010002\x03FF\r\n"), domain.Variant4C, 2, melsec.WidthWord)
	if err != nil {
		t.Fatalf("4C: unexpected error: %v", err)
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("4C: expected [1 2], got %v", got)
	}
}

// TestDecodeReadResponse_Errors checks the protocol error kinds.
func TestDecodeReadResponse_Errors(t *testing.T) {
	req3E := &melsec.Request{Variant: domain.Variant3E, PC: 0xFF, ModuleIO: 0x03FF, Command: "0401", Subcommand: "0000", Type: domain.RegisterD, Count: 3}
	req4C := &melsec.Request{Variant: domain.Variant4C, PC: 0xFF, ModuleIO: 0x03FF, Command: "0401", Subcommand: "0000", Type: domain.RegisterD, Count: 3}

	ok3E := melsec.EncodeReadResponse(req3E, []uint16{1, 2, 3})
	ok4C := melsec.EncodeReadResponse(req4C, []uint16{1, 2, 3})

	badSum := append([]byte(nil), ok4C...)
	n := len(badSum)
	if badSum[n-3] == '0' {
		badSum[n-3] = '1'
	} else {
		badSum[n-3] = '0'
	}

	tests := []struct {
		name     string
		variant  domain.ProtocolVariant
		frame    []byte
		count    int
		wantKind domain.ProtocolErrorKind
		wantCode uint16
	}{
		{"3E end code", domain.Variant3E, melsec.EncodeErrorResponse(req3E, 0xC059), 3, domain.ProtocolEndCode, 0xC059},
		{"3E fewer points than expected", domain.Variant3E, ok3E, 4, domain.ProtocolLengthMismatch, 0},
		{"3E declared length disagrees", domain.Variant3E, append(append([]byte(nil), ok3E...), '0'), 3, domain.ProtocolLengthMismatch, 0},
		{"3E bad subheader", domain.Variant3E, append([]byte("E000"), ok3E[4:]...), 3, domain.ProtocolMalformed, 0},
		{"3E truncated", domain.Variant3E, ok3E[:10], 3, domain.ProtocolMalformed, 0},
		{"4C error response", domain.Variant4C, melsec.EncodeErrorResponse(req4C, 0x0050), 3, domain.ProtocolEndCode, 0x0050},
		{"4C checksum", domain.Variant4C, badSum, 3, domain.ProtocolChecksum, 0},
		{"4C fewer points than expected", domain.Variant4C, ok4C, 2, domain.ProtocolLengthMismatch, 0},
		{"4C missing terminator", domain.Variant4C, ok4C[:len(ok4C)-2], 3, domain.ProtocolMalformed, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := melsec.DecodeReadResponse(tt.frame, tt.variant, tt.count, melsec.WidthWord)
			var pe *domain.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("expected kind %s, got %s (%v)", tt.wantKind, pe.Kind, err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("expected code 0x%04X, got 0x%04X", tt.wantCode, pe.Code)
			}
		})
	}
}

// TestEncodeWriteRequest_RoundTrip checks word and bit writes survive decoding.
func TestEncodeWriteRequest_RoundTrip(t *testing.T) {
	for _, variant := range []domain.ProtocolVariant{domain.Variant3E, domain.Variant4C} {
		frame, err := melsec.EncodeWriteRequest(device(variant), domain.RegisterM, 100, []uint16{1, 0, 1})
		if err != nil {
			t.Fatalf("%s: encode: %v", variant, err)
		}
		req, err := melsec.DecodeRequest(frame, variant)
		if err != nil {
			t.Fatalf("%s: decode: %v", variant, err)
		}
		if !req.IsWrite() || req.Width() != melsec.WidthBit || len(req.Data) != 3 || req.Data[0] != 1 || req.Data[1] != 0 {
			t.Errorf("%s: unexpected bit write %+v", variant, req)
		}
		if err := melsec.DecodeWriteResponse(melsec.EncodeWriteResponse(req), variant); err != nil {
			t.Errorf("%s: write response: %v", variant, err)
		}

		frame, err = melsec.EncodeWriteRequest(device(variant), domain.RegisterD, 5, []uint16{0xBEEF})
		if err != nil {
			t.Fatalf("%s: encode word: %v", variant, err)
		}
		req, err = melsec.DecodeRequest(frame, variant)
		if err != nil {
			t.Fatalf("%s: decode word: %v", variant, err)
		}
		if req.Width() != melsec.WidthWord || req.Data[0] != 0xBEEF {
			t.Errorf("%s: expected word 0xBEEF, got %+v", variant, req.Data)
		}
	}
}

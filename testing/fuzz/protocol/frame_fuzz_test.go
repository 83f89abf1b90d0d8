//go:build fuzz
// +build fuzz

// Package protocol provides fuzz tests for MC protocol response decoding.
package protocol

import (
	"testing"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// FuzzDecodeReadResponse3E feeds arbitrary frames to the 3E decoder.
func FuzzDecodeReadResponse3E(f *testing.F) {
	f.Add([]byte("D00000FF03FF00000C000000070008"), 2, false)
	f.Add([]byte("D00000FF03FF000008000001"), 1, true)
	f.Add([]byte("D00000FF03FF000004C059"), 1, false)
	f.Add([]byte("D000"), 0, false)

	f.Fuzz(func(t *testing.T, frame []byte, count int, bits bool) {
		decode(t, frame, domain.Variant3E, count, bits)
	})
}

// FuzzDecodeReadResponse4C feeds arbitrary frames to the 4C decoder.
func FuzzDecodeReadResponse4C(f *testing.F) {
	f.Add([]byte("\x02F900FF03FF0000\x0300070008\x03A1\r\n"), 2, false)
	f.Add([]byte("\x06F900FF03FF0000\r\n"), 0, false)
	f.Add([]byte("\x15F900FF03FF0000C059\r\n"), 1, false)

	f.Fuzz(func(t *testing.T, frame []byte, count int, bits bool) {
		decode(t, frame, domain.Variant4C, count, bits)
	})
}

func decode(t *testing.T, frame []byte, variant domain.ProtocolVariant, count int, bits bool) {
	if count < 0 || count > melsec.MaxWordPoints {
		return
	}
	width := melsec.WidthWord
	if bits {
		width = melsec.WidthBit
	}
	values, err := melsec.DecodeReadResponse(frame, variant, count, width)
	if err != nil {
		return
	}
	if len(values) != count {
		t.Fatalf("expected %d values, got %d", count, len(values))
	}
	if bits {
		for i, v := range values {
			if v > 1 {
				t.Fatalf("bit point %d decoded to %d", i, v)
			}
		}
	}
}

// Package melsec implements the MELSEC communication (MC) protocol in ASCII
// code, with connection pooling, health checking and per-device circuit breakers.
package melsec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// Protocol limits for one batch read in ASCII code.
const (
	MaxWordPoints = 960
	MaxBitPoints  = 7168
)

const (
	cmdBatchRead  = "0401"
	cmdBatchWrite = "1401"
	subWordUnits  = "0000"
	subBitUnits   = "0001"

	// Monitoring timer in 250ms units (0x10 = 4s).
	monitoringTimer = "0010"

	subheaderRequest3E  = "5000"
	subheaderResponse3E = "D000"
	header3ELen         = 18
	frameID4C           = "F8"
	header4CLen         = 16 // frame ID through self-station number

	maxFrameLen = 8192
)

// Control characters used by the 4C frame.
const (
	stx = 0x02
	etx = 0x03
	enq = 0x05
	ack = 0x06
	nak = 0x15
	cr  = '\r'
	lf  = '\n'
)

// Width is the unit of one wire point.
type Width int

const (
	WidthWord Width = iota
	WidthBit
)

// chars returns how many ASCII characters one point occupies in data fields.
func (w Width) chars() int {
	if w == WidthBit {
		return 1
	}
	return 4
}

func (w Width) subcommand() string {
	if w == WidthBit {
		return subBitUnits
	}
	return subWordUnits
}

// WidthOf returns the point width used to read a register type.
func WidthOf(t domain.RegisterType) Width {
	if t.IsBit() {
		return WidthBit
	}
	return WidthWord
}

// maxPoints returns the per-request point limit for a width.
func maxPoints(w Width) int {
	if w == WidthBit {
		return MaxBitPoints
	}
	return MaxWordPoints
}

// Span is a contiguous run of points of a single register type that is
// read in one wire transaction.
type Span struct {
	Type     domain.RegisterType
	Start    int
	Count    int
	Requests []domain.RegisterRequest
}

// Width returns the span's point width.
func (s Span) Width() Width { return WidthOf(s.Type) }

// End returns the first address after the span.
func (s Span) End() int { return s.Start + s.Count }

// Key describes the span for logs, e.g. "D100+12".
func (s Span) Key() string {
	return s.Type.FormatAddress(s.Start) + "+" + strconv.Itoa(s.Count)
}

// validate enforces the rules EncodeReadRequest relies on.
func (s Span) validate() error {
	if !s.Type.Valid() {
		return &domain.EncodingError{Reason: fmt.Sprintf("unknown register type %q", s.Type)}
	}
	if s.Count <= 0 {
		return &domain.EncodingError{Reason: fmt.Sprintf("span %s has no points", s.Key())}
	}
	if limit := maxPoints(s.Width()); s.Count > limit {
		return &domain.EncodingError{Reason: fmt.Sprintf("span %s exceeds %d points", s.Key(), limit)}
	}
	if err := checkAddress(s.Type, s.Start); err != nil {
		return err
	}
	if err := checkAddress(s.Type, s.End()-1); err != nil {
		return err
	}
	for _, r := range s.Requests {
		if r.Type != s.Type {
			return &domain.EncodingError{
				Reason: fmt.Sprintf("span %s mixes register type %s (%s)", s.Key(), r.Type, r.Key()),
			}
		}
		if r.Address < s.Start || r.Address+r.Points() > s.End() {
			return &domain.EncodingError{Reason: fmt.Sprintf("%s lies outside span %s", r.Key(), s.Key())}
		}
	}
	return nil
}

func checkAddress(t domain.RegisterType, address int) error {
	limit := 999999
	if t.HexAddressed() {
		limit = 0xFFFFFF
	}
	if address < 0 || address > limit {
		return &domain.EncodingError{Reason: fmt.Sprintf("address %d out of range for %s", address, t)}
	}
	return nil
}

// deviceField renders the 2-char device code and 6-char head device number.
func deviceField(t domain.RegisterType, address int) string {
	if t.HexAddressed() {
		return fmt.Sprintf("%s*%06X", t, address)
	}
	return fmt.Sprintf("%s*%06d", t, address)
}

// EncodeReadRequest frames a batch read of one span.
func EncodeReadRequest(dev domain.DeviceDescriptor, span Span) ([]byte, error) {
	if err := span.validate(); err != nil {
		return nil, err
	}
	body := cmdBatchRead + span.Width().subcommand() + deviceField(span.Type, span.Start) + hex4(span.Count)
	return frameRequest(dev, body)
}

// EncodeWriteRequest frames a batch write of consecutive points starting at
// address. Bit devices take one value per bit (0 or 1).
func EncodeWriteRequest(dev domain.DeviceDescriptor, t domain.RegisterType, address int, values []uint16) ([]byte, error) {
	span := Span{Type: t, Start: address, Count: len(values)}
	if err := span.validate(); err != nil {
		return nil, err
	}

	w := span.Width()
	var data bytes.Buffer
	for _, v := range values {
		if w == WidthBit {
			if v != 0 {
				data.WriteByte('1')
			} else {
				data.WriteByte('0')
			}
			continue
		}
		data.WriteString(hex4(int(v)))
	}

	body := cmdBatchWrite + w.subcommand() + deviceField(t, address) + hex4(len(values)) + data.String()
	return frameRequest(dev, body)
}

func frameRequest(dev domain.DeviceDescriptor, body string) ([]byte, error) {
	switch dev.Variant {
	case domain.Variant3E:
		payload := monitoringTimer + body
		var b bytes.Buffer
		b.Grow(header3ELen + len(payload))
		b.WriteString(subheaderRequest3E)
		b.WriteString(route3E(dev.Network, dev.PC, dev.ModuleIO, dev.ModuleStation))
		b.WriteString(hex4(len(payload)))
		b.WriteString(payload)
		return b.Bytes(), nil

	case domain.Variant4C:
		var b bytes.Buffer
		b.WriteByte(enq)
		b.WriteString(route4C(dev.Station, dev.Network, dev.PC, dev.ModuleIO, dev.ModuleStation))
		b.WriteString(body)
		b.WriteString(hex2(int(sumCheck(b.Bytes()[1:]))))
		b.WriteByte(cr)
		b.WriteByte(lf)
		return b.Bytes(), nil

	default:
		return nil, &domain.EncodingError{Reason: fmt.Sprintf("unknown protocol variant %q", dev.Variant)}
	}
}

func route3E(network, pc uint8, moduleIO uint16, moduleStation uint8) string {
	return hex2(int(network)) + hex2(int(pc)) + hex4(int(moduleIO)) + hex2(int(moduleStation))
}

func route4C(station, network, pc uint8, moduleIO uint16, moduleStation uint8) string {
	return frameID4C + hex2(int(station)) + hex2(int(network)) + hex2(int(pc)) +
		hex4(int(moduleIO)) + hex2(int(moduleStation)) + "00"
}

// DecodeReadResponse validates a response frame and returns count points.
// Bit points decode to 0 or 1.
func DecodeReadResponse(frame []byte, variant domain.ProtocolVariant, count int, width Width) ([]uint16, error) {
	data, err := responseData(frame, variant, count*width.chars())
	if err != nil {
		return nil, err
	}

	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		if width == WidthBit {
			switch data[i] {
			case '0':
			case '1':
				out[i] = 1
			default:
				return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad bit value %q", data[i])}
			}
			continue
		}
		v, err := parseHex(data[i*4 : i*4+4])
		if err != nil {
			return nil, err
		}
		out[i] = uint16(v)
	}
	return out, nil
}

// DecodeWriteResponse validates the acknowledgement of a write request.
func DecodeWriteResponse(frame []byte, variant domain.ProtocolVariant) error {
	_, err := responseData(frame, variant, 0)
	return err
}

// responseData strips framing and returns the want data characters of a
// normal response. Device-reported errors come back as ProtocolEndCode. The
// data length is checked before the 4C sum check is consumed.
func responseData(frame []byte, variant domain.ProtocolVariant, want int) ([]byte, error) {
	switch variant {
	case domain.Variant3E:
		return responseData3E(frame, want)
	case domain.Variant4C:
		return responseData4C(frame, want)
	default:
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("unknown variant %q", variant)}
	}
}

func responseData3E(frame []byte, want int) ([]byte, error) {
	if len(frame) < header3ELen+4 {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "frame shorter than header"}
	}
	if string(frame[:4]) != subheaderResponse3E {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad subheader %q", frame[:4])}
	}

	declared, err := parseHex(frame[14:18])
	if err != nil {
		return nil, err
	}
	if declared < 4 || declared != len(frame)-header3ELen {
		return nil, &domain.ProtocolError{
			Kind:   domain.ProtocolLengthMismatch,
			Detail: fmt.Sprintf("declared %d characters, frame carries %d", declared, len(frame)-header3ELen),
		}
	}

	endCode, err := parseHex(frame[18:22])
	if err != nil {
		return nil, err
	}
	if endCode != 0 {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolEndCode, Code: uint16(endCode)}
	}
	if err := checkDataLength(frame[22:], want); err != nil {
		return nil, err
	}
	return frame[22:], nil
}

func checkDataLength(data []byte, want int) error {
	if len(data) != want {
		return &domain.ProtocolError{
			Kind:   domain.ProtocolLengthMismatch,
			Detail: fmt.Sprintf("expected %d data characters, got %d", want, len(data)),
		}
	}
	return nil
}

func responseData4C(frame []byte, want int) ([]byte, error) {
	if len(frame) < 1+header4CLen+2 || frame[len(frame)-2] != cr || frame[len(frame)-1] != lf {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "missing CR LF terminator"}
	}
	if string(frame[1:3]) != frameID4C {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad frame ID %q", frame[1:3])}
	}

	body := frame[1+header4CLen : len(frame)-2]
	switch frame[0] {
	case nak:
		if len(body) != 4 {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "bad error response"}
		}
		code, err := parseHex(body)
		if err != nil {
			return nil, err
		}
		return nil, &domain.ProtocolError{Kind: domain.ProtocolEndCode, Code: uint16(code)}

	case ack:
		if err := checkDataLength(body, want); err != nil {
			return nil, err
		}
		return body, nil

	case stx:
		end := bytes.IndexByte(body, etx)
		if end < 0 {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "missing ETX"}
		}
		if err := checkDataLength(body[:end], want); err != nil {
			return nil, err
		}
		if len(body)-end-1 != 2 {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "bad sum check field"}
		}
		want, err := parseHex(body[end+1:])
		if err != nil {
			return nil, err
		}
		if got := sumCheck(frame[1 : 1+header4CLen+end+1]); int(got) != want {
			return nil, &domain.ProtocolError{
				Kind:   domain.ProtocolChecksum,
				Detail: fmt.Sprintf("sum check %02X, computed %02X", want, got),
			}
		}
		return body[:end], nil

	default:
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad start byte 0x%02X", frame[0])}
	}
}

// ReadResponseFrame reads exactly one response frame from r. For 3E the
// declared length is checked against the frame limit before the body is
// read; for 4C the frame runs to the CR LF terminator.
func ReadResponseFrame(r *bufio.Reader, variant domain.ProtocolVariant) ([]byte, error) {
	if variant == domain.Variant4C {
		return readLine(r)
	}
	return readFrame3E(r, subheaderResponse3E)
}

func readFrame3E(r *bufio.Reader, subheader string) ([]byte, error) {
	header := make([]byte, header3ELen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if string(header[:4]) != subheader {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad subheader %q", header[:4])}
	}
	n, err := parseHex(header[14:18])
	if err != nil {
		return nil, err
	}
	if n > maxFrameLen-header3ELen {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolLengthMismatch, Detail: fmt.Sprintf("declared length %d exceeds limit", n)}
	}

	frame := make([]byte, header3ELen+n)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[header3ELen:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var frame []byte
	for {
		chunk, err := r.ReadSlice(lf)
		frame = append(frame, chunk...)
		if len(frame) > maxFrameLen {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "frame exceeds limit"}
		}
		if err == nil {
			return frame, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// sumCheck is the 4C sum check: the low byte of the sum of all bytes.
func sumCheck(b []byte) uint8 {
	var sum uint8
	for _, c := range b {
		sum += c
	}
	return sum
}

func hex2(v int) string { return fmt.Sprintf("%02X", v&0xFF) }
func hex4(v int) string { return fmt.Sprintf("%04X", v&0xFFFF) }

func parseHex(b []byte) (int, error) {
	v, err := strconv.ParseUint(string(b), 16, 32)
	if err != nil {
		return 0, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad hex field %q", b)}
	}
	return int(v), nil
}

package melsec

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// Request is a decoded batch read or write as seen by the responding side.
type Request struct {
	Variant       domain.ProtocolVariant
	Network       uint8
	PC            uint8
	ModuleIO      uint16
	ModuleStation uint8
	Station       uint8
	Command       string
	Subcommand    string
	Type          domain.RegisterType
	Address       int
	Count         int
	Data          []uint16
}

// IsWrite reports whether the request is a batch write.
func (r *Request) IsWrite() bool { return r.Command == cmdBatchWrite }

// Width returns the point width named by the subcommand.
func (r *Request) Width() Width {
	if r.Subcommand == subBitUnits {
		return WidthBit
	}
	return WidthWord
}

// ReadRequestFrame reads one request frame from r.
func ReadRequestFrame(r *bufio.Reader, variant domain.ProtocolVariant) ([]byte, error) {
	if variant == domain.Variant4C {
		return readLine(r)
	}
	return readFrame3E(r, subheaderRequest3E)
}

// DecodeRequest parses a request frame produced by EncodeReadRequest or
// EncodeWriteRequest.
func DecodeRequest(frame []byte, variant domain.ProtocolVariant) (*Request, error) {
	req := &Request{Variant: variant}
	var body []byte

	switch variant {
	case domain.Variant3E:
		if len(frame) < header3ELen+4 || string(frame[:4]) != subheaderRequest3E {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "bad 3E request header"}
		}
		fields, err := parseHexFields(frame[4:18], 2, 2, 4, 2, 4)
		if err != nil {
			return nil, err
		}
		req.Network, req.PC, req.ModuleIO, req.ModuleStation = uint8(fields[0]), uint8(fields[1]), uint16(fields[2]), uint8(fields[3])
		if fields[4] != len(frame)-header3ELen {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolLengthMismatch, Detail: "request length field"}
		}
		body = frame[header3ELen+4:] // skip monitoring timer

	case domain.Variant4C:
		n := len(frame)
		if n < 1+header4CLen+4 || frame[0] != enq || frame[n-2] != cr || frame[n-1] != lf || string(frame[1:3]) != frameID4C {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "bad 4C request frame"}
		}
		want, err := parseHex(frame[n-4 : n-2])
		if err != nil {
			return nil, err
		}
		if got := sumCheck(frame[1 : n-4]); int(got) != want {
			return nil, &domain.ProtocolError{Kind: domain.ProtocolChecksum, Detail: "request sum check"}
		}
		fields, err := parseHexFields(frame[3:17], 2, 2, 2, 4, 2, 2)
		if err != nil {
			return nil, err
		}
		req.Station, req.Network, req.PC = uint8(fields[0]), uint8(fields[1]), uint8(fields[2])
		req.ModuleIO, req.ModuleStation = uint16(fields[3]), uint8(fields[4])
		body = frame[1+header4CLen : n-4]

	default:
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("unknown variant %q", variant)}
	}

	if len(body) < 20 {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "request body too short"}
	}
	req.Command = string(body[0:4])
	req.Subcommand = string(body[4:8])
	if body[9] != '*' {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: "bad device code"}
	}
	req.Type = domain.RegisterType(body[8:9])
	if !req.Type.Valid() {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("unknown device %q", body[8:10])}
	}

	var err error
	if req.Type.HexAddressed() {
		req.Address, err = parseHex(body[10:16])
	} else {
		req.Address, err = parseDecimal(body[10:16])
	}
	if err != nil {
		return nil, err
	}
	if req.Count, err = parseHex(body[16:20]); err != nil {
		return nil, err
	}

	if !req.IsWrite() {
		return req, nil
	}

	data := body[20:]
	w := req.Width()
	if len(data) != req.Count*w.chars() {
		return nil, &domain.ProtocolError{Kind: domain.ProtocolLengthMismatch, Detail: "write data length"}
	}
	req.Data = make([]uint16, req.Count)
	for i := range req.Data {
		if w == WidthBit {
			if data[i] == '1' {
				req.Data[i] = 1
			}
			continue
		}
		v, err := parseHex(data[i*4 : i*4+4])
		if err != nil {
			return nil, err
		}
		req.Data[i] = uint16(v)
	}
	return req, nil
}

// EncodeReadResponse frames a normal response carrying values.
func EncodeReadResponse(req *Request, values []uint16) []byte {
	var data bytes.Buffer
	for _, v := range values {
		if req.Width() == WidthBit {
			if v != 0 {
				data.WriteByte('1')
			} else {
				data.WriteByte('0')
			}
			continue
		}
		data.WriteString(hex4(int(v)))
	}
	return encodeResponse(req, data.Bytes(), true)
}

// EncodeWriteResponse frames the acknowledgement of a write.
func EncodeWriteResponse(req *Request) []byte {
	return encodeResponse(req, nil, false)
}

// EncodeErrorResponse frames a response carrying a non-zero end code.
func EncodeErrorResponse(req *Request, endCode uint16) []byte {
	var b bytes.Buffer
	if req.Variant == domain.Variant4C {
		b.WriteByte(nak)
		b.WriteString(route4C(req.Station, req.Network, req.PC, req.ModuleIO, req.ModuleStation))
		b.WriteString(hex4(int(endCode)))
		b.WriteByte(cr)
		b.WriteByte(lf)
		return b.Bytes()
	}

	info := route3E(req.Network, req.PC, req.ModuleIO, req.ModuleStation) + req.Command + req.Subcommand
	b.WriteString(subheaderResponse3E)
	b.WriteString(route3E(req.Network, req.PC, req.ModuleIO, req.ModuleStation))
	b.WriteString(hex4(4 + len(info)))
	b.WriteString(hex4(int(endCode)))
	b.WriteString(info)
	return b.Bytes()
}

func encodeResponse(req *Request, data []byte, read bool) []byte {
	var b bytes.Buffer
	if req.Variant == domain.Variant4C {
		if !read {
			b.WriteByte(ack)
			b.WriteString(route4C(req.Station, req.Network, req.PC, req.ModuleIO, req.ModuleStation))
			b.WriteByte(cr)
			b.WriteByte(lf)
			return b.Bytes()
		}
		b.WriteByte(stx)
		b.WriteString(route4C(req.Station, req.Network, req.PC, req.ModuleIO, req.ModuleStation))
		b.Write(data)
		b.WriteByte(etx)
		b.WriteString(hex2(int(sumCheck(b.Bytes()[1:]))))
		b.WriteByte(cr)
		b.WriteByte(lf)
		return b.Bytes()
	}

	b.WriteString(subheaderResponse3E)
	b.WriteString(route3E(req.Network, req.PC, req.ModuleIO, req.ModuleStation))
	b.WriteString(hex4(4 + len(data)))
	b.WriteString("0000")
	b.Write(data)
	return b.Bytes()
}

func parseHexFields(b []byte, widths ...int) ([]int, error) {
	out := make([]int, 0, len(widths))
	pos := 0
	for _, w := range widths {
		v, err := parseHex(b[pos : pos+w])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		pos += w
	}
	return out, nil
}

func parseDecimal(b []byte) (int, error) {
	v := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, &domain.ProtocolError{Kind: domain.ProtocolMalformed, Detail: fmt.Sprintf("bad decimal field %q", b)}
		}
		v = v*10 + int(c-'0')
	}
	return v, nil
}

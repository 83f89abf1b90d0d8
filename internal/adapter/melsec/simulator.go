package melsec

import (
	"bufio"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
	"github.com/rs/zerolog"
)

// Simulator is an in-process PLC that answers MC protocol batch reads and
// writes from a sparse device memory. It backs tests and cmd/plcsim.
type Simulator struct {
	variant  domain.ProtocolVariant
	listener net.Listener
	logger   zerolog.Logger

	mu      sync.Mutex
	memory  map[domain.RegisterType]map[int]uint16
	endCode uint16
	delay   time.Duration
	conns   map[net.Conn]struct{}

	requests atomic.Uint64
	writes   atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSimulator listens on addr (use "127.0.0.1:0" for a free port) and
// starts serving.
func NewSimulator(addr string, variant domain.ProtocolVariant, logger zerolog.Logger) (*Simulator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		variant:  variant,
		listener: ln,
		logger:   logger.With().Str("component", "plc-simulator").Str("variant", string(variant)).Logger(),
		memory:   make(map[domain.RegisterType]map[int]uint16),
		conns:    make(map[net.Conn]struct{}),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Simulator) Addr() string { return s.listener.Addr().String() }

// Host returns the listening host.
func (s *Simulator) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Simulator) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Descriptor returns a descriptor pointing at the simulator.
func (s *Simulator) Descriptor(code string) domain.DeviceDescriptor {
	return domain.DeviceDescriptor{
		Code:     code,
		Host:     s.Host(),
		Port:     s.Port(),
		Variant:  s.variant,
		PC:       0xFF,
		ModuleIO: 0x03FF,
		Timeout:  time.Second,
		Probe:    domain.RegisterRequest{Type: domain.RegisterD, Address: 0, Count: 1, DataType: domain.DataTypeInt16},
		Enabled:  true,
	}
}

// SetWord stores one point.
func (s *Simulator) SetWord(t domain.RegisterType, address int, v uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(t, address, v)
}

// SetInt32 stores a 32-bit value low word first.
func (s *Simulator) SetInt32(t domain.RegisterType, address int, v int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(t, address, uint16(uint32(v)))
	s.setLocked(t, address+1, uint16(uint32(v)>>16))
}

// SetFloat stores an IEEE-754 float low word first.
func (s *Simulator) SetFloat(t domain.RegisterType, address int, v float32) {
	bits := math.Float32bits(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(t, address, uint16(bits))
	s.setLocked(t, address+1, uint16(bits>>16))
}

// SetBit sets a bit device point, or one bit of a word when bit is given.
func (s *Simulator) SetBit(t domain.RegisterType, address int, bit *uint8, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bit == nil {
		var w uint16
		if v {
			w = 1
		}
		s.setLocked(t, address, w)
		return
	}
	s.setLocked(t, address, encodeBit(s.memory[t][address], *bit, v))
}

// Word returns one point.
func (s *Simulator) Word(t domain.RegisterType, address int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory[t][address]
}

// Bit reads a bit device point, or one bit of a word when bit is given.
func (s *Simulator) Bit(t domain.RegisterType, address int, bit *uint8) bool {
	w := s.Word(t, address)
	if bit == nil {
		return w != 0
	}
	return (w>>*bit)&1 == 1
}

// SetEndCode makes every following request fail with code (0 restores
// normal answers).
func (s *Simulator) SetEndCode(code uint16) {
	s.mu.Lock()
	s.endCode = code
	s.mu.Unlock()
}

// SetDelay delays every response.
func (s *Simulator) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Requests returns how many requests were answered.
func (s *Simulator) Requests() uint64 { return s.requests.Load() }

// Writes returns how many write requests were applied.
func (s *Simulator) Writes() uint64 { return s.writes.Load() }

// DropConnections closes every open client connection.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the listener and all connections.
func (s *Simulator) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *Simulator) setLocked(t domain.RegisterType, address int, v uint16) {
	m, ok := s.memory[t]
	if !ok {
		m = make(map[int]uint16)
		s.memory[t] = m
	}
	m[address] = v
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		frame, err := ReadRequestFrame(reader, s.variant)
		if err != nil {
			return
		}
		req, err := DecodeRequest(frame, s.variant)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Dropping connection after bad request")
			return
		}

		resp := s.handle(req)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func (s *Simulator) handle(req *Request) []byte {
	s.mu.Lock()
	delay, endCode := s.delay, s.endCode
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-s.done:
		}
	}
	s.requests.Add(1)

	if endCode != 0 {
		return EncodeErrorResponse(req, endCode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IsWrite() {
		for i, v := range req.Data {
			s.setLocked(req.Type, req.Address+i, v)
		}
		s.writes.Add(1)
		return EncodeWriteResponse(req)
	}

	values := make([]uint16, req.Count)
	for i := range values {
		values[i] = s.memory[req.Type][req.Address+i]
	}
	return EncodeReadResponse(req, values)
}

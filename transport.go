package owctester

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// ErrReadTimeout marks a transaction where the controller never answered in
// time. The fault checker treats these as transient and distinct from hard
// I/O failures.
var ErrReadTimeout = errors.New("modbus read timeout")

// RegisterBus is the single gate to the motor controller's registers. Every
// call holds the bus for exactly one transaction; a read followed by a write
// is NOT atomic across calls.
type RegisterBus interface {
	ReadRegister(ctx context.Context, addr uint16) (uint16, error)
	WriteRegister(ctx context.Context, addr, value uint16) error
	Close() error
}

const (
	fnReadHolding = 3
	fnWriteSingle = 6
)

// rtuBus speaks Modbus RTU over a serial port. A single mutex serializes
// transactions from the cycle engine, the fault monitor, and recovery.
type rtuBus struct {
	mu      sync.Mutex
	port    serial.Port
	slaveID byte
	timeout time.Duration
	logger  logging.Logger
}

func openRTUBus(cfg *Config) (*rtuBus, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baudrate,
		DataBits: cfg.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch cfg.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if cfg.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", cfg.Port)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	return &rtuBus{
		port:    port,
		slaveID: cfg.SlaveID,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// crc16 is the standard Modbus CRC (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(pdu []byte) []byte {
	crc := crc16(pdu)
	return append(pdu, byte(crc&0xFF), byte(crc>>8))
}

func buildReadRequest(slaveID byte, addr uint16) []byte {
	pdu := []byte{slaveID, fnReadHolding, byte(addr >> 8), byte(addr), 0, 1}
	return appendCRC(pdu)
}

func buildWriteRequest(slaveID byte, addr, value uint16) []byte {
	pdu := []byte{slaveID, fnWriteSingle, byte(addr >> 8), byte(addr), byte(value >> 8), byte(value)}
	return appendCRC(pdu)
}

// parseResponse validates framing and returns the payload after the function
// byte (CRC stripped). An exception frame (function | 0x80) becomes an error.
func parseResponse(frame []byte, slaveID, function byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, errors.Errorf("response too short (%d bytes)", len(frame))
	}
	body, crcBytes := frame[:len(frame)-2], frame[len(frame)-2:]
	if got, want := binary.LittleEndian.Uint16(crcBytes), crc16(body); got != want {
		return nil, errors.Errorf("response CRC mismatch: got %04x want %04x", got, want)
	}
	if body[0] != slaveID {
		return nil, errors.Errorf("response from unexpected slave %d", body[0])
	}
	if body[1] == function|0x80 {
		code := byte(0)
		if len(body) > 2 {
			code = body[2]
		}
		return nil, errors.Errorf("modbus exception %d for function %d", code, function)
	}
	if body[1] != function {
		return nil, errors.Errorf("response function mismatch: got %d want %d", body[1], function)
	}
	return body[2:], nil
}

// exceptionFrameLen is the fixed size of a Modbus RTU exception response:
// slave, function|0x80, exception code, two CRC bytes.
const exceptionFrameLen = 5

// transact writes a request frame and reads the response under the bus lock.
// A normal response is want bytes, but an exception response is always 5, so
// the slave and function bytes are read first to pick the frame length.
func (b *rtuBus) transact(ctx context.Context, request []byte, want int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.port.Write(request); err != nil {
		return nil, errors.Wrap(err, "serial write failed")
	}

	response := make([]byte, want)
	if err := b.readFull(ctx, response[:2]); err != nil {
		return nil, err
	}
	size := want
	if response[1]&0x80 != 0 {
		size = exceptionFrameLen
	}
	if err := b.readFull(ctx, response[2:size]); err != nil {
		return nil, err
	}
	return response[:size], nil
}

// readFull fills buf from the port. A zero-byte read means the configured
// timeout elapsed (go.bug.st/serial signals this with n == 0).
func (b *rtuBus) readFull(ctx context.Context, buf []byte) error {
	read := 0
	for read < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := b.port.Read(buf[read:])
		if err != nil {
			return errors.Wrap(err, "serial read failed")
		}
		if n == 0 {
			return errors.Wrapf(ErrReadTimeout, "after %d of %d bytes", read, len(buf))
		}
		read += n
	}
	return nil
}

func (b *rtuBus) ReadRegister(ctx context.Context, addr uint16) (uint16, error) {
	// Response: slave, fn, byte count, 2 data bytes, 2 CRC bytes.
	frame, err := b.transact(ctx, buildReadRequest(b.slaveID, addr), 7)
	if err != nil {
		return 0, err
	}
	payload, err := parseResponse(frame, b.slaveID, fnReadHolding)
	if err != nil {
		return 0, err
	}
	if len(payload) < 3 || payload[0] != 2 {
		return 0, errors.Errorf("unexpected read payload for register %d", addr)
	}
	return binary.BigEndian.Uint16(payload[1:3]), nil
}

func (b *rtuBus) WriteRegister(ctx context.Context, addr, value uint16) error {
	// Function 6 echoes the request: slave, fn, addr, value, CRC.
	frame, err := b.transact(ctx, buildWriteRequest(b.slaveID, addr, value), 8)
	if err != nil {
		return err
	}
	_, err = parseResponse(frame, b.slaveID, fnWriteSingle)
	return err
}

func (b *rtuBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}

// Package serialbridge implements regbus.Device over a framed serial
// protocol to a bench register bridge, an MCU that forwards register
// transactions to the touch controller and reports its attention line as
// unsolicited event frames.
package serialbridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	tty "github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"

	"github.com/touchtron/touchflash/regbus"
)

var _ regbus.Device = (*Bridge)(nil)

const responseTimeout = 2 * time.Second

var ErrClosed = errors.New("bridge closed")

// PortConfig describes the serial port the bridge MCU hangs off.
type PortConfig struct {
	Port        string
	Baud        uint
	ReadTimeout time.Duration
}

// Bridge is a regbus.Device backed by the serial bridge. Requests are
// serialized; the reader goroutine routes responses back to the waiting
// request and event frames to the interrupt channel.
type Bridge struct {
	port io.ReadWriteCloser
	log  *log.Entry

	reqMu sync.Mutex
	resp  chan *frame
	intr  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Bridge)

func WithLogger(entry *log.Entry) Option {
	return func(b *Bridge) { b.log = entry }
}

// Open opens the serial port and starts the bridge on it.
func Open(cfg PortConfig, opts ...Option) (*Bridge, error) {
	options := tty.OpenOptions{
		PortName:              cfg.Port,
		BaudRate:              cfg.Baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		InterCharacterTimeout: uint(cfg.ReadTimeout / time.Millisecond),
	}

	port, err := tty.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}

	return New(port, opts...), nil
}

// New starts a bridge on an already open port. Mostly useful for tests
// and tcp-tunneled bridges.
func New(port io.ReadWriteCloser, opts ...Option) *Bridge {
	b := &Bridge{
		port:   port,
		log:    log.NewEntry(log.StandardLogger()),
		resp:   make(chan *frame, 1),
		intr:   make(chan struct{}, 8),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.rcvLoop()

	return b
}

func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.port.Close()
	})
	return nil
}

// rcvLoop reads frames off the port until the stream dies. Corrupted
// frames are dropped; readFrame resynchronizes on the next start byte.
func (b *Bridge) rcvLoop() {
	for {
		f, err := readFrame(b.port)
		if err != nil {
			if errors.Is(err, ErrBadCRC) {
				b.log.WithError(err).Warn("dropping corrupted frame")
				continue
			}
			select {
			case <-b.closed:
			default:
				b.log.WithError(err).Error("bridge read failed")
			}
			return
		}

		if f.op == opEvent {
			select {
			case b.intr <- struct{}{}:
			default:
			}
			continue
		}

		select {
		case b.resp <- f:
		default:
			b.log.WithField("op", fmt.Sprintf("%#02x", f.op)).Warn("dropping unexpected response frame")
		}
	}
}

// transact sends one request and waits for its response.
func (b *Bridge) transact(req *frame) (*frame, error) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	// Drop any stale response left over from a timed-out exchange.
	select {
	case <-b.resp:
	default:
	}

	if _, err := b.port.Write(req.encode()); err != nil {
		return nil, fmt.Errorf("write frame: %w", err)
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()

	select {
	case f := <-b.resp:
		if f.op != req.op {
			return nil, fmt.Errorf("response opcode %#02x for request %#02x", f.op, req.op)
		}
		if len(f.payload) == 0 {
			return nil, fmt.Errorf("response to opcode %#02x has no status byte", req.op)
		}
		if f.payload[0] != 0 {
			return nil, &BridgeError{Op: f.op, Status: f.payload[0]}
		}
		return f, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("no response to opcode %#02x", req.op)
	}
}

func (b *Bridge) RegRead(addr uint16, count int) ([]byte, error) {
	resp, err := b.transact(&frame{op: opRead, addr: addr, length: uint16(count)})
	if err != nil {
		return nil, err
	}

	data := resp.payload[1:]
	if len(data) != count {
		return nil, fmt.Errorf("read %#04x: got %d bytes, want %d", addr, len(data), count)
	}

	return data, nil
}

func (b *Bridge) RegWrite(addr uint16, data []byte) error {
	req := &frame{op: opWrite, addr: addr, length: uint16(len(data)), payload: data}
	_, err := b.transact(req)
	return err
}

func (b *Bridge) Reset() error {
	_, err := b.transact(&frame{op: opReset})
	return err
}

func (b *Bridge) EnableIRQ(enable bool) error {
	payload := []byte{0}
	if enable {
		payload[0] = 1
	}
	_, err := b.transact(&frame{op: opIRQEnable, length: 1, payload: payload})
	return err
}

func (b *Bridge) Interrupts() <-chan struct{} {
	return b.intr
}

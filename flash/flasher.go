package flash

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/touchtron/touchflash/regbus"
)

// ProgressFunc receives block-write progress. stage names the area being
// written ("firmware", "config", ...).
type ProgressFunc func(stage string, done, total int)

// Flasher drives flash operations against one device. Operations serialize
// on an internal lock; each one scans the descriptor table and queries the
// bootloader from scratch, so a reflash that moved functions around never
// leaves stale addressing behind.
type Flasher struct {
	dev  regbus.Device
	host regbus.Host
	log  *log.Entry

	progress ProgressFunc

	mu sync.Mutex
}

type Option func(*Flasher)

// WithLogger routes engine logging through the given entry.
func WithLogger(entry *log.Entry) Option {
	return func(f *Flasher) { f.log = entry }
}

// WithHost attaches the owning driver's lifecycle hooks.
func WithHost(h regbus.Host) Option {
	return func(f *Flasher) { f.host = h }
}

// WithProgress attaches a block-write progress callback.
func WithProgress(p ProgressFunc) Option {
	return func(f *Flasher) { f.progress = p }
}

func New(dev regbus.Device, opts ...Option) *Flasher {
	f := &Flasher{
		dev:  dev,
		host: regbus.NopHost{},
		log:  log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// commandDriver is the version-specific half of the engine. The v5/v6 and
// v7/v8 bootloaders share command semantics but differ in register layout,
// wire encodings and transfer granularity.
type commandDriver interface {
	// readQueries reads the bootloader query block and fills in the
	// session's register offsets and partition geometry.
	readQueries() error

	// writeCommand issues a command, including any preamble the protocol
	// needs (bootloader ID unlock, single-transaction erase frames).
	writeCommand(cmd flashCommand) error

	// writePartition selects the partition a block transfer targets. No-op
	// before v7.
	writePartition(cmd flashCommand) error

	// writeBlocks transfers data to the selected area, block by block or
	// chunked, waiting for idle between transactions.
	writeBlocks(data []byte, blockCount int, cmd flashCommand) error

	// readBlocks transfers blockCount blocks out of the selected area.
	readBlocks(blockCount int, cmd flashCommand) ([]byte, error)

	// readStatus refreshes the session's flash status, in-bootloader flag
	// and last observed command.
	readStatus() error
}

// session is the per-operation state: descriptor addresses, queried
// geometry and the live protocol registers. It is discarded when the
// operation ends.
type session struct {
	f    *Flasher
	dev  regbus.Device
	log  *log.Entry
	comp *regbus.Completion
	desc *descMap
	drv  commandDriver

	blVersion BLVersion
	inBLMode  bool

	// Last observed raw command and normalized status. Idle is command 0
	// with status 0 on every protocol generation.
	command     uint8
	flashStatus uint8

	bootloaderID      [2]byte
	blockSize         uint16
	payloadLength     uint16
	flashConfigLength uint16

	partitions          int
	partitionTableBytes int

	props        flashProps
	hasGuestCode bool
	blkCount     blockCounts
	physAddr     physAddrs

	configArea ConfigArea
	configID   []byte

	// Timeouts live on the session so tests can shrink them.
	enableWait time.Duration
	writeWait  time.Duration
	eraseWait  time.Duration

	irqEnabled bool
	pumpStop   chan struct{}
	pumpDone   chan struct{}
}

// begin takes the operation lock, signals the host and scans the
// descriptor table. The caller must end() the session.
func (f *Flasher) begin() (*session, error) {
	f.mu.Lock()
	f.host.KeepAwake(true)
	f.host.SetState(regbus.StateInit)

	s := &session{
		f:          f,
		dev:        f.dev,
		log:        f.log,
		comp:       regbus.NewCompletion(),
		enableWait: enableWait,
		writeWait:  writeWait,
		eraseWait:  eraseWait,
	}

	if err := s.scan(); err != nil {
		s.end()
		return nil, err
	}

	return s, nil
}

func (s *session) end() {
	if s.irqEnabled {
		s.irqEnable(false)
	}
	s.f.host.SetState(regbus.StateUnknown)
	s.f.host.KeepAwake(false)
	s.f.mu.Unlock()
}

// scan walks the descriptor table and binds the matching command driver.
// In microloader mode there is no driver; only recovery can proceed.
func (s *session) scan() error {
	desc, err := scanDescriptors(s.dev)
	if err != nil {
		return err
	}
	s.desc = desc

	if desc.microloaderMode() {
		s.log.Warn("device exposes only the microloader")
		return nil
	}

	s.blVersion = desc.blVersion
	if s.blVersion >= BL_V7 {
		s.drv = &v7Driver{s: s}
	} else {
		s.drv = &v5v6Driver{s: s}
	}

	return nil
}

// irqEnable gates attention interrupts and runs the pump goroutine feeding
// the completion. Interrupts stay off outside flash operations so touch
// traffic never lands here.
func (s *session) irqEnable(enable bool) {
	if enable {
		if s.irqEnabled {
			s.log.Warn("flash interrupts already enabled")
			return
		}

		// Clear any latched attention before arming.
		s.readInterruptStatus()

		if err := s.dev.EnableIRQ(true); err != nil {
			s.log.WithError(err).Error("failed to enable attention interrupts")
		}

		s.pumpStop = make(chan struct{})
		s.pumpDone = make(chan struct{})
		go func(intr <-chan struct{}, comp *regbus.Completion, stop, done chan struct{}) {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				case <-intr:
					comp.Signal()
				}
			}
		}(s.dev.Interrupts(), s.comp, s.pumpStop, s.pumpDone)

		s.irqEnabled = true
	} else {
		if !s.irqEnabled {
			s.log.Warn("flash interrupts already disabled")
			return
		}

		if err := s.dev.EnableIRQ(false); err != nil {
			s.log.WithError(err).Error("failed to disable attention interrupts")
		}

		close(s.pumpStop)
		<-s.pumpDone
		s.irqEnabled = false
	}
	s.comp.Clear()
}

// readInterruptStatus reads and thereby acknowledges the core interrupt
// status register.
func (s *session) readInterruptStatus() uint8 {
	b, err := s.dev.RegRead(s.desc.core.dataBase+1, 1)
	if err != nil {
		s.log.WithError(err).Error("failed to read interrupt status")
		return 0
	}
	return b[0]
}

// waitForIdle blocks until an acknowledged attention interrupt carries the
// flash function's source bits, then verifies the controller actually
// reached a clean idle state. Attention from another function re-arms the
// wait; a missed interrupt is forgiven when the status re-read shows the
// command finished anyway.
func (s *session) waitForIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	var waitErr error
	for {
		waitErr = s.comp.Wait(time.Until(deadline))
		intr := s.readInterruptStatus()
		if waitErr != nil || intr&s.desc.intrMask != 0 {
			break
		}
	}

	if err := s.drv.readStatus(); err != nil {
		return err
	}

	if s.command == 0 && s.flashStatus == 0x00 {
		return nil
	}

	if waitErr != nil {
		s.log.WithFields(log.Fields{
			"command": fmt.Sprintf("0x%02x", s.command),
			"status":  fmt.Sprintf("0x%02x", s.flashStatus),
		}).Error("timed out waiting for command completion")
		return regbus.ErrTimeout
	}

	return &ProtocolError{Op: "command completion", Status: s.flashStatus}
}

// resetDevice toggles the reset line. With flash interrupts live, reset
// raises two attention edges, so two waits keep the completion in step.
func (s *session) resetDevice() {
	if err := s.dev.Reset(); err != nil {
		s.log.WithError(err).Error("device reset failed")
	}
	if s.irqEnabled {
		s.waitForIdle(s.enableWait)
		s.waitForIdle(s.enableWait)
	}
}

// enterFlashProg moves the device into bootloader mode and re-reads the
// descriptor table and queries, since the bootloader publishes a different
// function layout than the runtime firmware.
func (s *session) enterFlashProg() error {
	if err := s.drv.readStatus(); err != nil {
		return err
	}

	if !s.inBLMode {
		if err := s.drv.writeCommand(cmdEnableFlashProg); err != nil {
			return err
		}

		if err := s.waitForIdle(s.enableWait); err != nil {
			return err
		}

		if !s.inBLMode {
			return ErrNotInBootloader
		}
	}

	if err := s.scan(); err != nil {
		return err
	}
	if s.desc.microloaderMode() {
		return ErrRecoveryMode
	}

	if err := s.drv.readQueries(); err != nil {
		return err
	}

	// Force the controller awake for the duration: clear the sleep mode
	// bits and set nosleep in the core device control register.
	ctrl, err := s.dev.RegRead(s.desc.core.ctrlBase, 1)
	if err != nil {
		return fmt.Errorf("read core device control: %w", err)
	}
	c := (ctrl[0] &^ 0x03) | 0x04
	if err := s.dev.RegWrite(s.desc.core.ctrlBase, []byte{c}); err != nil {
		return fmt.Errorf("write core device control: %w", err)
	}

	time.Sleep(enterFlashProgSettle)

	return nil
}

// readConfigID reads the device config ID from the flash control base. The
// ID is 4 bytes through v6 and 32 bytes from v7 on.
func (s *session) readConfigID() error {
	size := v5v6ConfigIDSize
	if s.blVersion >= BL_V7 {
		size = v7ConfigIDSize
	}

	id, err := s.dev.RegRead(s.desc.flash.ctrlBase, size)
	if err != nil {
		return fmt.Errorf("read config ID: %w", err)
	}
	s.configID = id

	return nil
}

// readDeviceBuildID reads the 3-byte little-endian firmware build ID from
// the core query space.
func (s *session) readDeviceBuildID() (uint32, error) {
	b, err := s.dev.RegRead(s.desc.core.queryBase+18, 3)
	if err != nil {
		return 0, fmt.Errorf("read device build ID: %w", err)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (s *session) reportProgress(stage string, done, total int) {
	if s.f.progress != nil {
		s.f.progress(stage, done, total)
	}
}

package flash

import (
	"fmt"
	"time"
)

// Microloader register offsets and commands. The microloader is a minimal
// loader in on-chip ROM that can rebuild an empty or corrupted external
// flash from a raw microbootloader image.
const (
	recoveryErrorCodeOffset = 0
	recoveryChunkNumOffset  = 0
	recoveryChunkDataOffset = 2
	recoveryChunkCmdOffset  = 18
	recoveryChunkSize       = 16

	CMD_RECOVERY_WRITE_CHUNK = 0x02
	CMD_RECOVERY_ERASE_ALL   = 0x03
	CMD_RECOVERY_RESET       = 0x10
)

// recoveryCheckStatus reads the microloader error code. Anything nonzero
// is terminal; there is no retry protocol.
func (s *session) recoveryCheckStatus() error {
	b, err := s.dev.RegRead(s.desc.micro.dataBase+recoveryErrorCodeOffset, 1)
	if err != nil {
		return fmt.Errorf("read microloader status: %w", err)
	}

	if status := b[0] & 0x7f; status != 0 {
		return &RecoveryError{Status: status}
	}

	return nil
}

func (s *session) recoveryEraseAll() error {
	base := s.desc.micro.ctrlBase

	cmd := []byte{CMD_RECOVERY_ERASE_ALL}
	if err := s.dev.RegWrite(base+recoveryChunkCmdOffset, cmd); err != nil {
		return fmt.Errorf("issue erase all: %w", err)
	}

	// The microloader raises no interrupt for erase; it just needs time.
	time.Sleep(recoveryEraseSettle)

	return s.recoveryCheckStatus()
}

// recoveryWriteChunks streams the microbootloader image in 16-byte chunks.
// Each transfer carries the chunk and the write command in one 17-byte
// write; the last chunk is zero-padded.
func (s *session) recoveryWriteChunks(image []byte) error {
	base := s.desc.micro.ctrlBase

	if err := s.dev.RegWrite(base+recoveryChunkNumOffset, []byte{0, 0}); err != nil {
		return fmt.Errorf("write chunk number: %w", err)
	}

	total := (len(image) + recoveryChunkSize - 1) / recoveryChunkSize

	for chunk := 0; chunk < total; chunk++ {
		end := (chunk + 1) * recoveryChunkSize
		if end > len(image) {
			end = len(image)
		}

		buf := make([]byte, recoveryChunkSize+1)
		copy(buf, image[chunk*recoveryChunkSize:end])
		buf[recoveryChunkSize] = CMD_RECOVERY_WRITE_CHUNK

		if err := s.dev.RegWrite(base+recoveryChunkDataOffset, buf); err != nil {
			return fmt.Errorf("write chunk %d of %d: %w", chunk, total, err)
		}

		s.reportProgress("recovery", chunk+1, total)
	}

	if err := s.recoveryCheckStatus(); err != nil {
		return fmt.Errorf("after chunk writes: %w", err)
	}

	return nil
}

func (s *session) recoveryReset() error {
	cmd := []byte{CMD_RECOVERY_RESET}
	if err := s.dev.RegWrite(s.desc.micro.ctrlBase+recoveryChunkCmdOffset, cmd); err != nil {
		return fmt.Errorf("issue recovery reset: %w", err)
	}

	time.Sleep(recoveryResetSettle)

	return nil
}

// Recover reprograms an empty or corrupted external flash through the
// microloader using a raw microbootloader image. On success the device
// resets into its regular bootloader, ready for a normal Update.
func (f *Flasher) Recover(image []byte) error {
	s, err := f.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if !s.desc.hasMicro {
		return ErrNotRecoveryMode
	}

	f.log.Info("starting microloader recovery")

	// The device cannot route attention traffic in this mode; keep the
	// line quiet and give it a moment to settle.
	if err := s.dev.EnableIRQ(false); err != nil {
		f.log.WithError(err).Error("failed to quiesce attention interrupts")
	}
	time.Sleep(irqDisableSettle)

	defer func() {
		s.resetDevice()
		if err := s.scan(); err != nil {
			s.log.WithError(err).Error("descriptor rescan after recovery failed")
		}
		s.f.host.NotifyReady(false)
	}()

	if err := s.recoveryEraseAll(); err != nil {
		return fmt.Errorf("recovery erase: %w", err)
	}
	f.log.Info("external flash erased")

	if err := s.recoveryWriteChunks(image); err != nil {
		return fmt.Errorf("recovery write: %w", err)
	}
	f.log.Info("microbootloader image programmed")

	if err := s.recoveryReset(); err != nil {
		return err
	}
	f.log.Info("recovery reset issued")

	return nil
}

package flash

import (
	"errors"
	"fmt"

	"github.com/touchtron/touchflash/firmware"
	"github.com/touchtron/touchflash/regbus"
)

// Update decodes a firmware image and reflashes the device with it. What
// actually gets written depends on the go/no-go decision; see
// UpdateOptions for the overrides.
func (f *Flasher) Update(image []byte, opts UpdateOptions) error {
	img, err := firmware.Decode(image)
	if err != nil {
		return err
	}

	s, err := f.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		return ErrRecoveryMode
	}

	s.irqEnable(true)
	defer s.finishFlashing()

	if err := s.drv.readQueries(); err != nil {
		return err
	}

	f.log.WithField("image", img.String()).Info("starting reflash")

	// TDAT images carry no bootloader tag or flash config; everything
	// else must match the device's bootloader generation and, unless
	// forced, its partition layout.
	var st *imageState
	if img.Format == firmware.FormatTDAT {
		st = &imageState{img: img}
	} else {
		if BLVersion(img.BootloaderVersion) != s.blVersion {
			return fmt.Errorf("%w: image %d, device %d",
				ErrBootloaderMismatch, img.BootloaderVersion, s.blVersion)
		}

		st, err = s.prepareImage(img)
		if err != nil {
			return err
		}

		if st.newPartitionTable && !opts.Force {
			return ErrPartitionMismatch
		}
	}

	if err := s.drv.readStatus(); err != nil {
		return err
	}
	if s.inBLMode {
		s.comp.Clear()
		f.log.Info("device is in bootloader mode")
	}

	if opts.Lockdown && img.Lockdown.Present() &&
		(s.blVersion == BL_V5 || s.blVersion == BL_V6) {
		if err := s.doLockdown(img); err != nil {
			f.log.WithError(err).Error("lockdown failed")
		}
		s.resetDevice()
	}

	area, err := s.goNogo(st, opts.Force)
	if err != nil {
		return err
	}

	if area == flashNone {
		f.log.Info("device is up to date")
		return nil
	}

	if err := s.enterFlashProg(); err != nil {
		s.resetDevice()
		return err
	}

	f.host.SetState(regbus.StateFlash)

	switch area {
	case flashFirmware:
		err = s.doReflash(st)
	case flashConfig:
		if err = s.checkBlockCount("ui config", img.UIConfig.Size(), s.blkCount.uiConfig); err != nil {
			break
		}
		s.configArea = UIConfigArea
		if err = s.eraseConfig(); err != nil {
			break
		}
		err = s.writeConfigData(UIConfigArea, img.UIConfig.Data)
	}

	if err != nil {
		return fmt.Errorf("reflash: %w", err)
	}

	return nil
}

// UpdateNamed resolves an image through the host and updates with it.
func (f *Flasher) UpdateNamed(name string, opts UpdateOptions) error {
	image, err := f.host.RequestFirmware(name)
	if err != nil {
		return fmt.Errorf("request firmware %q: %w", name, err)
	}
	return f.Update(image, opts)
}

// finishFlashing is the unconditional exit path of every flashing
// operation: device reset, descriptor rescan and re-query so the runtime
// register map is current again, interrupts off, ready notification. The
// pump stays live through the re-query because the v7 partition table read
// completes by interrupt.
func (s *session) finishFlashing() {
	s.resetDevice()

	if err := s.scan(); err != nil {
		s.log.WithError(err).Error("descriptor rescan after flashing failed")
	} else if !s.desc.microloaderMode() {
		if err := s.drv.readQueries(); err != nil {
			s.log.WithError(err).Error("bootloader re-query after flashing failed")
		}
		if err := s.readConfigID(); err != nil {
			s.log.WithError(err).Error("config ID re-read after flashing failed")
		}
	}

	s.irqEnable(false)
	s.f.host.NotifyReady(false)
}

// ReadConfig reads one configuration area out of flash.
func (f *Flasher) ReadConfig(area ConfigArea) ([]byte, error) {
	s, err := f.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		return nil, ErrRecoveryMode
	}

	s.irqEnable(true)
	defer s.finishFlashing()

	if err := s.drv.readQueries(); err != nil {
		return nil, err
	}

	blocks, err := s.configBlockCount(area)
	if err != nil {
		return nil, err
	}

	if err := s.enterFlashProg(); err != nil {
		return nil, err
	}

	s.configArea = area
	data, err := s.drv.readBlocks(blocks, cmdReadConfig)
	if err != nil {
		return nil, fmt.Errorf("read %s config: %w", area, err)
	}

	return data, nil
}

func (s *session) configBlockCount(area ConfigArea) (int, error) {
	var blocks uint16
	switch area {
	case UIConfigArea:
		blocks = s.blkCount.uiConfig
	case DispConfigArea:
		if !s.props.hasDispConfig {
			return 0, fmt.Errorf("%w: %s", ErrAreaUnsupported, area)
		}
		blocks = s.blkCount.dpConfig
	case PermConfigArea:
		if !s.props.hasPermConfig {
			return 0, fmt.Errorf("%w: %s", ErrAreaUnsupported, area)
		}
		blocks = s.blkCount.pmConfig
	case BLConfigArea:
		if !s.props.hasBLConfig {
			return 0, fmt.Errorf("%w: %s", ErrAreaUnsupported, area)
		}
		blocks = s.blkCount.blConfig
	default:
		return 0, fmt.Errorf("%w: %s", ErrAreaUnsupported, area)
	}

	if blocks == 0 {
		return 0, fmt.Errorf("%w: %s reports zero blocks", ErrAreaUnsupported, area)
	}

	return int(blocks), nil
}

// WriteConfig erases and rewrites one configuration area with raw,
// operator-supplied bytes. Only the UI and display areas may be written
// this way.
func (f *Flasher) WriteConfig(area ConfigArea, data []byte) error {
	if area != UIConfigArea && area != DispConfigArea {
		return fmt.Errorf("%w: %s is not writable", ErrAreaUnsupported, area)
	}

	s, err := f.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		return ErrRecoveryMode
	}

	s.irqEnable(true)
	defer s.finishFlashing()

	if err := s.drv.readQueries(); err != nil {
		return err
	}

	blocks, err := s.configBlockCount(area)
	if err != nil {
		return err
	}
	if err := s.checkBlockCount(area.String()+" config", len(data), uint16(blocks)); err != nil {
		return err
	}

	if err := s.enterFlashProg(); err != nil {
		return err
	}

	s.configArea = area
	if err := s.eraseConfig(); err != nil {
		return fmt.Errorf("erase %s config: %w", area, err)
	}

	if err := s.writeConfigData(area, data); err != nil {
		return fmt.Errorf("write %s config: %w", area, err)
	}

	f.log.WithField("area", area.String()).Info("configuration written")

	return nil
}

// WriteGuestCode decodes an image and programs just its guest code
// partition.
func (f *Flasher) WriteGuestCode(image []byte) error {
	img, err := firmware.Decode(image)
	if err != nil {
		return err
	}
	if !img.HasGuestCode {
		return ErrNoGuestCode
	}

	s, err := f.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		return ErrRecoveryMode
	}

	s.irqEnable(true)
	defer s.finishFlashing()

	if err := s.drv.readQueries(); err != nil {
		return err
	}

	if !s.hasGuestCode {
		return ErrGuestCodeUnsupported
	}

	if err := s.enterFlashProg(); err != nil {
		return err
	}

	if err := s.checkBlockCount("guest code", img.GuestCode.Size(), s.blkCount.guestCode); err != nil {
		return err
	}

	if err := s.eraseGuestCode(); err != nil {
		return err
	}

	st := &imageState{img: img}
	if err := s.writeGuestCodeData(st); err != nil {
		return err
	}

	f.log.Info("guest code programmed")

	return nil
}

// EraseAll erases the firmware and configuration partitions without
// writing anything back. The device is left in the bootloader.
func (f *Flasher) EraseAll() error {
	s, err := f.begin()
	if err != nil {
		return err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		return ErrRecoveryMode
	}

	s.irqEnable(true)
	defer s.finishFlashing()

	if err := s.drv.readQueries(); err != nil {
		return err
	}

	if err := s.enterFlashProg(); err != nil {
		return err
	}

	if err := s.eraseAll(&imageState{}); err != nil {
		return err
	}

	f.log.Info("flash erased")

	return nil
}

// DeviceStatus is a snapshot of the controller's flashing-related state.
type DeviceStatus struct {
	BootloaderVersion BLVersion
	InBootloader      bool
	RecoveryMode      bool
	BlockSize         uint16
	FirmwareBlocks    uint16
	ConfigBlocks      uint16
	BuildID           uint32
	ConfigID          []byte
	FlashStatus       uint8
}

// Status queries the device without changing its state.
func (f *Flasher) Status() (*DeviceStatus, error) {
	s, err := f.begin()
	if err != nil {
		return nil, err
	}
	defer s.end()

	if s.desc.microloaderMode() {
		st := &DeviceStatus{RecoveryMode: true}
		if err := s.recoveryCheckStatus(); err != nil {
			var rerr *RecoveryError
			if !errors.As(err, &rerr) {
				return nil, err
			}
			st.FlashStatus = rerr.Status
		}
		return st, nil
	}

	// The v7 query path reads the partition table, which completes by
	// interrupt, so the pump runs even though nothing is flashed.
	s.irqEnable(true)
	defer s.irqEnable(false)

	if err := s.drv.readQueries(); err != nil {
		return nil, err
	}
	if err := s.drv.readStatus(); err != nil {
		return nil, err
	}

	st := &DeviceStatus{
		BootloaderVersion: s.blVersion,
		InBootloader:      s.inBLMode,
		BlockSize:         s.blockSize,
		FirmwareBlocks:    s.blkCount.uiFirmware,
		ConfigBlocks:      s.blkCount.uiConfig,
		FlashStatus:       s.flashStatus,
	}

	if id, err := s.readDeviceBuildID(); err == nil {
		st.BuildID = id
	}
	if err := s.readConfigID(); err == nil {
		st.ConfigID = append([]byte(nil), s.configID...)
	}

	return st, nil
}

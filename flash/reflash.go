package flash

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/touchtron/touchflash/firmware"
)

// flashArea is the go/no-go outcome.
type flashArea int

const (
	flashNone flashArea = iota
	flashFirmware
	flashConfig
)

// UpdateOptions control a firmware update.
type UpdateOptions struct {
	// Force reflashes regardless of build and config IDs, and permits an
	// image whose partition layout differs from the device's.
	Force bool

	// Lockdown writes the image's lockdown block before flashing if the
	// device is still unlocked. Only meaningful through v6.
	Lockdown bool
}

// imageState is the decoded image plus what comparing it against the
// device yielded.
type imageState struct {
	img               *firmware.Image
	blkCount          blockCounts
	physAddr          physAddrs
	newPartitionTable bool
}

// prepareImage validates a decoded image against the session's bootloader
// generation and, from v7 on, compares partition layouts.
func (s *session) prepareImage(img *firmware.Image) (*imageState, error) {
	st := &imageState{img: img}

	if s.blVersion >= BL_V7 {
		if !img.HasFlashConfig {
			return nil, ErrNoFlashConfig
		}

		st.blkCount, st.physAddr = parsePartitionTable(img.FlashConfig.Data, s.partitions)
		st.newPartitionTable = s.comparePartitionTables(&st.physAddr)
	}

	return st, nil
}

// comparePartitionTables reports whether the image places any partition the
// engine writes at a different physical address than the device does.
func (s *session) comparePartitionTables(img *physAddrs) bool {
	if s.physAddr.uiFirmware != img.uiFirmware {
		return true
	}
	if s.physAddr.uiConfig != img.uiConfig {
		return true
	}
	if s.props.hasDispConfig && s.physAddr.dpConfig != img.dpConfig {
		return true
	}
	if s.hasGuestCode && s.physAddr.guestCode != img.guestCode {
		return true
	}
	return false
}

// goNogo decides what a non-forced update needs to touch: everything, just
// the configuration, or nothing.
func (s *session) goNogo(st *imageState, force bool) (flashArea, error) {
	if force {
		return flashFirmware, nil
	}

	// A device stuck in the bootloader has no runnable firmware; its IDs
	// mean nothing.
	if s.inBLMode {
		return flashFirmware, nil
	}

	deviceID, err := s.readDeviceBuildID()
	if err != nil {
		return flashNone, err
	}

	// An image with no build ID gives the comparison nothing to work
	// with; without Force the device is left alone.
	if !st.img.HasFirmwareID {
		s.log.Info("image carries no build ID, device left untouched")
		return flashNone, nil
	}

	if st.img.FirmwareID != deviceID {
		s.log.WithFields(log.Fields{
			"device_build": fmt.Sprintf("%#x", deviceID),
			"image_build":  fmt.Sprintf("%#x", st.img.FirmwareID),
		}).Info("build IDs differ, full reflash")
		return flashFirmware, nil
	}

	if err := s.readConfigID(); err != nil {
		return flashNone, err
	}

	// Byte-lexicographic compare: an image config ID strictly above the
	// device's means newer configuration for the same firmware build.
	for i, dev := range s.configID {
		if i >= st.img.UIConfig.Size() {
			break
		}
		img := st.img.UIConfig.Data[i]
		if img > dev {
			return flashConfig, nil
		}
		if img < dev {
			return flashNone, nil
		}
	}

	return flashNone, nil
}

// checkBlockCount refuses an image block whose size is not exactly the
// device partition: a trailing partial block would otherwise be dropped on
// the way to flash.
func (s *session) checkBlockCount(area string, imageSize int, deviceBlocks uint16) error {
	blockSize := int(s.blockSize)
	if imageSize%blockSize != 0 || imageSize/blockSize != int(deviceBlocks) {
		return &SizeMismatchError{
			Area:         area,
			ImageBytes:   imageSize,
			BlockSize:    blockSize,
			DeviceBlocks: int(deviceBlocks),
		}
	}
	return nil
}

// eraseConfig erases the session's config area and waits it out.
func (s *session) eraseConfig() error {
	var cmd flashCommand
	switch s.configArea {
	case UIConfigArea:
		cmd = cmdEraseUIConfig
	case DispConfigArea:
		cmd = cmdEraseDispConfig
	case BLConfigArea:
		cmd = cmdEraseBLConfig
	default:
		return fmt.Errorf("config area %s cannot be erased directly", s.configArea)
	}

	if err := s.drv.writeCommand(cmd); err != nil {
		return err
	}

	return s.waitForIdle(s.eraseWait)
}

func (s *session) eraseGuestCode() error {
	if err := s.drv.writeCommand(cmdEraseGuestCode); err != nil {
		return err
	}
	return s.waitForIdle(s.eraseWait)
}

// eraseAll clears everything the reflash will rewrite. The v7 bootloader
// has no erase-all, so firmware and config go separately; v8 erases
// everything including the partition table and needs nothing else.
func (s *session) eraseAll(st *imageState) error {
	if s.blVersion == BL_V7 {
		if err := s.drv.writeCommand(cmdEraseUIFirmware); err != nil {
			return err
		}
		if err := s.waitForIdle(s.eraseWait); err != nil {
			return err
		}

		s.configArea = UIConfigArea
		if err := s.eraseConfig(); err != nil {
			return err
		}
	} else {
		if err := s.drv.writeCommand(cmdEraseAll); err != nil {
			return err
		}

		err := s.waitForIdle(s.eraseWait)
		if err != nil && !(s.blVersion == BL_V8 && s.flashStatus == STATUS_BAD_PARTITION_TABLE) {
			return err
		}

		// v8 erase-all covers every partition.
		if s.blVersion == BL_V8 {
			return nil
		}
	}

	if s.props.hasDispConfig {
		s.configArea = DispConfigArea
		if err := s.eraseConfig(); err != nil {
			return err
		}
	}

	if st.newPartitionTable && s.hasGuestCode {
		if err := s.eraseGuestCode(); err != nil {
			return err
		}
	}

	return nil
}

func (s *session) writeFirmware(st *imageState) error {
	blocks := st.img.UIFirmware.Size() / int(s.blockSize)
	return s.drv.writeBlocks(st.img.UIFirmware.Data, blocks, cmdWriteFW)
}

func (s *session) writeConfigData(area ConfigArea, data []byte) error {
	s.configArea = area
	blocks := len(data) / int(s.blockSize)
	return s.drv.writeBlocks(data, blocks, cmdWriteConfig)
}

func (s *session) writeGuestCodeData(st *imageState) error {
	blocks := st.img.GuestCode.Size() / int(s.blockSize)
	return s.drv.writeBlocks(st.img.GuestCode.Data, blocks, cmdWriteGuestCode)
}

func (s *session) writeLockdownData(img *firmware.Image) error {
	blocks := img.Lockdown.Size() / int(s.blockSize)
	return s.drv.writeBlocks(img.Lockdown.Data, blocks, cmdWriteLockdown)
}

// writeFlashConfig erases and rewrites the flash config partition and
// resets so the bootloader adopts the new partition table.
func (s *session) writeFlashConfig(st *imageState) error {
	if err := s.checkBlockCount("flash config", st.img.FlashConfig.Size(), s.blkCount.flConfig); err != nil {
		return err
	}

	if err := s.drv.writeCommand(cmdEraseFlashConfig); err != nil {
		return err
	}
	if err := s.waitForIdle(s.eraseWait); err != nil {
		return err
	}

	if err := s.writeConfigData(FlashConfigArea, st.img.FlashConfig.Data); err != nil {
		return err
	}

	s.resetDevice()

	return nil
}

// writePartitionTableV7 replaces the partition table on a v7 part. The
// bootloader config lives outside the erase, so it is saved first and
// restored after the new table is in place.
func (s *session) writePartitionTableV7(st *imageState) error {
	s.configArea = BLConfigArea
	saved, err := s.drv.readBlocks(int(s.blkCount.blConfig), cmdReadConfig)
	if err != nil {
		return fmt.Errorf("save bootloader config: %w", err)
	}

	if err := s.eraseConfig(); err != nil {
		return err
	}

	if err := s.writeFlashConfig(st); err != nil {
		return err
	}

	if err := s.writeConfigData(BLConfigArea, saved[:st.img.BLConfig.Size()]); err != nil {
		return fmt.Errorf("restore bootloader config: %w", err)
	}

	return nil
}

// writePartitionTableV8 writes the image's flash config; the v8 bootloader
// rebuilds the rest from it after reset.
func (s *session) writePartitionTableV8(st *imageState) error {
	if err := s.checkBlockCount("flash config", st.img.FlashConfig.Size(), s.blkCount.flConfig); err != nil {
		return err
	}

	if err := s.writeConfigData(FlashConfigArea, st.img.FlashConfig.Data); err != nil {
		return err
	}

	s.resetDevice()

	return nil
}

// doReflash is the full update: size validation, erase, optional partition
// table replacement, then firmware, configuration, display configuration
// and guest code in that order.
func (s *session) doReflash(st *imageState) error {
	img := st.img

	if !st.newPartitionTable {
		if err := s.checkBlockCount("ui firmware", img.UIFirmware.Size(), s.blkCount.uiFirmware); err != nil {
			return err
		}
		if err := s.checkBlockCount("ui config", img.UIConfig.Size(), s.blkCount.uiConfig); err != nil {
			return err
		}
		if s.props.hasDispConfig && img.HasDispConfig {
			if err := s.checkBlockCount("display config", img.DispConfig.Size(), s.blkCount.dpConfig); err != nil {
				return err
			}
		}
		if s.hasGuestCode && img.HasGuestCode {
			if err := s.checkBlockCount("guest code", img.GuestCode.Size(), s.blkCount.guestCode); err != nil {
				return err
			}
		}
	} else if s.blVersion == BL_V7 {
		if err := s.checkBlockCount("bootloader config", img.BLConfig.Size(), s.blkCount.blConfig); err != nil {
			return err
		}
	}

	if err := s.eraseAll(st); err != nil {
		return err
	}

	if s.blVersion == BL_V7 && st.newPartitionTable {
		if err := s.writePartitionTableV7(st); err != nil {
			return err
		}
		s.log.Info("partition table programmed")
	} else if s.blVersion == BL_V8 {
		if err := s.writePartitionTableV8(st); err != nil {
			return err
		}
		s.log.Info("partition table programmed")
	}

	if err := s.writeFirmware(st); err != nil {
		return err
	}
	s.log.Info("firmware programmed")

	if err := s.writeConfigData(UIConfigArea, img.UIConfig.Data); err != nil {
		return err
	}
	s.log.Info("configuration programmed")

	if s.props.hasDispConfig && img.HasDispConfig {
		if err := s.writeConfigData(DispConfigArea, img.DispConfig.Data); err != nil {
			return err
		}
		s.log.Info("display configuration programmed")
	}

	if st.newPartitionTable && s.hasGuestCode && img.HasGuestCode {
		if err := s.writeGuestCodeData(st); err != nil {
			return err
		}
		s.log.Info("guest code programmed")
	}

	return nil
}

// doLockdown writes the lockdown block if the device is still unlocked.
// The unlocked bit is re-read inside programming mode since it can only be
// trusted there.
func (s *session) doLockdown(img *firmware.Image) error {
	if err := s.enterFlashProg(); err != nil {
		return err
	}

	props, err := s.dev.RegRead(s.desc.flash.queryBase+s.propertiesOffset(), 1)
	if err != nil {
		return fmt.Errorf("read flash properties: %w", err)
	}

	if props[0]&0x02 == 0 {
		s.log.Info("device already locked down")
		return nil
	}

	if err := s.writeLockdownData(img); err != nil {
		return err
	}
	s.log.Info("lockdown programmed")

	return nil
}

func (s *session) propertiesOffset() uint16 {
	if s.blVersion == BL_V5 {
		return v5PropertiesOffset
	}
	return v6PropertiesOffset
}

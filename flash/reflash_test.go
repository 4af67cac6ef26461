package flash

import (
	"errors"
	"testing"

	"github.com/touchtron/touchflash/firmware"
)

func TestGoNogo(t *testing.T) {
	deviceBuild := []byte{0x56, 0x34, 0x12}
	deviceConfig := []byte{1, 2, 3, 4}

	tests := []struct {
		name      string
		force     bool
		inBL      bool
		hasID     bool
		imageID   uint32
		imgConfig []byte
		want      flashArea
	}{
		{"forced", true, false, true, 0x123456, deviceConfig, flashFirmware},
		{"stuck in bootloader", false, true, true, 0x123456, deviceConfig, flashFirmware},
		{"build mismatch", false, false, true, 0x999999, deviceConfig, flashFirmware},
		{"no image build id", false, false, false, 0, deviceConfig, flashNone},
		{"newer config", false, false, true, 0x123456, []byte{1, 2, 3, 5}, flashConfig},
		{"older config", false, false, true, 0x123456, []byte{1, 2, 2, 9}, flashNone},
		{"same config", false, false, true, 0x123456, deviceConfig, flashNone},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			dev.stage(0x52, deviceBuild...)
			dev.stage(0x50, deviceConfig...)

			s := newTestSession(dev)
			s.blVersion = BL_V6
			s.inBLMode = tc.inBL

			st := &imageState{img: &firmware.Image{
				HasFirmwareID: tc.hasID,
				FirmwareID:    tc.imageID,
				UIConfig:      firmware.Block{Data: tc.imgConfig},
			}}

			got, err := s.goNogo(st, tc.force)
			if err != nil {
				t.Fatalf("goNogo() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("goNogo() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckBlockCount(t *testing.T) {
	tests := []struct {
		name      string
		imageSize int
		blocks    uint16
		wantErr   bool
	}{
		{"exact fit", 1600, 100, false},
		{"block short", 1584, 100, true},
		{"block over", 1616, 100, true},
		{"trailing partial block", 1601, 100, true},
		{"one byte short", 1599, 100, true},
	}

	s := newTestSession(newFakeDevice())
	s.blockSize = 16

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.checkBlockCount("ui firmware", tc.imageSize, tc.blocks)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("checkBlockCount(%d) = %v", tc.imageSize, err)
				}
				return
			}

			var serr *SizeMismatchError
			if !errors.As(err, &serr) {
				t.Fatalf("checkBlockCount(%d) = %v, want SizeMismatchError", tc.imageSize, err)
			}
			if serr.ImageBytes != tc.imageSize || serr.DeviceBlocks != int(tc.blocks) {
				t.Errorf("SizeMismatchError = %d bytes/%d blocks, want %d/%d",
					serr.ImageBytes, serr.DeviceBlocks, tc.imageSize, tc.blocks)
			}
		})
	}
}

func TestComparePartitionTables(t *testing.T) {
	s := newTestSession(newFakeDevice())
	s.physAddr = physAddrs{uiFirmware: 0x10, uiConfig: 0x100, dpConfig: 0x180, guestCode: 0x200}
	s.props.hasDispConfig = true
	s.hasGuestCode = true

	same := s.physAddr
	if s.comparePartitionTables(&same) {
		t.Error("identical layouts reported as different")
	}

	moved := s.physAddr
	moved.uiConfig = 0x120
	if !s.comparePartitionTables(&moved) {
		t.Error("moved ui config not detected")
	}

	// Display placement only matters when the device has a display config
	// partition at all.
	s.props.hasDispConfig = false
	movedDisp := s.physAddr
	movedDisp.dpConfig = 0x190
	if s.comparePartitionTables(&movedDisp) {
		t.Error("display move flagged on a device without display config")
	}
}

func TestEraseAllV7(t *testing.T) {
	s := newTestSession(newFakeDevice())
	s.blVersion = BL_V7
	s.props.hasDispConfig = true
	drv := &stubDriver{s: s}
	s.drv = drv

	if err := s.eraseAll(&imageState{}); err != nil {
		t.Fatalf("eraseAll: %v", err)
	}

	// v7 has no erase-all command; firmware, ui config and display config
	// go out separately.
	want := []flashCommand{cmdEraseUIFirmware, cmdEraseUIConfig, cmdEraseDispConfig}
	if len(drv.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", drv.commands, want)
	}
	for i, cmd := range want {
		if drv.commands[i] != cmd {
			t.Fatalf("commands = %v, want %v", drv.commands, want)
		}
	}
}

func TestEraseAllV8(t *testing.T) {
	s := newTestSession(newFakeDevice())
	s.blVersion = BL_V8
	s.props.hasDispConfig = true
	drv := &stubDriver{s: s}
	s.drv = drv

	if err := s.eraseAll(&imageState{}); err != nil {
		t.Fatalf("eraseAll: %v", err)
	}

	// v8 erase-all covers every partition including the display config.
	if len(drv.commands) != 1 || drv.commands[0] != cmdEraseAll {
		t.Fatalf("commands = %v, want [cmdEraseAll]", drv.commands)
	}
}

func TestEraseAllV6GuestCode(t *testing.T) {
	s := newTestSession(newFakeDevice())
	s.blVersion = BL_V6
	s.hasGuestCode = true
	drv := &stubDriver{s: s}
	s.drv = drv

	if err := s.eraseAll(&imageState{newPartitionTable: true}); err != nil {
		t.Fatalf("eraseAll: %v", err)
	}

	want := []flashCommand{cmdEraseAll, cmdEraseGuestCode}
	if len(drv.commands) != len(want) {
		t.Fatalf("commands = %v, want %v", drv.commands, want)
	}
	for i, cmd := range want {
		if drv.commands[i] != cmd {
			t.Fatalf("commands = %v, want %v", drv.commands, want)
		}
	}
}

func TestPrepareImageRequiresFlashConfig(t *testing.T) {
	s := newTestSession(newFakeDevice())
	s.blVersion = BL_V7

	_, err := s.prepareImage(&firmware.Image{})
	if !errors.Is(err, ErrNoFlashConfig) {
		t.Fatalf("prepareImage() = %v, want ErrNoFlashConfig", err)
	}
}

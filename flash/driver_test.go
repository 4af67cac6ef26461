package flash

import (
	"bytes"
	"testing"
)

func newV5V6(s *session) *v5v6Driver {
	d := &v5v6Driver{s: s}
	d.off.blockNumber = v6BlockNumberOffset
	d.off.payload = v6BlockDataOffset
	d.off.flashCmd = v6FlashCommandOffset
	d.off.flashStatus = v6FlashStatusOffset
	s.drv = d
	return d
}

func newV7(s *session) *v7Driver {
	d := &v7Driver{s: s}
	d.off.flashStatus = v7FlashStatusOffset
	d.off.partitionID = v7PartitionIDOffset
	d.off.blockNumber = v7BlockNumberOffset
	d.off.transferLength = v7TransferLengthOffset
	d.off.flashCmd = v7CommandOffset
	d.off.payload = v7PayloadOffset
	s.drv = d
	return d
}

func checkWrite(t *testing.T, w regWrite, addr uint16, data []byte) {
	t.Helper()
	if w.addr != addr {
		t.Errorf("write addr = %#04x, want %#04x", w.addr, addr)
	}
	if !bytes.Equal(w.data, data) {
		t.Errorf("write data = % x, want % x", w.data, data)
	}
}

func TestV5V6EraseUnlock(t *testing.T) {
	dev := newFakeDevice()
	s := newTestSession(dev)
	s.blVersion = BL_V6
	s.bootloaderID = [2]byte{0x32, 0x44}
	d := newV5V6(s)

	if err := d.writeCommand(cmdEraseAll); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}

	// Erase commands unlock by writing the bootloader ID to the payload
	// register before the command byte.
	if len(dev.writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(dev.writes))
	}
	checkWrite(t, dev.writes[0], 0x11, []byte{0x32, 0x44})
	checkWrite(t, dev.writes[1], 0x12, []byte{CMD_V5V6_ERASE_ALL})
}

func TestV5V6WriteCommandNoUnlock(t *testing.T) {
	dev := newFakeDevice()
	s := newTestSession(dev)
	s.blVersion = BL_V6
	d := newV5V6(s)

	if err := d.writeCommand(cmdWriteConfig); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}

	if len(dev.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(dev.writes))
	}
	checkWrite(t, dev.writes[0], 0x12, []byte{CMD_V5V6_WRITE_CONFIG})
}

func TestV5V6WriteBlocks(t *testing.T) {
	dev := newFakeDevice()
	s := newTestSession(dev)
	s.blVersion = BL_V6
	s.blockSize = 4
	s.configArea = DispConfigArea
	d := newV5V6(s)

	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	if err := d.writeBlocks(data, 2, cmdWriteConfig); err != nil {
		t.Fatalf("writeBlocks: %v", err)
	}

	if len(dev.writes) != 5 {
		t.Fatalf("got %d writes, want 5", len(dev.writes))
	}
	checkWrite(t, dev.writes[0], 0x10, []byte{0, uint8(DispConfigArea) << 5})
	checkWrite(t, dev.writes[1], 0x11, data[0:4])
	checkWrite(t, dev.writes[2], 0x12, []byte{CMD_V5V6_WRITE_CONFIG})
	checkWrite(t, dev.writes[3], 0x11, data[4:8])
	checkWrite(t, dev.writes[4], 0x12, []byte{CMD_V5V6_WRITE_CONFIG})
}

func TestV5V6ReadStatus(t *testing.T) {
	tests := []struct {
		name       string
		version    BLVersion
		statusReg  byte
		cmdReg     byte
		wantInBL   bool
		wantStatus uint8
		wantCmd    uint8
	}{
		{"v5 busy", BL_V5, 0xb2, 0xb2, true, 3, 2},
		{"v5 idle", BL_V5, 0x00, 0x00, false, 0, 0},
		{"v6 error", BL_V6, 0x85, 0x46, true, 5, 6},
		{"v6 idle", BL_V6, 0x80, 0x00, true, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			s := newTestSession(dev)
			s.blVersion = tc.version
			d := newV5V6(s)
			if tc.version == BL_V5 {
				// v5 status and command share one register behind the payload.
				d.off.flashCmd = 0x06
				d.off.flashStatus = 0x06
				dev.stage(0x16, tc.statusReg)
			} else {
				dev.stage(0x13, tc.statusReg)
				dev.stage(0x12, tc.cmdReg)
			}

			if err := d.readStatus(); err != nil {
				t.Fatalf("readStatus: %v", err)
			}

			if s.inBLMode != tc.wantInBL {
				t.Errorf("inBLMode = %v, want %v", s.inBLMode, tc.wantInBL)
			}
			if s.flashStatus != tc.wantStatus {
				t.Errorf("flashStatus = %#x, want %#x", s.flashStatus, tc.wantStatus)
			}
			if s.command != tc.wantCmd {
				t.Errorf("command = %#x, want %#x", s.command, tc.wantCmd)
			}
		})
	}
}

func TestV7SingleTransaction(t *testing.T) {
	tests := []struct {
		name          string
		cmd           flashCommand
		area          ConfigArea
		wantPartition uint8
		wantCommand   uint8
	}{
		{"erase all", cmdEraseAll, UIConfigArea, CORE_CODE_PARTITION, CMD_V7_ERASE_AP},
		{"erase firmware", cmdEraseUIFirmware, UIConfigArea, CORE_CODE_PARTITION, CMD_V7_ERASE},
		{"erase flash config", cmdEraseFlashConfig, UIConfigArea, FLASH_CONFIG_PARTITION, CMD_V7_ERASE},
		{"erase display config", cmdEraseDispConfig, UIConfigArea, DISPLAY_CONFIG_PARTITION, CMD_V7_ERASE},
		{"enter bootloader", cmdEnableFlashProg, UIConfigArea, BOOTLOADER_PARTITION, CMD_V7_ENTER_BL},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			s := newTestSession(dev)
			s.blVersion = BL_V7
			s.bootloaderID = [2]byte{0x34, 0x07}
			s.configArea = tc.area
			d := newV7(s)

			if err := d.writeCommand(tc.cmd); err != nil {
				t.Fatalf("writeCommand: %v", err)
			}

			if len(dev.writes) != 1 {
				t.Fatalf("got %d writes, want 1", len(dev.writes))
			}
			frame := []byte{tc.wantPartition, 0, 0, 0, 0, tc.wantCommand, 0x34, 0x07}
			checkWrite(t, dev.writes[0], 0x11, frame)
		})
	}
}

func TestV7WriteCommandData(t *testing.T) {
	dev := newFakeDevice()
	s := newTestSession(dev)
	s.blVersion = BL_V7
	d := newV7(s)

	if err := d.writeCommand(cmdWriteFW); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}

	if len(dev.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(dev.writes))
	}
	checkWrite(t, dev.writes[0], 0x14, []byte{CMD_V7_WRITE})
}

func TestV7MaxTransfer(t *testing.T) {
	tests := []struct {
		name          string
		blockSize     uint16
		payloadLength uint16
		want          int
	}{
		{"payload window caps", 16, 100, 100},
		{"flash page caps", 16, 1000, 256},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(newFakeDevice())
			s.blockSize = tc.blockSize
			s.payloadLength = tc.payloadLength
			d := newV7(s)

			if got := d.maxTransfer(); got != tc.want {
				t.Errorf("maxTransfer() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestV7WriteBlocksChunking(t *testing.T) {
	dev := newFakeDevice()
	s := newTestSession(dev)
	s.blVersion = BL_V7
	s.blockSize = 4
	s.payloadLength = 2
	s.configArea = UIConfigArea
	d := newV7(s)

	data := make([]byte, 12)
	for i := range data {
		data[i] = byte(i)
	}

	if err := d.writeBlocks(data, 3, cmdWriteConfig); err != nil {
		t.Fatalf("writeBlocks: %v", err)
	}

	// Partition select, block number, then two transactions of 2 and 1
	// blocks.
	if len(dev.writes) != 8 {
		t.Fatalf("got %d writes, want 8", len(dev.writes))
	}
	checkWrite(t, dev.writes[0], 0x11, []byte{CORE_CONFIG_PARTITION})
	checkWrite(t, dev.writes[1], 0x12, []byte{0, 0})
	checkWrite(t, dev.writes[2], 0x13, []byte{2, 0})
	checkWrite(t, dev.writes[3], 0x14, []byte{CMD_V7_WRITE})
	checkWrite(t, dev.writes[4], 0x15, data[0:8])
	checkWrite(t, dev.writes[5], 0x13, []byte{1, 0})
	checkWrite(t, dev.writes[6], 0x14, []byte{CMD_V7_WRITE})
	checkWrite(t, dev.writes[7], 0x15, data[8:12])
}

func TestV7ReadStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusReg  byte
		wantInBL   bool
		wantStatus uint8
	}{
		{"bad partition table normalized", 0x88, true, 0x00},
		{"real error kept", 0x85, true, 0x05},
		{"runtime idle", 0x00, false, 0x00},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := newFakeDevice()
			s := newTestSession(dev)
			s.blVersion = BL_V7
			d := newV7(s)

			dev.stage(0x10, tc.statusReg)
			dev.stage(0x11, 0, 0, 0, 0, 0, CMD_V7_READ, 0, 0)

			if err := d.readStatus(); err != nil {
				t.Fatalf("readStatus: %v", err)
			}

			if s.inBLMode != tc.wantInBL {
				t.Errorf("inBLMode = %v, want %v", s.inBLMode, tc.wantInBL)
			}
			if s.flashStatus != tc.wantStatus {
				t.Errorf("flashStatus = %#x, want %#x", s.flashStatus, tc.wantStatus)
			}
			if s.command != CMD_V7_READ {
				t.Errorf("command = %#x, want %#x", s.command, CMD_V7_READ)
			}
		})
	}
}

func TestParsePartitionTable(t *testing.T) {
	entry := func(table []byte, i int, id uint8, length, addr uint16) {
		off := i*8 + 2
		table[off] = id
		table[off+2] = uint8(length)
		table[off+3] = uint8(length >> 8)
		table[off+4] = uint8(addr)
		table[off+5] = uint8(addr >> 8)
	}

	table := make([]byte, 4*8+2)
	entry(table, 0, CORE_CODE_PARTITION, 0x0080, 0x0010)
	entry(table, 1, CORE_CONFIG_PARTITION, 0x0020, 0x0100)
	entry(table, 2, FLASH_CONFIG_PARTITION, 0x0004, 0x0000)
	entry(table, 3, GUEST_CODE_PARTITION, 0x0040, 0x0200)

	bc, pa := parsePartitionTable(table, 4)

	if bc.uiFirmware != 0x80 || pa.uiFirmware != 0x10 {
		t.Errorf("core code = %d blocks at %#x, want 128 at 0x10", bc.uiFirmware, pa.uiFirmware)
	}
	if bc.uiConfig != 0x20 || pa.uiConfig != 0x100 {
		t.Errorf("core config = %d blocks at %#x, want 32 at 0x100", bc.uiConfig, pa.uiConfig)
	}
	if bc.flConfig != 4 {
		t.Errorf("flash config = %d blocks, want 4", bc.flConfig)
	}
	if bc.guestCode != 0x40 || pa.guestCode != 0x200 {
		t.Errorf("guest code = %d blocks at %#x, want 64 at 0x200", bc.guestCode, pa.guestCode)
	}
}

func TestParsePartitionTableTruncated(t *testing.T) {
	table := make([]byte, 8+2)
	table[2] = CORE_CODE_PARTITION
	table[4] = 0x10

	// The second entry does not fit; the parse stops without touching it.
	bc, _ := parsePartitionTable(table, 2)
	if bc.uiFirmware != 0x10 {
		t.Errorf("uiFirmware = %d, want 16", bc.uiFirmware)
	}
}

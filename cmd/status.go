package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the controller's bootloader and flash state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		st, err := f.Status()
		if err != nil {
			return err
		}

		if st.RecoveryMode {
			fmt.Println("Device is in microloader recovery mode")
			fmt.Printf("Microloader status: %#02x\n", st.FlashStatus)
			return nil
		}

		fmt.Printf("Bootloader version: %d\n", st.BootloaderVersion)
		fmt.Printf("In bootloader mode: %v\n", st.InBootloader)
		fmt.Printf("Block size:         %d bytes\n", st.BlockSize)
		fmt.Printf("Firmware blocks:    %d\n", st.FirmwareBlocks)
		fmt.Printf("Config blocks:      %d\n", st.ConfigBlocks)
		fmt.Printf("Build ID:           %d\n", st.BuildID)
		if len(st.ConfigID) > 0 {
			fmt.Printf("Config ID:          %x\n", st.ConfigID)
		}
		fmt.Printf("Flash status:       %#02x\n", st.FlashStatus)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

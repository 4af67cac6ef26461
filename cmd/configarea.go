package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/touchtron/touchflash/flash"
)

func parseArea(name string) (flash.ConfigArea, error) {
	switch name {
	case "ui":
		return flash.UIConfigArea, nil
	case "display":
		return flash.DispConfigArea, nil
	case "permanent":
		return flash.PermConfigArea, nil
	case "bootloader":
		return flash.BLConfigArea, nil
	}
	return 0, fmt.Errorf("unknown config area %q (ui, display, permanent, bootloader)", name)
}

var readConfigOut string

var readConfigCmd = &cobra.Command{
	Use:   "readconfig <area>",
	Short: "Read a configuration area out of flash",
	Long: `Read a configuration area out of flash.

Areas: ui, display, permanent, bootloader. Without --out the data is
hex-dumped to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		area, err := parseArea(args[0])
		if err != nil {
			return err
		}

		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		data, err := f.ReadConfig(area)
		if err != nil {
			return err
		}

		if readConfigOut != "" {
			return os.WriteFile(readConfigOut, data, 0644)
		}

		fmt.Print(hex.Dump(data))
		return nil
	},
}

var writeConfigCmd = &cobra.Command{
	Use:   "writeconfig <area> <file>",
	Short: "Erase and rewrite a configuration area with raw bytes",
	Long: `Erase and rewrite a configuration area with raw bytes.

Only the ui and display areas are writable. The file size must match the
device's block geometry for the area exactly.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		area, err := parseArea(args[0])
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read config data: %w", err)
		}

		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		return f.WriteConfig(area, data)
	},
}

func init() {
	rootCmd.AddCommand(readConfigCmd)
	rootCmd.AddCommand(writeConfigCmd)
	readConfigCmd.Flags().StringVarP(&readConfigOut, "out", "o", "", "write the data to a file instead of hex-dumping it")
}

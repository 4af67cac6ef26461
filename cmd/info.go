package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/touchtron/touchflash/firmware"
)

var infoCmd = &cobra.Command{
	Use:   "info <image>",
	Short: "Decode a firmware image and print what it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buf, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		img, err := firmware.Decode(buf)
		if err != nil {
			return err
		}

		fmt.Println(img.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <microbootloader image>",
	Short: "Rebuild an empty or corrupted flash through the microloader",
	Long: `Rebuild an empty or corrupted flash through the microloader.

Only works on a device that came up in recovery mode (check with the
status command). The image is a raw microbootloader blob, not a regular
firmware image. After recovery the device resets into its bootloader and
a normal update can follow.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read microbootloader image: %w", err)
		}

		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		return f.Recover(image)
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

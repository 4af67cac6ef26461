package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/touchtron/touchflash/flash"
)

var (
	updateForce    bool
	updateLockdown bool
)

var updateCmd = &cobra.Command{
	Use:   "update <image>",
	Short: "Decode a firmware image and reflash the controller with it",
	Long: `Decode a firmware image and reflash the controller with it.

The image is taken from the given path if it exists, otherwise it is
looked up by name in the configured firmware directory. Unless --force is
given, the device's build and configuration IDs decide whether anything
is written at all.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		opts := flash.UpdateOptions{Force: updateForce, Lockdown: updateLockdown}

		if image, err := os.ReadFile(args[0]); err == nil {
			return f.Update(image, opts)
		}
		return f.UpdateNamed(args[0], opts)
	},
}

var guestCodeCmd = &cobra.Command{
	Use:   "guestcode <image>",
	Short: "Program the guest code partition from a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		return f.WriteGuestCode(image)
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(guestCodeCmd)
	updateCmd.Flags().BoolVarP(&updateForce, "force", "f", false, "reflash regardless of build and config IDs")
	updateCmd.Flags().BoolVar(&updateLockdown, "lockdown", false, "write the image's lockdown block if the device is still unlocked (v5/v6 only)")
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var eraseYes bool

var eraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase the firmware and configuration partitions",
	Long: `Erase the firmware and configuration partitions without writing
anything back. The device is left in the bootloader and will not run
firmware again until an update is flashed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !eraseYes {
			fmt.Fprintln(os.Stderr, "erase leaves the device without runnable firmware; pass --yes to confirm")
			return fmt.Errorf("not confirmed")
		}

		f, done, err := openFlasher()
		if err != nil {
			return err
		}
		defer done()

		return f.EraseAll()
	},
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().BoolVar(&eraseYes, "yes", false, "confirm the erase")
}

package cmd

import (
	"fmt"
	"os"

	"github.com/cheggaaa/pb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/touchtron/touchflash/config"
	"github.com/touchtron/touchflash/flash"
	"github.com/touchtron/touchflash/regbus/serialbridge"
)

var (
	cfgFile      string
	portOverride string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "touchflash",
	Short: "Reflash the external flash of a touch controller over a register bridge",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		if portOverride != "" {
			cfg.Bridge.Port = portOverride
		}

		log.SetLevel(cfg.Level())
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&portOverride, "port", "p", "", "serial port of the register bridge (overrides config)")
}

// openFlasher connects to the bridge and builds a flash engine on it. The
// returned func closes the bridge.
func openFlasher() (*flash.Flasher, func(), error) {
	bridge, err := serialbridge.Open(serialbridge.PortConfig{
		Port:        cfg.Bridge.Port,
		Baud:        cfg.Bridge.Baud,
		ReadTimeout: cfg.Bridge.ReadTimeout(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to bridge: %w", err)
	}

	f := flash.New(bridge,
		flash.WithHost(newFileHost(cfg.FirmwareDir)),
		flash.WithProgress(progressBar()),
	)

	return f, func() { bridge.Close() }, nil
}

// progressBar renders one bar per flashing stage.
func progressBar() flash.ProgressFunc {
	var bar *pb.ProgressBar
	var stage string

	return func(s string, done, total int) {
		if bar == nil || s != stage {
			if bar != nil {
				bar.Finish()
			}
			bar = pb.New(total).Prefix(s)
			bar.Start()
			stage = s
		}

		bar.Set(done)
		if done >= total {
			bar.Finish()
			bar = nil
		}
	}
}

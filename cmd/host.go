package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/touchtron/touchflash/regbus"
)

// fileHost resolves named firmware images from the configured firmware
// directory. The CLI has no input pipeline to quiesce and nothing to
// suspend, so the lifecycle signals only show up in debug logging.
type fileHost struct {
	dir string
	log *log.Entry
}

func newFileHost(dir string) *fileHost {
	return &fileHost{
		dir: dir,
		log: log.WithField("component", "host"),
	}
}

func (h *fileHost) SetState(state regbus.DeviceState) {
	h.log.WithField("state", state.String()).Debug("device state changed")
}

func (h *fileHost) NotifyReady(ready bool) {
	h.log.WithField("ready", ready).Debug("device ready notification")
}

func (h *fileHost) KeepAwake(hold bool) {}

func (h *fileHost) RequestFirmware(name string) ([]byte, error) {
	path := filepath.Join(h.dir, filepath.Base(name))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", regbus.ErrNoFirmware, name)
	}
	return data, nil
}

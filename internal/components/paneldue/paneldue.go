// Package paneldue is a stub for the PanelDue serial-bridge component
// spec.md lists among the small ecosystem of optional components: it
// claims a configured serial device path and registers itself in the
// component lifecycle, without implementing the G-code display protocol
// PanelDue firmware actually speaks.
package paneldue

import (
	"os"

	"github.com/moonbridge/moonbridge/internal/gwerr"
	"github.com/moonbridge/moonbridge/internal/server"
)

// Component claims its configured serial device on Init and releases it
// on Close. It does not read or write to the device beyond an existence
// check; the display protocol itself is out of scope.
type Component struct {
	devicePath string
	claimed    bool
}

// New builds a paneldue component bound to devicePath (e.g.
// "/dev/ttyACM1"), read from the component's config section.
func New(devicePath string) *Component {
	return &Component{devicePath: devicePath}
}

func (c *Component) Name() string { return "paneldue" }

// Init verifies the configured serial device exists. This component is
// optional: a missing device is reported but does not abort startup.
func (c *Component) Init(ctx *server.Context) error {
	if c.devicePath == "" {
		return gwerr.Config("paneldue: no serial_device configured")
	}
	if _, err := os.Stat(c.devicePath); err != nil {
		return gwerr.Config("paneldue: serial device %s unavailable: %v", c.devicePath, err)
	}
	c.claimed = true
	ctx.Log.Info().Str("device", c.devicePath).Msg("paneldue claimed serial device")
	return nil
}

// Close releases the claim. There is no open file descriptor to close
// since this stub never opens the device for I/O.
func (c *Component) Close() error {
	c.claimed = false
	return nil
}

// Claimed reports whether Init successfully claimed the device.
func (c *Component) Claimed() bool { return c.claimed }

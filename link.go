package tigon

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/config"
	"github.com/slackhq/tigon/hw"
)

// LinkStatus reports the state of the PHY. Transmits are refused while the
// link is down.
type LinkStatus interface {
	Link() hw.LinkState
}

// StaticLink is a [LinkStatus] that never changes.
type StaticLink hw.LinkState

func (s StaticLink) Link() hw.LinkState {
	return hw.LinkState(s)
}

// newLinkStatusFromConfig picks the link source named by link.source. The
// emulator is used when the source is "emulator".
func newLinkStatusFromConfig(l *logrus.Logger, c *config.C, emulated LinkStatus) (LinkStatus, error) {
	source := c.GetString("link.source", "emulator")
	switch source {
	case "emulator":
		return emulated, nil
	case "static":
		return StaticLink{
			Up:         c.GetBool("link.up", true),
			SpeedMbps:  c.GetInt("link.speed", 1000),
			FullDuplex: c.GetBool("link.full_duplex", true),
		}, nil
	case "netlink":
		name := c.GetString("link.interface", "")
		if name == "" {
			return nil, errors.New("link.interface must be set when link.source is netlink")
		}
		return newNetlinkLink(l, name)
	default:
		return nil, fmt.Errorf("link.source was not understood: %s", source)
	}
}

package tigon

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/hw"
	"github.com/vishvananda/netlink"
)

// netlinkLink follows the state of a host interface.
type netlinkLink struct {
	l    *logrus.Logger
	name string
}

func newNetlinkLink(l *logrus.Logger, name string) (LinkStatus, error) {
	if _, err := netlink.LinkByName(name); err != nil {
		return nil, err
	}
	return &netlinkLink{l: l, name: name}, nil
}

func (n *netlinkLink) Link() hw.LinkState {
	link, err := netlink.LinkByName(n.name)
	if err != nil {
		n.l.WithError(err).WithField("interface", n.name).Debug("Failed to query link")
		return hw.LinkState{}
	}

	attrs := link.Attrs()
	up := attrs.OperState == netlink.OperUp ||
		(attrs.OperState == netlink.OperUnknown && attrs.Flags&net.FlagUp != 0)
	if !up {
		return hw.LinkState{}
	}

	return hw.LinkState{
		Up:         true,
		SpeedMbps:  n.readSysfsInt("speed"),
		FullDuplex: n.readSysfs("duplex") != "half",
	}
}

func (n *netlinkLink) readSysfs(attr string) string {
	b, err := os.ReadFile(filepath.Join("/sys/class/net", n.name, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (n *netlinkLink) readSysfsInt(attr string) int {
	v, err := strconv.Atoi(n.readSysfs(attr))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

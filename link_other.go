//go:build !linux
// +build !linux

package tigon

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

func newNetlinkLink(_ *logrus.Logger, name string) (LinkStatus, error) {
	return nil, fmt.Errorf("netlink link source for %s is not supported on this platform", name)
}

//go:build !linux

package main

import "errors"

var errNoNotifySocket = errors.New("service notification is only supported on linux")

func notifyReady() error {
	return errNoNotifySocket
}

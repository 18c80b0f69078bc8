package main

import (
	"errors"
	"net"
	"os"
	"time"
)

// sdNotifyReady is the sd_notify(3) state telling systemd the device is up.
const sdNotifyReady = "READY=1"

// errNoNotifySocket means we were not started by systemd with Type=notify.
var errNoNotifySocket = errors.New("NOTIFY_SOCKET is not set")

func notifyReady() error {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		return errNoNotifySocket
	}

	conn, err := net.DialTimeout("unixgram", sock, time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return err
	}
	_, err = conn.Write([]byte(sdNotifyReady))
	return err
}

package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sdNotifyReady is the sd_notify(3) state telling systemd startup is done.
const sdNotifyReady = "READY=1"

// notifyReady signals a Type=notify unit that the adapter is up. It does
// nothing when not started by systemd.
func notifyReady(l *logrus.Logger) {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		l.Debug("Not started by systemd, skipping the ready notification")
		return
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		l.WithError(err).WithField("socket", sock).Error("Failed to reach the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a deadline on the systemd notification socket")
		return
	}

	if _, err := conn.Write([]byte(sdNotifyReady)); err != nil {
		l.WithError(err).Error("Failed to notify systemd")
		return
	}

	l.Debug("Notified systemd that the adapter is up")
}

//go:build linux

package boson

import (
	"golang.org/x/sys/unix"
)

const (
	EFD_CLOEXEC  = unix.EFD_CLOEXEC
	EFD_NONBLOCK = unix.EFD_NONBLOCK
)

// createWakeFd creates an eventfd for wake-up notifications (Linux). The
// same fd serves as both read and write end.
func createWakeFd(initval uint, flags int) (int, int, error) {
	fd, err := unix.Eventfd(initval, flags)
	return fd, fd, err
}

// closeWakeFd closes a wake eventfd.
func closeWakeFd(wakeFd, wakeWriteFd int) error {
	if wakeFd >= 0 {
		_ = unix.Close(wakeFd)
	}
	return nil
}

// isWakeFdSupported returns true on Linux (eventfd mechanism).
func isWakeFdSupported() bool {
	return true
}

// drainWakeFd drains a single wake eventfd's accumulated counter.
func drainWakeFd(fd int) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return nil
		}
	}
}

// writeWakeFd increments a wake eventfd's counter by one, waking anyone
// polling on it. eventfd counters are native-endian 64-bit integers.
func writeWakeFd(fd int) error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(fd, buf[:])
	return err
}

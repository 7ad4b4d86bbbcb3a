//go:build linux || darwin

package rfc4733

import (
	"golang.org/x/sys/unix"
)

func setSockOpts(fd, dscp int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}
	// DSCP в старших 6 битах TOS; в контейнерах может быть запрещено
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	return nil
}

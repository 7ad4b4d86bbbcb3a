package rfc4733

import (
	"context"
	"net"
	"syscall"
)

// DSCPExpedited маркировка EF для голосового трафика
const DSCPExpedited = 46

// ListenPacket открывает UDP сокет для приема RTP с SO_REUSEPORT
// и DSCP маркировкой, если платформа это поддерживает.
func ListenPacket(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSockOpts(int(fd), DSCPExpedited)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp", addr)
}

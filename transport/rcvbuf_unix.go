//go:build linux || darwin

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// receiveBufferSize samples the socket's receive-buffer capacity once at
// bind time. Each receive iteration allocates a buffer of this size, clamped
// to the UDP datagram maximum.
func receiveBufferSize(conn *net.UDPConn) int {
	size := 0
	if raw, err := conn.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			size, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		})
	}
	if size <= 0 || size > maxDatagramSize {
		return maxDatagramSize
	}
	return size
}

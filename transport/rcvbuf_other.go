//go:build !linux && !darwin

package transport

import "net"

func receiveBufferSize(_ *net.UDPConn) int {
	return maxDatagramSize
}

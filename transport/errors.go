package transport

import (
	"errors"
	"fmt"
	"net"
)

// ErrClosed is returned by every public operation after Close.
var ErrClosed = errors.New("listener binding closed")

// ErrAddressFamilyUnsupported is returned by Start when the local OS cannot
// bind sockets of the endpoint's address family.
var ErrAddressFamilyUnsupported = errors.New("address family not supported by the operating system")

// PortInUseError is returned by Start when the endpoint is already bound
// elsewhere.
type PortInUseError struct {
	Endpoint *net.UDPAddr
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("endpoint %s already in use", e.Endpoint)
}

// DecodeError wraps a decoder failure together with the datagram that caused
// it, for diagnostics. It is published as an error notification and never
// stops the receive loop.
type DecodeError struct {
	Bytes []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode %d-byte datagram: %v", len(e.Bytes), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

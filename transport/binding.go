// Package transport implements the UDP listener binding of an SNMP engine:
// one socket per local endpoint, an asynchronous receive loop that fans each
// datagram out to an independent decode task, and synchronous notifications
// to registered subscribers.
package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs/v2"

	"github.com/soundarkarunagaran/sharpsnmplib"
)

var mon = monkit.Package()

// maxDatagramSize is the largest payload a UDP datagram can carry; receive
// buffers are never sized beyond it.
const maxDatagramSize = 64 * 1024

// Lifecycle states. A live, bound socket exists if and only if the state is
// active. All transitions go through compare-and-swap on the state cell.
const (
	stateInactive int32 = iota
	stateActive
	stateDisposed
)

// MessageFunc receives one decoded message, the address it arrived from and
// the binding that received it.
type MessageFunc func(source *net.UDPAddr, msg *snmp.Message, binding *ListenerBinding)

// ErrorFunc receives decode failures and fatal receive faults.
type ErrorFunc func(err error)

type msgSub struct {
	id int
	fn MessageFunc
}

type errSub struct {
	id int
	fn ErrorFunc
}

// ListenerBinding owns one UDP socket bound to one local endpoint. The zero
// value is not usable; construct with NewListenerBinding. Start, Stop and
// Close are idempotent; Close is terminal.
type ListenerBinding struct {
	users    *snmp.UserRegistry
	endpoint *net.UDPAddr
	decode   snmp.Decoder

	state atomic.Int32
	conn  atomic.Pointer[net.UDPConn]

	// startMu serializes Start's transition-bind-store sequence so that two
	// overlapping Starts can never install sockets over each other. Stop and
	// Close never install a socket and stay lock-free.
	startMu sync.Mutex

	subMu   sync.Mutex
	msgSubs []msgSub
	errSubs []errSub
	nextID  int
}

// Option adjusts a ListenerBinding at construction time.
type Option func(*ListenerBinding)

// WithDecoder replaces the default gosnmp-backed decoder.
func WithDecoder(decode snmp.Decoder) Option {
	return func(b *ListenerBinding) {
		b.decode = decode
	}
}

// NewListenerBinding creates a binding for the given endpoint. The registry
// is handed through to the decoder untouched and may be nil when only
// community-based messages are expected.
func NewListenerBinding(users *snmp.UserRegistry, endpoint *net.UDPAddr, opts ...Option) *ListenerBinding {
	b := &ListenerBinding{
		users:    users,
		endpoint: endpoint,
		decode:   snmp.DecodeMessage,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Endpoint returns the local endpoint the binding was constructed with.
func (b *ListenerBinding) Endpoint() *net.UDPAddr {
	return b.endpoint
}

// LocalAddr returns the bound socket address, or nil while the binding is
// not active. Useful after binding port 0.
func (b *ListenerBinding) LocalAddr() *net.UDPAddr {
	conn := b.conn.Load()
	if conn == nil {
		return nil
	}
	addr, _ := conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Active reports whether the binding currently owns a bound socket.
func (b *ListenerBinding) Active() bool {
	return b.state.Load() == stateActive
}

// OnMessage registers fn for message notifications. Delivery is synchronous
// and only reaches subscribers registered at the moment a message arrives;
// there is no replay. The returned cancel function unregisters fn.
func (b *ListenerBinding) OnMessage(fn MessageFunc) (cancel func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextID++
	id := b.nextID
	b.msgSubs = append(b.msgSubs, msgSub{id: id, fn: fn})
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		for i, s := range b.msgSubs {
			if s.id == id {
				b.msgSubs = append(b.msgSubs[:i], b.msgSubs[i+1:]...)
				return
			}
		}
	}
}

// OnError registers fn for error notifications, under the same delivery
// rules as OnMessage.
func (b *ListenerBinding) OnError(fn ErrorFunc) (cancel func()) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.nextID++
	id := b.nextID
	b.errSubs = append(b.errSubs, errSub{id: id, fn: fn})
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		for i, s := range b.errSubs {
			if s.id == id {
				b.errSubs = append(b.errSubs[:i], b.errSubs[i+1:]...)
				return
			}
		}
	}
}

// Start binds the socket and launches the receive loop. Calling Start on an
// already-active binding is a no-op. Start returns once the loop has been
// launched, not when it terminates.
func (b *ListenerBinding) Start() error {
	if b.state.Load() == stateDisposed {
		return ErrClosed
	}

	network, err := udpNetwork(b.endpoint)
	if err != nil {
		return err
	}

	// Only Start installs a socket, and only under startMu: a Start overlapping
	// a Stop/Start cycle must never store its socket over the cycle's one.
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if !b.state.CompareAndSwap(stateInactive, stateActive) {
		if b.state.Load() == stateDisposed {
			return ErrClosed
		}
		return nil
	}

	conn, err := net.ListenUDP(network, b.endpoint)
	if err != nil {
		// Roll the winning transition back; losing the swap here means a
		// concurrent Close already moved the cell to disposed.
		b.state.CompareAndSwap(stateActive, stateInactive)
		if errors.Is(err, syscall.EADDRINUSE) {
			return &PortInUseError{Endpoint: b.endpoint}
		}
		if errors.Is(err, syscall.EAFNOSUPPORT) {
			return ErrAddressFamilyUnsupported
		}
		return errs.Wrap(err)
	}

	b.conn.Store(conn)
	switch b.state.Load() {
	case stateActive:
	case stateDisposed:
		// Lost a race with Close between the swap and the bind.
		if c := b.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
		return ErrClosed
	default:
		// Lost a race with Stop; the caller asked for a stopped binding and
		// got one.
		if c := b.conn.Swap(nil); c != nil {
			_ = c.Close()
		}
		return nil
	}

	go b.receiveLoop(conn, receiveBufferSize(conn))
	return nil
}

// Stop closes the socket and lets the receive loop observe the inactive
// state and terminate. Stopping a binding that is not active is a no-op.
func (b *ListenerBinding) Stop() error {
	if b.state.Load() == stateDisposed {
		return ErrClosed
	}
	if !b.state.CompareAndSwap(stateActive, stateInactive) {
		return nil
	}
	// Closing the socket is the sole termination signal for the loop: it
	// forcibly resolves the pending receive with net.ErrClosed.
	if conn := b.conn.Swap(nil); conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Close disposes the binding. It is idempotent, terminal, and safe to call
// while a receive is outstanding. All later public calls fail with ErrClosed.
func (b *ListenerBinding) Close() error {
	for {
		s := b.state.Load()
		if s == stateDisposed {
			return nil
		}
		if b.state.CompareAndSwap(s, stateDisposed) {
			break
		}
	}
	if conn := b.conn.Swap(nil); conn != nil {
		_ = conn.Close()
	}
	return nil
}

// SendResponse serializes msg and sends it to receiver from the binding's
// socket. A binding whose socket is already gone returns nil: callers may
// legitimately race with Stop.
func (b *ListenerBinding) SendResponse(msg *snmp.Message, receiver *net.UDPAddr) error {
	if b.state.Load() == stateDisposed {
		return ErrClosed
	}
	if msg == nil {
		return errs.Errorf("message missing")
	}
	if receiver == nil {
		return errs.Errorf("receiver missing")
	}

	conn := b.conn.Load()
	if conn == nil {
		return nil
	}

	out, err := msg.ToBytes()
	if err != nil {
		return err
	}

	_, err = conn.WriteToUDP(out, receiver)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			// Interrupted by a concurrent Stop/Close.
			return nil
		}
		return errs.Wrap(err)
	}
	mon.Counter("responses_sent").Inc(1)
	return nil
}

// receiveLoop keeps exactly one receive outstanding on conn until the
// binding leaves the active state or the socket faults.
func (b *ListenerBinding) receiveLoop(conn *net.UDPConn, bufferSize int) {
	for {
		if b.state.Load() != stateActive {
			return
		}

		buf := make([]byte, bufferSize)
		n, source, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isResetNoise(err) {
				// ICMP port-unreachable signaling from an earlier send;
				// the socket is still usable.
				continue
			}
			// Only a transition we actually performed distinguishes a
			// genuine in-service fault from teardown noise.
			if b.state.CompareAndSwap(stateActive, stateInactive) {
				if c := b.conn.Swap(nil); c != nil {
					_ = c.Close()
				}
				mon.Counter("fatal_receive_errors").Inc(1)
				b.publishError(errs.Wrap(err))
			}
			return
		}

		mon.Counter("packets_received").Inc(1)
		go b.decodeAndPublish(buf[:n], source)
	}
}

// decodeAndPublish runs once per datagram, independently of the receive
// loop. Every failure is contained here and converted into an error
// notification.
func (b *ListenerBinding) decodeAndPublish(buf []byte, source *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			mon.Counter("decode_failures").Inc(1)
			b.publishError(&DecodeError{Bytes: buf, Err: errs.Errorf("decoder panic: %v", r)})
		}
	}()

	messages, err := b.decode(buf, b.users)
	if err != nil {
		mon.Counter("decode_failures").Inc(1)
		b.publishError(&DecodeError{Bytes: buf, Err: err})
		return
	}
	for _, msg := range messages {
		b.publishMessage(source, msg)
	}
}

func (b *ListenerBinding) publishMessage(source *net.UDPAddr, msg *snmp.Message) {
	b.subMu.Lock()
	subs := append([]msgSub(nil), b.msgSubs...)
	b.subMu.Unlock()
	for _, s := range subs {
		s.fn(source, msg, b)
	}
}

func (b *ListenerBinding) publishError(err error) {
	b.subMu.Lock()
	subs := append([]errSub(nil), b.errSubs...)
	b.subMu.Unlock()
	for _, s := range subs {
		s.fn(err)
	}
}

// isResetNoise reports whether err is the transient connection-reset class a
// UDP socket surfaces after a send to an unreachable port. Matching is by
// errno, never by message text.
func isResetNoise(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// udpNetwork picks the bind network for the endpoint's address family and
// verifies the OS supports it.
func udpNetwork(endpoint *net.UDPAddr) (string, error) {
	if endpoint == nil {
		return "", errs.Errorf("endpoint missing")
	}
	if endpoint.IP == nil {
		return "udp", nil
	}
	if endpoint.IP.To4() != nil {
		if !ipv4Supported() {
			return "", ErrAddressFamilyUnsupported
		}
		return "udp4", nil
	}
	if endpoint.IP.To16() != nil {
		if !ipv6Supported() {
			return "", ErrAddressFamilyUnsupported
		}
		return "udp6", nil
	}
	return "", ErrAddressFamilyUnsupported
}

var ipv4Supported = sync.OnceValue(func() bool {
	ln, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
})

var ipv6Supported = sync.OnceValue(func() bool {
	ln, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6loopback})
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
})

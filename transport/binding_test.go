package transport

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundarkarunagaran/sharpsnmplib"
)

func loopbackEndpoint() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// freeEndpoint reserves a loopback port and releases it so a binding can be
// started on a known-free endpoint.
func freeEndpoint(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	require.NoError(t, conn.Close())
	return addr
}

func getRequestBytes(t *testing.T, community string, requestID uint32) []byte {
	t.Helper()
	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: community,
		PDUType:   gosnmp.GetRequest,
		RequestID: requestID,
		Variables: []gosnmp.SnmpPDU{{Name: "1.3.6.1.2.1.1.1.0", Type: gosnmp.Null}},
	}
	out, err := packet.MarshalMsg()
	require.NoError(t, err)
	return out
}

type received struct {
	source *net.UDPAddr
	msg    *snmp.Message
}

func subscribe(b *ListenerBinding) (messages chan received, errs chan error) {
	messages = make(chan received, 16)
	errs = make(chan error, 16)
	b.OnMessage(func(source *net.UDPAddr, msg *snmp.Message, _ *ListenerBinding) {
		messages <- received{source: source, msg: msg}
	})
	b.OnError(func(err error) {
		errs <- err
	})
	return messages, errs
}

func waitMessage(t *testing.T, messages chan received) received {
	t.Helper()
	select {
	case rcv := <-messages:
		return rcv
	case <-time.After(3 * time.Second):
		t.Fatal("message not received")
		return received{}
	}
}

func waitError(t *testing.T, errs chan error) error {
	t.Helper()
	select {
	case err := <-errs:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("error notification not received")
		return nil
	}
}

func TestStartIdempotent(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	require.NoError(t, binding.Start())
	require.True(t, binding.Active())
	addr := binding.LocalAddr()
	require.NotNil(t, addr)

	// A second Start is a no-op, not an error, and keeps the same socket.
	require.NoError(t, binding.Start())
	require.Equal(t, addr, binding.LocalAddr())

	require.NoError(t, binding.Stop())
	require.False(t, binding.Active())
	require.Nil(t, binding.LocalAddr())
}

func TestStopWhileInactive(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	require.NoError(t, binding.Stop())
	require.NoError(t, binding.Stop())
	require.False(t, binding.Active())
}

func TestRestartOnSameEndpoint(t *testing.T) {
	endpoint := freeEndpoint(t)
	binding := NewListenerBinding(nil, endpoint)
	defer func() { _ = binding.Close() }()

	require.NoError(t, binding.Start())
	require.NoError(t, binding.Stop())

	// The port must be free for rebinding once Stop returns.
	require.NoError(t, binding.Start())
	require.True(t, binding.Active())
	require.Equal(t, endpoint.Port, binding.LocalAddr().Port)
}

// startWithRetry tolerates the short window in which a just-closed socket
// still holds the port; anything other than a transient port conflict fails
// the test.
func startWithRetry(t *testing.T, binding *ListenerBinding) {
	t.Helper()
	err := binding.Start()
	for retries := 0; retries < 500; retries++ {
		var inUse *PortInUseError
		if !errors.As(err, &inUse) {
			break
		}
		time.Sleep(time.Millisecond)
		err = binding.Start()
	}
	assert.NoError(t, err)
}

func TestConcurrentRestartReleasesSocket(t *testing.T) {
	endpoint := freeEndpoint(t)

	// Start racing a Stop/Start cycle must leave exactly the socket owned by
	// the final state behind; Close then releases it. An orphaned socket
	// would keep the port bound forever.
	for i := 0; i < 25; i++ {
		binding := NewListenerBinding(nil, endpoint)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			startWithRetry(t, binding)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, binding.Stop())
			startWithRetry(t, binding)
		}()
		wg.Wait()

		require.NoError(t, binding.Close())

		probe, err := net.ListenUDP("udp4", endpoint)
		for deadline := time.Now().Add(3 * time.Second); err != nil && time.Now().Before(deadline); {
			time.Sleep(time.Millisecond)
			probe, err = net.ListenUDP("udp4", endpoint)
		}
		require.NoError(t, err, "socket leaked after close")
		require.NoError(t, probe.Close())
	}
}

func TestPortInUse(t *testing.T) {
	endpoint := freeEndpoint(t)
	first := NewListenerBinding(nil, endpoint)
	defer func() { _ = first.Close() }()
	require.NoError(t, first.Start())

	second := NewListenerBinding(nil, endpoint)
	defer func() { _ = second.Close() }()
	err := second.Start()
	require.Error(t, err)

	var portInUse *PortInUseError
	require.True(t, errors.As(err, &portInUse))
	assert.Equal(t, endpoint, portInUse.Endpoint)
	assert.False(t, second.Active())

	// The first binding is unaffected.
	assert.True(t, first.Active())
}

func TestRoundTrip(t *testing.T) {
	users := snmp.NewUserRegistry()
	users.AddCommunity("public")
	binding := NewListenerBinding(users, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	messages, _ := subscribe(binding)
	require.NoError(t, binding.Start())

	client, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteToUDP(getRequestBytes(t, "public", 42), binding.LocalAddr())
	require.NoError(t, err)

	rcv := waitMessage(t, messages)
	require.Equal(t, client.LocalAddr().(*net.UDPAddr).Port, rcv.source.Port)
	require.Equal(t, "public", rcv.msg.PDU().Community)
	require.Equal(t, uint32(42), rcv.msg.PDU().RequestID)

	response := snmp.NewMessage(&gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetResponse,
		RequestID: 42,
		Variables: []gosnmp.SnmpPDU{
			{Name: "1.3.6.1.2.1.1.1.0", Type: gosnmp.OctetString, Value: "test agent"},
		},
	})
	expected, err := response.ToBytes()
	require.NoError(t, err)

	require.NoError(t, binding.SendResponse(response, rcv.source))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, maxDatagramSize)
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, expected, buf[:n])
}

func TestReceiveNotBlockedBySlowDecode(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })
	decoder := func(buf []byte, _ *snmp.UserRegistry) ([]*snmp.Message, error) {
		if len(buf) > 0 && buf[0] == 'A' {
			<-release
		}
		return []*snmp.Message{
			snmp.NewMessage(&gosnmp.SnmpPacket{Community: string(buf)}),
		}, nil
	}

	binding := NewListenerBinding(nil, loopbackEndpoint(), WithDecoder(decoder))
	defer func() { _ = binding.Close() }()

	messages, _ := subscribe(binding)
	require.NoError(t, binding.Start())

	client, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteToUDP([]byte("A"), binding.LocalAddr())
	require.NoError(t, err)
	_, err = client.WriteToUDP([]byte("B"), binding.LocalAddr())
	require.NoError(t, err)

	// The second datagram's notification arrives while the first one's
	// decode task is still blocked.
	rcv := waitMessage(t, messages)
	require.Equal(t, "B", rcv.msg.PDU().Community)

	// The first datagram is not lost: its notification follows once the
	// decode task unblocks.
	releaseOnce.Do(func() { close(release) })
	rcv = waitMessage(t, messages)
	require.Equal(t, "A", rcv.msg.PDU().Community)
}

func TestMalformedDatagramIsIsolated(t *testing.T) {
	users := snmp.NewUserRegistry()
	binding := NewListenerBinding(users, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	messages, errs := subscribe(binding)
	require.NoError(t, binding.Start())

	client, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	garbage := []byte{0xff, 0x00, 0xde, 0xad}
	_, err = client.WriteToUDP(garbage, binding.LocalAddr())
	require.NoError(t, err)
	_, err = client.WriteToUDP(getRequestBytes(t, "public", 7), binding.LocalAddr())
	require.NoError(t, err)

	notification := waitError(t, errs)
	var decodeErr *DecodeError
	require.True(t, errors.As(notification, &decodeErr))
	assert.Equal(t, garbage, decodeErr.Bytes)

	rcv := waitMessage(t, messages)
	assert.Equal(t, uint32(7), rcv.msg.PDU().RequestID)

	select {
	case err := <-errs:
		t.Fatalf("unexpected extra error notification: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopDoesNotRaiseError(t *testing.T) {
	endpoint := freeEndpoint(t)
	binding := NewListenerBinding(nil, endpoint)
	defer func() { _ = binding.Close() }()

	_, errs := subscribe(binding)
	require.NoError(t, binding.Start())

	// Stop while the receive is outstanding: the loop must terminate without
	// publishing an error notification.
	require.NoError(t, binding.Stop())

	select {
	case err := <-errs:
		t.Fatalf("stop raised an error notification: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	// Loop termination frees the port for an unrelated socket.
	conn, err := net.ListenUDP("udp4", endpoint)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestDisposedBindingFailsDeterministically(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	require.NoError(t, binding.Start())

	require.NoError(t, binding.Close())
	require.NoError(t, binding.Close())

	require.ErrorIs(t, binding.Start(), ErrClosed)
	require.ErrorIs(t, binding.Stop(), ErrClosed)
	msg := snmp.NewMessage(&gosnmp.SnmpPacket{Version: gosnmp.Version2c, PDUType: gosnmp.GetResponse})
	require.ErrorIs(t, binding.SendResponse(msg, loopbackEndpoint()), ErrClosed)
}

func TestSendResponseAfterStop(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	require.NoError(t, binding.Start())
	require.NoError(t, binding.Stop())

	// The socket is gone; sending is a silent no-op, not an error.
	msg := snmp.NewMessage(&gosnmp.SnmpPacket{Version: gosnmp.Version2c, PDUType: gosnmp.GetResponse})
	require.NoError(t, binding.SendResponse(msg, loopbackEndpoint()))
}

func TestSendResponseValidatesArguments(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	defer func() { _ = binding.Close() }()
	require.NoError(t, binding.Start())

	msg := snmp.NewMessage(&gosnmp.SnmpPacket{Version: gosnmp.Version2c, PDUType: gosnmp.GetResponse})
	require.Error(t, binding.SendResponse(nil, loopbackEndpoint()))
	require.Error(t, binding.SendResponse(msg, nil))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	binding := NewListenerBinding(nil, loopbackEndpoint())
	defer func() { _ = binding.Close() }()

	messages := make(chan received, 1)
	cancel := binding.OnMessage(func(source *net.UDPAddr, msg *snmp.Message, _ *ListenerBinding) {
		messages <- received{source: source, msg: msg}
	})
	cancel()

	require.NoError(t, binding.Start())

	client, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteToUDP(getRequestBytes(t, "public", 1), binding.LocalAddr())
	require.NoError(t, err)

	select {
	case <-messages:
		t.Fatal("unsubscribed callback still received a notification")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDecoderPanicIsContained(t *testing.T) {
	decoder := func(buf []byte, _ *snmp.UserRegistry) ([]*snmp.Message, error) {
		panic("boom")
	}
	binding := NewListenerBinding(nil, loopbackEndpoint(), WithDecoder(decoder))
	defer func() { _ = binding.Close() }()

	messages, errs := subscribe(binding)
	require.NoError(t, binding.Start())

	client, err := net.ListenUDP("udp4", loopbackEndpoint())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.WriteToUDP([]byte{0x01}, binding.LocalAddr())
	require.NoError(t, err)

	notification := waitError(t, errs)
	var decodeErr *DecodeError
	require.True(t, errors.As(notification, &decodeErr))
	require.True(t, binding.Active())
	require.Empty(t, messages)
}

func TestUDPNetworkSelection(t *testing.T) {
	network, err := udpNetwork(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 161})
	require.NoError(t, err)
	assert.Equal(t, "udp4", network)

	network, err = udpNetwork(&net.UDPAddr{Port: 161})
	require.NoError(t, err)
	assert.Equal(t, "udp", network)

	_, err = udpNetwork(&net.UDPAddr{IP: net.IP{1, 2, 3}, Port: 161})
	require.ErrorIs(t, err, ErrAddressFamilyUnsupported)

	_, err = udpNetwork(nil)
	require.Error(t, err)
}

// Package snmp holds the message model shared between the transport layer
// and its collaborators: an immutable message wrapper over the gosnmp wire
// codec, the decoder contract the transport invokes for every datagram, and
// the credential registry the decoder consumes.
package snmp

import (
	"github.com/gosnmp/gosnmp"
	"github.com/zeebo/errs/v2"
)

// Message is one decoded SNMP message. It is immutable after construction
// and carries no identity beyond what the codec assigned.
type Message struct {
	packet *gosnmp.SnmpPacket
}

// NewMessage wraps an already-decoded packet.
func NewMessage(packet *gosnmp.SnmpPacket) *Message {
	return &Message{packet: packet}
}

// PDU exposes the decoded packet for consumers that understand SNMP
// semantics. The transport layer never looks inside.
func (m *Message) PDU() *gosnmp.SnmpPacket {
	return m.packet
}

// Version reports the protocol version the message was decoded as.
func (m *Message) Version() gosnmp.SnmpVersion {
	return m.packet.Version
}

// ToBytes serializes the message for sending.
func (m *Message) ToBytes() ([]byte, error) {
	out, err := m.packet.MarshalMsg()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return out, nil
}

func (m *Message) String() string {
	return m.packet.SafeString()
}

// Decoder converts one raw datagram into zero or more messages. The registry
// is an opaque credential source; community-based packets decode without it.
type Decoder func(buf []byte, users *UserRegistry) ([]*Message, error)

// DecodeMessage is the default gosnmp-backed Decoder. v1/v2c packets decode
// directly; v3 packets are retried against each registered USM user until
// one yields a cleanly decrypted packet.
func DecodeMessage(buf []byte, users *UserRegistry) ([]*Message, error) {
	if len(buf) == 0 {
		return nil, errs.Errorf("empty datagram")
	}

	plain := &gosnmp.GoSNMP{
		Transport: "udp",
		Version:   gosnmp.Version2c,
	}
	packet, err := plain.SnmpDecodePacket(buf)
	if err == nil {
		return []*Message{NewMessage(packet)}, nil
	}

	if users != nil {
		for _, user := range users.Users() {
			v3 := &gosnmp.GoSNMP{
				Transport:          "udp",
				Version:            gosnmp.Version3,
				SecurityModel:      gosnmp.UserSecurityModel,
				MsgFlags:           user.msgFlags(),
				SecurityParameters: user.securityParameters(),
			}
			// UnmarshalTrap localizes the user's keys against the engine ID
			// carried in the packet, then verifies the digest and decrypts;
			// a credential mismatch surfaces as an error and the next user
			// gets a turn. It mutates its input in place, so each attempt
			// gets its own copy of the datagram.
			attempt := make([]byte, len(buf))
			copy(attempt, buf)
			packet, v3Err := v3.UnmarshalTrap(attempt, true)
			if v3Err == nil {
				return []*Message{NewMessage(packet)}, nil
			}
		}
	}

	return nil, errs.Wrap(err)
}

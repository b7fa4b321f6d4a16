// Package mib provides read-only scalar objects for the MIB-II system group:
// fixed-OID value providers an agent answers GET requests from.
package mib

import (
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
)

// System group object instances (scalar .0 suffix included).
const (
	OIDSysDescr    = "1.3.6.1.2.1.1.1.0"
	OIDSysObjectID = "1.3.6.1.2.1.1.2.0"
	OIDSysUpTime   = "1.3.6.1.2.1.1.3.0"
	OIDSysContact  = "1.3.6.1.2.1.1.4.0"
	OIDSysName     = "1.3.6.1.2.1.1.5.0"
	OIDSysLocation = "1.3.6.1.2.1.1.6.0"
)

// Scalar is one fixed-OID read-only value provider.
type Scalar interface {
	OID() string
	Variable() gosnmp.SnmpPDU
}

// SysDescr is the sysDescr.0 scalar.
type SysDescr struct {
	Description string
}

func (s SysDescr) OID() string { return OIDSysDescr }

func (s SysDescr) Variable() gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: OIDSysDescr, Type: gosnmp.OctetString, Value: s.Description}
}

// SysObjectID is the sysObjectID.0 scalar.
type SysObjectID struct {
	ID string
}

func (s SysObjectID) OID() string { return OIDSysObjectID }

func (s SysObjectID) Variable() gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: OIDSysObjectID, Type: gosnmp.ObjectIdentifier, Value: s.ID}
}

// SysUpTime is the sysUpTime.0 scalar, measured from Start in hundredths of
// a second.
type SysUpTime struct {
	Start time.Time
}

func (s SysUpTime) OID() string { return OIDSysUpTime }

func (s SysUpTime) Variable() gosnmp.SnmpPDU {
	ticks := uint32(time.Since(s.Start) / (10 * time.Millisecond))
	return gosnmp.SnmpPDU{Name: OIDSysUpTime, Type: gosnmp.TimeTicks, Value: ticks}
}

// SysContact is the sysContact.0 scalar.
type SysContact struct {
	Contact string
}

func (s SysContact) OID() string { return OIDSysContact }

func (s SysContact) Variable() gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: OIDSysContact, Type: gosnmp.OctetString, Value: s.Contact}
}

// SysName is the sysName.0 scalar.
type SysName struct {
	Name string
}

func (s SysName) OID() string { return OIDSysName }

func (s SysName) Variable() gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: OIDSysName, Type: gosnmp.OctetString, Value: s.Name}
}

// SysLocation is the sysLocation.0 scalar.
type SysLocation struct {
	Location string
}

func (s SysLocation) OID() string { return OIDSysLocation }

func (s SysLocation) Variable() gosnmp.SnmpPDU {
	return gosnmp.SnmpPDU{Name: OIDSysLocation, Type: gosnmp.OctetString, Value: s.Location}
}

// Group resolves object identifiers to their scalar providers. Safe for
// concurrent use.
type Group struct {
	mu      sync.RWMutex
	scalars map[string]Scalar
}

func NewGroup(scalars ...Scalar) *Group {
	g := &Group{scalars: make(map[string]Scalar)}
	for _, s := range scalars {
		g.Register(s)
	}
	return g
}

// Register adds or replaces the scalar at its OID.
func (g *Group) Register(s Scalar) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scalars[s.OID()] = s
}

// Find looks up the scalar registered at oid. A leading dot is tolerated.
func (g *Group) Find(oid string) (Scalar, bool) {
	oid = strings.TrimPrefix(oid, ".")
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.scalars[oid]
	return s, ok
}

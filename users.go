package snmp

import (
	"sync"

	"github.com/gosnmp/gosnmp"
	"github.com/zeebo/errs/v2"
)

// User is one USM (SNMPv3) credential set.
type User struct {
	Name         string
	AuthProtocol gosnmp.SnmpV3AuthProtocol
	AuthKey      string
	PrivProtocol gosnmp.SnmpV3PrivProtocol
	PrivKey      string
}

// authenticates and encrypts report whether the user actually carries the
// respective credentials; the gosnmp "none" constants are non-zero, so the
// zero value counts as absent too.
func (u User) authenticates() bool {
	return u.AuthProtocol != 0 && u.AuthProtocol != gosnmp.NoAuth
}

func (u User) encrypts() bool {
	return u.PrivProtocol != 0 && u.PrivProtocol != gosnmp.NoPriv
}

func (u User) msgFlags() gosnmp.SnmpV3MsgFlags {
	switch {
	case u.authenticates() && u.encrypts():
		return gosnmp.AuthPriv
	case u.authenticates():
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func (u User) securityParameters() *gosnmp.UsmSecurityParameters {
	authProto := u.AuthProtocol
	if authProto == 0 {
		authProto = gosnmp.NoAuth
	}
	privProto := u.PrivProtocol
	if privProto == 0 {
		privProto = gosnmp.NoPriv
	}
	return &gosnmp.UsmSecurityParameters{
		UserName:                 u.Name,
		AuthenticationProtocol:   authProto,
		AuthenticationPassphrase: u.AuthKey,
		PrivacyProtocol:          privProto,
		PrivacyPassphrase:        u.PrivKey,
	}
}

// ParseAuthProtocol maps a configuration string to a gosnmp auth protocol.
func ParseAuthProtocol(value string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch value {
	case "", "none":
		return gosnmp.NoAuth, nil
	case "md5":
		return gosnmp.MD5, nil
	case "sha":
		return gosnmp.SHA, nil
	case "sha224":
		return gosnmp.SHA224, nil
	case "sha256":
		return gosnmp.SHA256, nil
	case "sha384":
		return gosnmp.SHA384, nil
	case "sha512":
		return gosnmp.SHA512, nil
	default:
		return 0, errs.Errorf("unsupported auth protocol %q", value)
	}
}

// ParsePrivProtocol maps a configuration string to a gosnmp privacy protocol.
func ParsePrivProtocol(value string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch value {
	case "", "none":
		return gosnmp.NoPriv, nil
	case "des":
		return gosnmp.DES, nil
	case "aes":
		return gosnmp.AES, nil
	case "aes192":
		return gosnmp.AES192, nil
	case "aes256":
		return gosnmp.AES256, nil
	default:
		return 0, errs.Errorf("unsupported privacy protocol %q", value)
	}
}

// UserRegistry holds the credentials a listener hands to its decoder. The
// transport layer treats it as an opaque reference; only the decoder reads
// it. Safe for concurrent use.
type UserRegistry struct {
	mu          sync.RWMutex
	communities []string
	users       []User
}

func NewUserRegistry() *UserRegistry {
	return &UserRegistry{}
}

// AddCommunity registers a v1/v2c community string.
func (r *UserRegistry) AddCommunity(community string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.communities = append(r.communities, community)
}

// AddUser registers a v3 USM user.
func (r *UserRegistry) AddUser(user User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, user)
}

// Communities returns the registered community strings.
func (r *UserRegistry) Communities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.communities...)
}

// Users returns the registered USM users.
func (r *UserRegistry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]User(nil), r.users...)
}

// KnowsCommunity reports whether community was registered. Consumers that
// enforce credentials use this; the transport itself never does.
func (r *UserRegistry) KnowsCommunity(community string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.communities {
		if c == community {
			return true
		}
	}
	return false
}

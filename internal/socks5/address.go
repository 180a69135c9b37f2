package socks5

import (
	"fmt"
	"net"
)

// AuthMethodKind classifies an AuthMethod byte into the ranges defined by
// RFC 1928 §3: IANA-assigned (0x00-0x7F), privately reserved (0x80-0xFE),
// or the "no acceptable methods" sentinel (0xFF).
type AuthMethodKind int

const (
	AuthKindAssigned AuthMethodKind = iota
	AuthKindPrivate
	AuthKindNoAcceptable
)

// AuthMethod is a SOCKS5 authentication method identifier. It preserves the
// raw byte exactly, including unrecognized private-range values, so a method
// offered by a client and never chosen still round-trips unchanged.
type AuthMethod struct {
	Kind AuthMethodKind
	Code byte
}

// Well-known IANA-assigned methods (RFC 1928 §3, RFC 1929).
var (
	MethodNoAuth       = AuthMethod{Kind: AuthKindAssigned, Code: 0x00}
	MethodGSSAPI       = AuthMethod{Kind: AuthKindAssigned, Code: 0x01}
	MethodUserPass     = AuthMethod{Kind: AuthKindAssigned, Code: 0x02}
	MethodNoAcceptable = AuthMethod{Kind: AuthKindNoAcceptable, Code: 0xFF}
)

// NewPrivateMethod builds an AuthMethod for a code in the privately reserved
// range 0x80-0xFE. It panics if code falls outside that range; callers that
// parse untrusted bytes should use ParseAuthMethod instead.
func NewPrivateMethod(code byte) AuthMethod {
	if code < 0x80 || code > 0xFE {
		panic(fmt.Sprintf("socks5: %#02x is not in the private method range", code))
	}
	return AuthMethod{Kind: AuthKindPrivate, Code: code}
}

// ParseAuthMethod classifies a raw method byte read off the wire.
func ParseAuthMethod(b byte) AuthMethod {
	switch {
	case b == 0xFF:
		return AuthMethod{Kind: AuthKindNoAcceptable, Code: b}
	case b >= 0x80:
		return AuthMethod{Kind: AuthKindPrivate, Code: b}
	default:
		return AuthMethod{Kind: AuthKindAssigned, Code: b}
	}
}

// Byte returns the wire representation of the method.
func (m AuthMethod) Byte() byte { return m.Code }

func (m AuthMethod) String() string {
	switch m {
	case MethodNoAuth:
		return "no-auth"
	case MethodGSSAPI:
		return "gssapi"
	case MethodUserPass:
		return "user-pass"
	case MethodNoAcceptable:
		return "no-acceptable"
	}
	switch m.Kind {
	case AuthKindPrivate:
		return fmt.Sprintf("private(0x%02x)", m.Code)
	default:
		return fmt.Sprintf("method(0x%02x)", m.Code)
	}
}

// Address is a tagged union over the three SOCKS5 destination address
// encodings: IPv4, IPv6, and domain name. Exactly one of IP or Domain is
// meaningful, selected by Type.
type Address struct {
	Type   AddrType
	IP     net.IP // set when Type is AddrIPv4 or AddrIPv6
	Domain string // set when Type is AddrDomain
}

// NewIPAddress builds an Address from an IP, choosing AddrIPv4 or AddrIPv6
// based on the IP's form. It panics if ip is nil.
func NewIPAddress(ip net.IP) Address {
	if ip == nil {
		panic("socks5: nil IP")
	}
	if v4 := ip.To4(); v4 != nil {
		return Address{Type: AddrIPv4, IP: v4}
	}
	return Address{Type: AddrIPv6, IP: ip.To16()}
}

// NewDomainAddress builds a domain-name Address. It returns an error if the
// name is empty or exceeds 255 bytes (the wire length-prefix's range).
func NewDomainAddress(name string) (Address, error) {
	if len(name) == 0 {
		return Address{}, fmt.Errorf("%w: empty domain", ErrMalformedRequest)
	}
	if len(name) > 255 {
		return Address{}, fmt.Errorf("%w: domain too long (%d bytes)", ErrMalformedRequest, len(name))
	}
	return Address{Type: AddrDomain, Domain: name}, nil
}

// String renders the address in host form (no port), matching net.JoinHostPort
// conventions for the IP case.
func (a Address) String() string {
	switch a.Type {
	case AddrIPv4, AddrIPv6:
		return a.IP.String()
	case AddrDomain:
		return a.Domain
	default:
		return fmt.Sprintf("<invalid address type 0x%02x>", byte(a.Type))
	}
}

// encode produces the ATYP byte and the DST.ADDR/BND.ADDR body bytes.
func (a Address) encode() (AddrType, []byte, error) {
	switch a.Type {
	case AddrIPv4:
		ip := a.IP.To4()
		if ip == nil {
			return 0, nil, fmt.Errorf("%w: AddrIPv4 address is not a valid IPv4", ErrMalformedRequest)
		}
		return AddrIPv4, []byte(ip), nil
	case AddrIPv6:
		ip := a.IP.To16()
		if ip == nil {
			return 0, nil, fmt.Errorf("%w: AddrIPv6 address is not a valid IPv6", ErrMalformedRequest)
		}
		return AddrIPv6, []byte(ip), nil
	case AddrDomain:
		if len(a.Domain) == 0 || len(a.Domain) > 255 {
			return 0, nil, fmt.Errorf("%w: invalid domain length %d", ErrMalformedRequest, len(a.Domain))
		}
		body := make([]byte, 1+len(a.Domain))
		body[0] = byte(len(a.Domain))
		copy(body[1:], a.Domain)
		return AddrDomain, body, nil
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownAddrType, a.Type)
	}
}

// decodeAddress parses an address body given its ATYP, returning the parsed
// Address and the number of bytes consumed from b (not counting ATYP itself).
func decodeAddress(atype AddrType, b []byte) (Address, int, error) {
	switch atype {
	case AddrIPv4:
		if len(b) < 4 {
			return Address{}, 0, fmt.Errorf("%w: truncated IPv4 address", ErrMalformedRequest)
		}
		ip := make(net.IP, 4)
		copy(ip, b[:4])
		return Address{Type: AddrIPv4, IP: ip}, 4, nil
	case AddrIPv6:
		if len(b) < 16 {
			return Address{}, 0, fmt.Errorf("%w: truncated IPv6 address", ErrMalformedRequest)
		}
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		return Address{Type: AddrIPv6, IP: ip}, 16, nil
	case AddrDomain:
		if len(b) < 1 {
			return Address{}, 0, fmt.Errorf("%w: missing domain length", ErrMalformedRequest)
		}
		n := int(b[0])
		if len(b) < 1+n {
			return Address{}, 0, fmt.Errorf("%w: truncated domain", ErrMalformedRequest)
		}
		return Address{Type: AddrDomain, Domain: string(b[1 : 1+n])}, 1 + n, nil
	default:
		return Address{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownAddrType, byte(atype))
	}
}

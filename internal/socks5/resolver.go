package socks5

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// Resolver resolves a SOCKS5 Request's destination Address to a dialable
// host:port pair. Implementations must honor ctx's deadline.
type Resolver interface {
	Resolve(ctx context.Context, addr Address, port uint16) (string, error)
}

// DNSConfig configures DefaultResolver.
type DNSConfig struct {
	// Servers, if non-empty, are used instead of the system resolver.
	// Each entry is a "host:port" UDP address.
	Servers []string
	Timeout time.Duration
}

// DefaultDNSConfig returns sensible defaults: the system resolver (so local
// names like printer.local still work) and a 5 second lookup timeout.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{Timeout: 5 * time.Second}
}

// DefaultResolver resolves domain Addresses via DNS and passes IP Addresses
// through unchanged. It performs no caching: each call does a fresh lookup,
// since a caching layer here would hide upstream record changes from
// sessions that live longer than a TTL.
type DefaultResolver struct {
	cfg    DNSConfig
	dialer *net.Dialer
}

// NewDefaultResolver builds a DefaultResolver from cfg.
func NewDefaultResolver(cfg DNSConfig) *DefaultResolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDNSConfig().Timeout
	}
	return &DefaultResolver{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
	}
}

// Resolve implements Resolver.
func (r *DefaultResolver) Resolve(ctx context.Context, addr Address, port uint16) (string, error) {
	switch addr.Type {
	case AddrIPv4, AddrIPv6:
		return net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(port))), nil
	case AddrDomain:
		ip, err := r.lookup(ctx, addr.Domain)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(port))), nil
	default:
		return "", ErrUnknownAddrType
	}
}

func (r *DefaultResolver) lookup(ctx context.Context, domain string) (net.IP, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resolver := net.DefaultResolver
	if len(r.cfg.Servers) > 0 {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var lastErr error
				for _, server := range r.cfg.Servers {
					conn, err := r.dialer.DialContext(ctx, "udp", server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	addrs, err := resolver.LookupIPAddr(lookupCtx, domain)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("socks5: no addresses found for " + domain)
	}

	// Prefer IPv4, falling back to the first result (which may be IPv6).
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return addrs[0].IP, nil
}

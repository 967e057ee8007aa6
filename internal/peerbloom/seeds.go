package peerbloom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/peerbloom/pkg/wire"
)

const (
	resolvConf = "/etc/resolv.conf"
	dnsTimeout = 10 * time.Second

	// maxNameservers mirrors the resolv.conf limit.
	maxNameservers = 3
)

// ErrNoNameserver is returned when no DNS server is available for seed lookups.
var ErrNoNameserver = errors.New("no dns nameserver configured")

// ParseSeed parses a seed given either as a multiaddr such as
// /ip4/1.2.3.4/tcp/30303 or as a literal ip:port.
func ParseSeed(s string) (wire.Endpoint, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") {
		return wire.ParseEndpoint(s)
	}

	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("parse seed %q: %w", s, err)
	}
	host, err := m.ValueForProtocol(ma.P_IP4)
	if err != nil {
		if host, err = m.ValueForProtocol(ma.P_IP6); err != nil {
			return wire.Endpoint{}, fmt.Errorf("seed %q: no ip4 or ip6 component", s)
		}
	}
	portStr, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("seed %q: no tcp component", s)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return wire.Endpoint{}, fmt.Errorf("seed %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return wire.Endpoint{}, fmt.Errorf("seed %q: bad port %q", s, portStr)
	}
	return wire.NewEndpoint(addr, uint16(port)), nil
}

// ResolveDNSSeeds looks up the A and AAAA records of every host through
// the nameservers in /etc/resolv.conf and pairs each address with port.
func ResolveDNSSeeds(ctx context.Context, hosts []string, port uint16) ([]wire.Endpoint, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resolvConf, err)
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return resolveSeeds(ctx, servers, hosts, port)
}

func resolveSeeds(ctx context.Context, servers, hosts []string, port uint16) ([]wire.Endpoint, error) {
	if len(servers) == 0 {
		return nil, ErrNoNameserver
	}
	if len(servers) > maxNameservers {
		servers = servers[:maxNameservers]
	}

	c := &dns.Client{Timeout: dnsTimeout}
	seen := make(map[netip.Addr]struct{})
	var out []wire.Endpoint
	var lastErr error
	for _, host := range hosts {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			addrs, err := lookup(ctx, c, servers, host, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			for _, a := range addrs {
				if _, dup := seen[a]; dup {
					continue
				}
				seen[a] = struct{}{}
				out = append(out, wire.NewEndpoint(a, port))
			}
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// lookup asks each server in turn until one answers.
func lookup(ctx context.Context, c *dns.Client, servers []string, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	var lastErr error
	for _, server := range servers {
		r, _, err := c.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s at %s: %w", host, server, err)
			continue
		}
		if r.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s at %s: %s", host, server, dns.RcodeToString[r.Rcode])
			continue
		}
		var addrs []netip.Addr
		for _, rr := range r.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}

package wire

import (
	"fmt"
	"net"
	"net/netip"
)

// EndpointSize is the encoded size of an Endpoint: 16 address bytes and
// a 2-byte port.
const EndpointSize = 18

var v4InV6Prefix = [12]byte{10: 0xff, 11: 0xff}

// Endpoint is a network address and port as exchanged between peers.
// IPv4 addresses are always held unmapped so that an endpoint decoded
// from the wire compares equal to one built from a dialed address.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpoint builds an Endpoint, unmapping v4-in-v6 addresses.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{Addr: addr.Unmap(), Port: port}
}

// ParseEndpoint parses "host:port" where host is a literal IP.
func ParseEndpoint(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	return NewEndpoint(ap.Addr(), ap.Port()), nil
}

// EndpointFromAddr converts a net.Addr (usually the remote address of a
// connection) into an Endpoint. It returns the zero Endpoint when the
// address carries no IP.
func EndpointFromAddr(a net.Addr) Endpoint {
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return Endpoint{}
		}
		return NewEndpoint(ip, uint16(v.Port))
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return Endpoint{}
		}
		return NewEndpoint(ip, uint16(v.Port))
	case nil:
		return Endpoint{}
	}
	ep, err := ParseEndpoint(a.String())
	if err != nil {
		return Endpoint{}
	}
	return ep
}

// IsValid reports whether the endpoint carries an address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

// WithPort returns a copy of e using port.
func (e Endpoint) WithPort(port uint16) Endpoint {
	e.Port = port
	return e
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// String returns "ip:port", or "[ip]:port" for IPv6.
func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return fmt.Sprintf("invalid:%d", e.Port)
	}
	return e.AddrPort().String()
}

// Encode returns the 18-byte wire form. IPv4 is written as a v4-mapped
// IPv6 address. The zero Endpoint encodes as the IPv6 unspecified address.
func (e Endpoint) Encode() [EndpointSize]byte {
	var out [EndpointSize]byte
	switch {
	case e.Addr.Is4():
		copy(out[:12], v4InV6Prefix[:])
		a4 := e.Addr.As4()
		copy(out[12:16], a4[:])
	case e.Addr.Is6():
		a16 := e.Addr.As16()
		copy(out[:16], a16[:])
	}
	out[16] = byte(e.Port >> 8)
	out[17] = byte(e.Port)
	return out
}

// DecodeEndpoint parses the 18-byte wire form. A v4-mapped address is
// returned as plain IPv4.
func DecodeEndpoint(b []byte) (Endpoint, error) {
	if len(b) < EndpointSize {
		return Endpoint{}, &FormatError{Op: "endpoint", Need: EndpointSize, Have: len(b)}
	}
	var a16 [16]byte
	copy(a16[:], b[:16])
	port := uint16(b[16])<<8 | uint16(b[17])
	var addr netip.Addr
	if [12]byte(a16[:12]) == v4InV6Prefix {
		addr = netip.AddrFrom4([4]byte(a16[12:16]))
	} else {
		addr = netip.AddrFrom16(a16)
	}
	return Endpoint{Addr: addr, Port: port}, nil
}

// Size implements Serializable.
func (e *Endpoint) Size() int {
	return EndpointSize
}

// Serialize implements Serializable.
func (e *Endpoint) Serialize(w *Writer) {
	b := e.Encode()
	w.WriteBytes(b[:])
}

// Deserialize implements Serializable.
func (e *Endpoint) Deserialize(r *Reader) {
	b := r.next(EndpointSize, "endpoint")
	if b == nil {
		return
	}
	ep, err := DecodeEndpoint(b)
	if err != nil {
		r.SetErr(err)
		return
	}
	*e = ep
}

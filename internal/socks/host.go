package socks

import "net"

// Host is a tagged union over the three ways a SOCKS request can name a
// destination: a DNS name or an IPv4/IPv6 literal. No registry, no
// inheritance — handshake code dispatches on the concrete type directly.
type Host interface {
	hostTag()
}

type HostName string

func (HostName) hostTag() {}

type HostV4 [4]byte

func (HostV4) hostTag() {}

type HostV6 [16]byte

func (HostV6) hostTag() {}

// Target is the (host, port) pair a session asks an upstream to CONNECT to.
type Target struct {
	Host Host
	Port uint16
}

// ParseHost classifies a string as an IPv4, IPv6, or name host.
func ParseHost(s string) Host {
	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			var h HostV4
			copy(h[:], v4)
			return h
		}
		var h HostV6
		copy(h[:], ip.To16())
		return h
	}
	return HostName(s)
}

// HostString renders any Host variant as a display string.
func HostString(h Host) string {
	switch v := h.(type) {
	case HostName:
		return string(v)
	case HostV4:
		return net.IP(v[:]).String()
	case HostV6:
		return net.IP(v[:]).String()
	default:
		return "<invalid host>"
	}
}

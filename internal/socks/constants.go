// Package socks holds wire constants shared by the downstream SOCKS server
// path (internal/session) and the upstream SOCKS client path
// (internal/socksclient).
package socks

const (
	Version4 byte = 0x04
	Version5 byte = 0x05
)

// SOCKS4 reply codes (CD field).
const (
	Cmd4Granted        byte = 0x5A
	Cmd4Rejected       byte = 0x5B
	Cmd4IdentdUnreachable byte = 0x5C
	Cmd4IdentdMismatch byte = 0x5D
)

// SOCKS5 command codes.
const (
	CmdConnect byte = 0x01
	CmdBind    byte = 0x02
	CmdUDP     byte = 0x03
)

// SOCKS5 address types.
const (
	ATYPIPv4   byte = 0x01
	ATYPDomain byte = 0x03
	ATYPIPv6   byte = 0x04
)

// SOCKS5 auth method codes.
const (
	MethodNoAuth       byte = 0x00
	MethodUserPass     byte = 0x02
	MethodNoAcceptable byte = 0xFF
)

// SOCKS5 reply codes (REP field).
const (
	Rep5Succeeded              byte = 0x00
	Rep5GeneralFailure         byte = 0x01
	Rep5NotAllowed             byte = 0x02
	Rep5NetworkUnreachable     byte = 0x03
	Rep5HostUnreachable        byte = 0x04
	Rep5ConnectionRefused      byte = 0x05
	Rep5TTLExpired             byte = 0x06
	Rep5CommandNotSupported    byte = 0x07
	Rep5AddressTypeNotSupported byte = 0x08
)

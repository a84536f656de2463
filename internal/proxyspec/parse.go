package proxyspec

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var weightSuffix = regexp.MustCompile(`/(-?\d+)$`)

var schemeByName = map[string]Scheme{
	"socks4":  SOCKS4,
	"socks4a": SOCKS4A,
	"socks5":  SOCKS5,
	"socks5h": SOCKS5H,
}

// Parse parses a single proxy spec string into a descriptor. id is assigned
// by the caller (ParseAll, at load time) and stored verbatim.
func Parse(id int, raw string) (ProxyDescriptor, error) {
	rest, weight, err := extractWeight(raw)
	if err != nil {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: err.Error()}
	}

	schemeName, remainder, ok := strings.Cut(rest, "://")
	if !ok {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: "missing scheme"}
	}
	scheme, ok := schemeByName[schemeName]
	if !ok {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: "unsupported scheme: " + schemeName}
	}

	var authPart, hostPort string
	if at := strings.LastIndex(remainder, "@"); at >= 0 {
		authPart, hostPort = remainder[:at], remainder[at+1:]
	} else {
		hostPort = remainder
	}

	host, portStr, err := splitHostPort(hostPort)
	if err != nil {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: err.Error()}
	}
	port, err := parsePort(portStr)
	if err != nil {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: err.Error()}
	}

	creds, err := parseAuth(authPart)
	if err != nil {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: err.Error()}
	}
	if creds != nil && scheme.ProtocolVersion() == 4 {
		return ProxyDescriptor{}, &InvalidProxySpecError{Input: raw, Reason: "credentials not supported on " + schemeName}
	}

	return ProxyDescriptor{
		ID:          id,
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		Credentials: creds,
		Weight:      weight,
	}, nil
}

func extractWeight(s string) (rest string, weight int, err error) {
	m := weightSuffix.FindStringSubmatchIndex(s)
	if m == nil {
		return s, 1, nil
	}
	n, convErr := strconv.Atoi(s[m[2]:m[3]])
	if convErr != nil {
		return s, 0, errInvalid("malformed weight suffix")
	}
	if n <= 0 {
		return s, 0, errInvalid("weight must be a positive integer")
	}
	return s[:m[0]], n, nil
}

func splitHostPort(hostPort string) (host, port string, err error) {
	if strings.HasPrefix(hostPort, "[") {
		end := strings.Index(hostPort, "]")
		if end < 0 {
			return "", "", errInvalid("unterminated IPv6 literal")
		}
		host = hostPort[1:end]
		rest := hostPort[end+1:]
		if !strings.HasPrefix(rest, ":") {
			return "", "", errInvalid("missing port")
		}
		return host, rest[1:], nil
	}
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return "", "", errInvalid("missing port")
	}
	host, port = hostPort[:idx], hostPort[idx+1:]
	if host == "" {
		return "", "", errInvalid("missing host")
	}
	return host, port, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, errInvalid("invalid port: " + s)
	}
	return uint16(n), nil
}

func parseAuth(authPart string) (*Credentials, error) {
	if authPart == "" {
		return nil, nil
	}
	user, pass, hasColon := strings.Cut(authPart, ":")
	if !hasColon {
		pass = ""
	}
	user, err := url.QueryUnescape(user)
	if err != nil {
		return nil, errInvalid("malformed userinfo")
	}
	pass, err = url.QueryUnescape(pass)
	if err != nil {
		return nil, errInvalid("malformed userinfo")
	}
	return &Credentials{Username: user, Password: pass}, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

func errInvalid(reason string) error { return parseError(reason) }

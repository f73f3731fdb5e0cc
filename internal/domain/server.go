package domain

import (
	"net"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var ErrInvalidProtocol = errors.New("invalid protocol type")

type ProtocolType uint8

const (
	TCP = ProtocolType(1 << iota)
	UDP
	WebSocket

	AllProtocols = TCP | UDP | WebSocket
)

const defaultWebSocketPort = 443

// Has reports whether every protocol in other is part of p.
func (p ProtocolType) Has(other ProtocolType) bool {
	return other != 0 && p&other == other
}

func (p ProtocolType) Intersects(other ProtocolType) bool {
	return p&other != 0
}

// Each calls fn for every single protocol contained in p, lowest bit first.
func (p ProtocolType) Each(fn func(ProtocolType)) {
	for _, single := range []ProtocolType{TCP, UDP, WebSocket} {
		if p&single != 0 {
			fn(single)
		}
	}
}

func (p ProtocolType) String() string {
	if p == 0 {
		return "none"
	}
	var names []string
	p.Each(func(single ProtocolType) {
		switch single {
		case TCP:
			names = append(names, "tcp")
		case UDP:
			names = append(names, "udp")
		case WebSocket:
			names = append(names, "websocket")
		}
	})
	return strings.Join(names, ",")
}

// ParseProtocolType accepts a comma separated list such as "tcp,websocket" or "all".
func ParseProtocolType(s string) (ProtocolType, error) {
	var result ProtocolType
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "tcp":
			result |= TCP
		case "udp":
			result |= UDP
		case "websocket", "websockets", "ws":
			result |= WebSocket
		case "all":
			result |= AllProtocols
		case "":
		default:
			return 0, errors.WithMessagef(ErrInvalidProtocol, "unknown protocol '%s'", part)
		}
	}
	if result == 0 {
		return 0, errors.WithMessage(ErrInvalidProtocol, "empty protocol list")
	}
	return result, nil
}

// ServerRecord describes one CM endpoint. It is immutable once constructed.
type ServerRecord struct {
	host      string
	port      int
	protocols ProtocolType
}

func NewServerRecord(host string, port int, protocols ProtocolType) ServerRecord {
	return ServerRecord{
		host:      host,
		port:      port,
		protocols: protocols,
	}
}

// NewSocketServer creates a record reachable over both TCP and UDP.
func NewSocketServer(host string, port int) ServerRecord {
	return NewServerRecord(host, port, TCP|UDP)
}

// NewWebSocketServer creates a websocket record from "host" or "host:port".
func NewWebSocketServer(address string) (ServerRecord, error) {
	host, port, err := splitAddress(address, defaultWebSocketPort)
	if err != nil {
		return ServerRecord{}, errors.WithMessage(err, "split websocket address")
	}
	return NewServerRecord(host, port, WebSocket), nil
}

// ParseServerRecord parses a "host:port" endpoint. A port is mandatory.
func ParseServerRecord(address string, protocols ProtocolType) (ServerRecord, error) {
	host, port, err := splitAddress(address, 0)
	if err != nil {
		return ServerRecord{}, errors.WithMessage(err, "split server address")
	}
	if port == 0 {
		return ServerRecord{}, errors.Errorf("missing port in address '%s'", address)
	}
	return NewServerRecord(host, port, protocols), nil
}

func splitAddress(address string, defaultPort int) (string, int, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, errors.New("empty address")
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		if defaultPort == 0 || strings.Contains(err.Error(), "too many colons") {
			return "", 0, errors.WithMessagef(err, "parse address '%s'", address)
		}
		return address, defaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errors.WithMessagef(err, "parse port '%s'", portStr)
	}
	if host == "" {
		return "", 0, errors.Errorf("empty host in address '%s'", address)
	}
	return host, int(port), nil
}

func (r ServerRecord) Host() string {
	return r.host
}

func (r ServerRecord) Port() int {
	return r.port
}

func (r ServerRecord) Protocols() ProtocolType {
	return r.protocols
}

func (r ServerRecord) Address() string {
	return net.JoinHostPort(r.host, strconv.Itoa(r.port))
}

// Key identifies the endpoint regardless of the protocols it supports.
func (r ServerRecord) Key() uint64 {
	return xxhash.Sum64String(strings.ToLower(r.Address()))
}

// WithProtocols returns a copy of the record carrying the union of both protocol sets.
func (r ServerRecord) WithProtocols(protocols ProtocolType) ServerRecord {
	return NewServerRecord(r.host, r.port, r.protocols|protocols)
}

func (r ServerRecord) IsZero() bool {
	return r.host == "" && r.port == 0
}

func (r ServerRecord) String() string {
	return r.Address() + " (" + r.protocols.String() + ")"
}

package common

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
)

const (
	MessageSize     = 1400
	ProtocolTypeTcp = 6
	DefaultTTL      = 32
)

// ErrChannelUnavailable is returned when a transport cannot be opened.
var ErrChannelUnavailable = errors.New("transport channel unavailable")

type IpPacket struct {
	Header  *ipv4header.IPv4Header
	Message []byte
}

// TransportAPI is the segment-level transport the TCP layer runs on.
//
// SendSegment hands one finished TCP segment (header and payload) to the
// network for dst. NextSegment blocks until the next TCP segment addressed
// to this host arrives and returns it with its source address; segments
// are returned in delivery order and the sequence cannot be restarted.
// After Close, NextSegment returns an error wrapping net.ErrClosed.
type TransportAPI interface {
	SendSegment(dst netip.Addr, segment []byte) error
	NextSegment() ([]byte, netip.Addr, error)
	Close() error
}

type NetworkLayerAPI interface {
	ReceiveIpPacket(packet *IpPacket) error
	SendIP(dst netip.Addr, protocolNum uint8, data []byte) error
}

type LinkLayerAPI interface {
	SendIpPacket(nextHopIp netip.Addr, packet IpPacket) error
	Close() error
}

type HandlerFunc = func(*IpPacket, NetworkLayerAPI) error

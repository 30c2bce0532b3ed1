package network_layer

import (
	"net/netip"
	"sort"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"team21/rawtcp/pkg/common"
)

const maxRouteDepth = 8

var (
	errNoRoute         = errors.New("no route to host")
	errNotForUs        = errors.New("packet not addressed to this host")
	errUnknownProtocol = errors.New("no handler for protocol")
	errTooLarge        = errors.New("packet exceeds link MTU")
)

type routingType int

const (
	routingTypeLocal routingType = iota
	routingTypeStatic
)

func (r routingType) String() string {
	if r == routingTypeLocal {
		return "L"
	}
	return "S"
}

type fwdTableEntry struct {
	routingType routingType
	nextHopIP   netip.Addr
	prefix      netip.Prefix
}

// NetworkLayer is a host's IPv4 layer on top of the virtual link. It
// does not forward: packets for other addresses are dropped.
type NetworkLayer struct {
	localIp   netip.Addr
	linkLayer common.LinkLayerAPI
	log       *zap.SugaredLogger

	mu              sync.RWMutex
	forwardingTable []fwdTableEntry
	handlers        map[uint8]common.HandlerFunc
}

func NewNetworkLayer(localIp netip.Addr, linkLayer common.LinkLayerAPI, log *zap.SugaredLogger) *NetworkLayer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &NetworkLayer{
		localIp:   localIp,
		linkLayer: linkLayer,
		log:       log,
		handlers:  make(map[uint8]common.HandlerFunc),
	}
}

func (n *NetworkLayer) insertEntry(entry fwdTableEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwardingTable = append(n.forwardingTable, entry)
	// Longest prefix first.
	sort.SliceStable(n.forwardingTable, func(i, j int) bool {
		return n.forwardingTable[i].prefix.Bits() > n.forwardingTable[j].prefix.Bits()
	})
}

// AddNeighbor marks vip as directly reachable over the link.
func (n *NetworkLayer) AddNeighbor(vip netip.Addr) {
	n.insertEntry(fwdTableEntry{
		routingType: routingTypeLocal,
		prefix:      netip.PrefixFrom(vip, vip.BitLen()),
	})
}

// AddRoute sends traffic for prefix through nextHop.
func (n *NetworkLayer) AddRoute(prefix netip.Prefix, nextHop netip.Addr) {
	n.insertEntry(fwdTableEntry{
		routingType: routingTypeStatic,
		nextHopIP:   nextHop,
		prefix:      prefix.Masked(),
	})
}

// lookupNextHop resolves dst to the neighbor a packet is handed to.
func (n *NetworkLayer) lookupNextHop(dst netip.Addr) (netip.Addr, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ip := dst
	for range maxRouteDepth {
		entry, ok := n.match(ip)
		if !ok {
			return netip.Addr{}, errors.Wrapf(errNoRoute, "%s", dst)
		}
		if entry.routingType == routingTypeLocal {
			return ip, nil
		}
		ip = entry.nextHopIP
	}
	return netip.Addr{}, errors.Wrapf(errNoRoute, "%s: route loop", dst)
}

func (n *NetworkLayer) match(ip netip.Addr) (fwdTableEntry, bool) {
	for _, entry := range n.forwardingTable {
		if entry.prefix.Contains(ip) {
			return entry, true
		}
	}
	return fwdTableEntry{}, false
}

// RegisterRecvHandler installs the handler for packets carrying protocol.
func (n *NetworkLayer) RegisterRecvHandler(protocol uint8, handler common.HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[protocol] = handler
}

func (n *NetworkLayer) SendIP(dst netip.Addr, protocolNum uint8, data []byte) error {
	if ipv4header.HeaderLen+len(data) > common.MessageSize {
		return errors.Wrapf(errTooLarge, "%d bytes", ipv4header.HeaderLen+len(data))
	}
	hdr := &ipv4header.IPv4Header{
		Version:  4,
		Len:      ipv4header.HeaderLen,
		TotalLen: ipv4header.HeaderLen + len(data),
		TTL:      common.DefaultTTL,
		Protocol: int(protocolNum),
		Src:      n.localIp,
		Dst:      dst,
		Options:  []byte{},
	}

	nextHop, err := n.lookupNextHop(dst)
	if err != nil {
		return err
	}
	return n.linkLayer.SendIpPacket(nextHop, common.IpPacket{Header: hdr, Message: data})
}

func (n *NetworkLayer) ReceiveIpPacket(packet *common.IpPacket) error {
	if packet.Header.Dst != n.localIp {
		return errors.Wrapf(errNotForUs, "%s", packet.Header.Dst)
	}

	n.mu.RLock()
	handler, ok := n.handlers[uint8(packet.Header.Protocol)]
	n.mu.RUnlock()
	if !ok {
		return errors.Wrapf(errUnknownProtocol, "%d", packet.Header.Protocol)
	}
	return handler(packet, n)
}

func (n *NetworkLayer) Close() error {
	return n.linkLayer.Close()
}

// Routes lists the forwarding table as (type, prefix, next hop) rows.
func (n *NetworkLayer) Routes() [][3]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rows := make([][3]string, 0, len(n.forwardingTable))
	for _, e := range n.forwardingTable {
		hop := "LOCAL"
		if e.routingType != routingTypeLocal {
			hop = e.nextHopIP.String()
		}
		rows = append(rows, [3]string{e.routingType.String(), e.prefix.String(), hop})
	}
	return rows
}

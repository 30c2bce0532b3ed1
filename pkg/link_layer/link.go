package link_layer

import (
	"net"
	"net/netip"
	"sync"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"team21/rawtcp/pkg/common"
)

var (
	errUnknownNeighbor = errors.New("unknown neighbor")
	errBadChecksum     = errors.New("invalid IPv4 header checksum")
	errTruncated       = errors.New("truncated IPv4 packet")
)

// LinkLayer is a virtual link: IPv4 packets travel as UDP datagrams
// between one bound socket and the sockets of known neighbors.
type LinkLayer struct {
	conn *net.UDPConn
	log  *zap.SugaredLogger

	mu        sync.RWMutex
	neighbors map[netip.Addr]netip.AddrPort

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ common.LinkLayerAPI = (*LinkLayer)(nil)

// NewLinkLayer binds bind. neighbors maps each neighbor's virtual IP to
// its UDP address.
func NewLinkLayer(bind netip.AddrPort, neighbors map[netip.Addr]netip.AddrPort, log *zap.SugaredLogger) (*LinkLayer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	// Bind on the local UDP port: this sets the source port.
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, errors.Wrapf(common.ErrChannelUnavailable, "bind %s: %v", bind, err)
	}
	nb := make(map[netip.Addr]netip.AddrPort, len(neighbors))
	for vip, addr := range neighbors {
		nb[vip] = addr
	}
	return &LinkLayer{conn: conn, neighbors: nb, log: log}, nil
}

// AddNeighbor maps vip to the UDP address its link layer is bound to.
func (l *LinkLayer) AddNeighbor(vip netip.Addr, udpAddr netip.AddrPort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.neighbors[vip] = udpAddr
}

func (l *LinkLayer) LocalAddr() netip.AddrPort {
	ap := l.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Start delivers received packets to networkLayer until Close.
func (l *LinkLayer) Start(networkLayer common.NetworkLayerAPI) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.readLoop(networkLayer)
	}()
}

func (l *LinkLayer) readLoop(networkLayer common.NetworkLayerAPI) {
	buffer := make([]byte, common.MessageSize)
	for {
		bytesRead, sourceAddr, err := l.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warnw("udp read failed", "err", err)
			continue
		}

		packet, err := parsePacket(buffer[:bytesRead])
		if err != nil {
			l.log.Debugw("dropped datagram", "from", sourceAddr, "err", err)
			continue
		}
		if err := networkLayer.ReceiveIpPacket(packet); err != nil {
			l.log.Debugw("dropped packet", "src", packet.Header.Src, "dst", packet.Header.Dst, "err", err)
		}
	}
}

// parsePacket decodes a datagram into a packet whose message does not
// alias b.
func parsePacket(b []byte) (*common.IpPacket, error) {
	hdr, err := ipv4header.ParseHeader(b)
	if err != nil {
		return nil, errors.Wrap(err, "parse IPv4 header")
	}
	headerSize := hdr.Len
	if headerSize < ipv4header.HeaderLen || hdr.TotalLen < headerSize || hdr.TotalLen > len(b) {
		return nil, errors.Wrapf(errTruncated, "header %d, total %d, have %d", headerSize, hdr.TotalLen, len(b))
	}
	if !ValidateChecksum(b[:headerSize]) {
		return nil, errBadChecksum
	}
	return &common.IpPacket{
		Header:  hdr,
		Message: append([]byte(nil), b[headerSize:hdr.TotalLen]...),
	}, nil
}

func (l *LinkLayer) SendIpPacket(nextHopIp netip.Addr, packet common.IpPacket) error {
	l.mu.RLock()
	udpAddr, ok := l.neighbors[nextHopIp]
	l.mu.RUnlock()
	if !ok {
		return errors.Wrapf(errUnknownNeighbor, "%s", nextHopIp)
	}
	bytesToSend, err := marshalPacket(packet)
	if err != nil {
		return err
	}
	if _, err := l.conn.WriteToUDPAddrPort(bytesToSend, udpAddr); err != nil {
		return errors.Wrapf(err, "send to %s", udpAddr)
	}
	return nil
}

// marshalPacket fills in the header checksum and appends the message.
func marshalPacket(packet common.IpPacket) ([]byte, error) {
	packet.Header.Checksum = 0
	headerBytes, err := packet.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}
	packet.Header.Checksum = int(computeChecksum(headerBytes))
	headerBytes, err = packet.Header.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal IPv4 header")
	}

	bytesToSend := make([]byte, 0, len(headerBytes)+len(packet.Message))
	bytesToSend = append(bytesToSend, headerBytes...)
	bytesToSend = append(bytesToSend, packet.Message...)
	return bytesToSend, nil
}

func (l *LinkLayer) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
		l.wg.Wait()
	})
	return err
}

// computeChecksum returns the inverted Internet checksum of b, the value
// stored in a header whose checksum field was zero.
func computeChecksum(b []byte) uint16 {
	return header.Checksum(b, 0) ^ 0xffff
}

// ValidateChecksum reports whether headerBytes, checksum field included,
// sums to all ones.
func ValidateChecksum(headerBytes []byte) bool {
	return header.Checksum(headerBytes, 0) == 0xffff
}

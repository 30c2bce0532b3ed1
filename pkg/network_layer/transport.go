package network_layer

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"team21/rawtcp/pkg/common"
)

const segmentQueueLen = 256

type inboundSegment struct {
	data []byte
	src  netip.Addr
}

// TcpTransport carries TCP segments over a NetworkLayer.
type TcpTransport struct {
	network  *NetworkLayer
	segments chan inboundSegment
	done     chan struct{}
	once     sync.Once
}

var _ common.TransportAPI = (*TcpTransport)(nil)

// NewTcpTransport registers itself as n's TCP handler.
func NewTcpTransport(n *NetworkLayer) *TcpTransport {
	t := &TcpTransport{
		network:  n,
		segments: make(chan inboundSegment, segmentQueueLen),
		done:     make(chan struct{}),
	}
	n.RegisterRecvHandler(common.ProtocolTypeTcp, t.handlePacket)
	return t
}

func (t *TcpTransport) handlePacket(packet *common.IpPacket, _ common.NetworkLayerAPI) error {
	seg := inboundSegment{
		data: append([]byte(nil), packet.Message...),
		src:  packet.Header.Src,
	}
	select {
	case t.segments <- seg:
		return nil
	case <-t.done:
		return net.ErrClosed
	default:
		return errors.Errorf("segment queue full, dropped %d bytes from %s", len(seg.data), seg.src)
	}
}

func (t *TcpTransport) SendSegment(dst netip.Addr, segment []byte) error {
	return t.network.SendIP(dst, common.ProtocolTypeTcp, segment)
}

func (t *TcpTransport) NextSegment() ([]byte, netip.Addr, error) {
	select {
	case seg := <-t.segments:
		return seg.data, seg.src, nil
	case <-t.done:
		return nil, netip.Addr{}, net.ErrClosed
	}
}

// Close stops delivery and closes the underlying link.
func (t *TcpTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.network.Close()
	})
	return err
}

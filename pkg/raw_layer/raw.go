// Package raw_layer carries TCP segments over a raw IPv4 socket, leaving
// IP header construction to the kernel. Opening one needs CAP_NET_RAW.
package raw_layer

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"team21/rawtcp/pkg/common"
)

const maxDatagram = 1 << 16

type RawTransport struct {
	localIp netip.Addr
	conn    *ipv4.PacketConn
	log     *zap.SugaredLogger

	// dstFilter is set when the platform reports each datagram's
	// destination address.
	dstFilter bool

	buf       []byte
	closeOnce sync.Once
}

var _ common.TransportAPI = (*RawTransport)(nil)

// Open binds a raw TCP socket to localIp.
func Open(localIp netip.Addr, log *zap.SugaredLogger) (*RawTransport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c, err := net.ListenPacket("ip4:tcp", localIp.String())
	if err != nil {
		return nil, errors.Wrapf(common.ErrChannelUnavailable, "raw socket on %s: %v", localIp, err)
	}

	t := &RawTransport{
		localIp: localIp,
		conn:    ipv4.NewPacketConn(c),
		log:     log,
		buf:     make([]byte, maxDatagram),
	}
	if err := t.conn.SetControlMessage(ipv4.FlagDst, true); err != nil {
		log.Warnw("destination filtering unavailable", "err", err)
	} else {
		t.dstFilter = true
	}
	return t, nil
}

func (t *RawTransport) SendSegment(dst netip.Addr, segment []byte) error {
	if _, err := t.conn.WriteTo(segment, nil, &net.IPAddr{IP: dst.AsSlice()}); err != nil {
		return errors.Wrapf(err, "raw send to %s", dst)
	}
	return nil
}

// NextSegment returns the next TCP segment addressed to the local IP.
// It is not safe for concurrent use.
func (t *RawTransport) NextSegment() ([]byte, netip.Addr, error) {
	for {
		n, cm, src, err := t.conn.ReadFrom(t.buf)
		if err != nil {
			return nil, netip.Addr{}, errors.Wrap(err, "raw read")
		}
		if t.dstFilter && cm != nil && cm.Dst != nil {
			if dst, ok := netip.AddrFromSlice(cm.Dst); !ok || dst.Unmap() != t.localIp {
				continue
			}
		}
		ipAddr, ok := src.(*net.IPAddr)
		if !ok {
			continue
		}
		from, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		return append([]byte(nil), t.buf[:n]...), from.Unmap(), nil
	}
}

func (t *RawTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

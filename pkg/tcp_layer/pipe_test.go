package tcp_layer

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/netstack/tcpip/header"
	"go.uber.org/zap/zaptest"

	tcpUtils "team21/rawtcp/pkg/tcp_layer/tcp_utils"
)

var (
	hostA = netip.MustParseAddr("10.0.0.1")
	hostB = netip.MustParseAddr("10.0.0.2")
)

type inbound struct {
	segment []byte
	src     netip.Addr
}

// memTransport is an in-memory TransportAPI. Segments sent to the address
// of its peer are queued for the peer's receive loop; a full queue loses
// the segment like a congested link would. Every outgoing segment is also
// recorded. A nil peer makes it a pure recorder.
type memTransport struct {
	local netip.Addr
	peer  *memTransport
	in    chan inbound
	done  chan struct{}
	once  sync.Once

	mu sync.Mutex
	// drop, when set, decides whether an outgoing segment is lost.
	drop func(pkt *tcpPacket) bool
	// reply, when set, may answer an outgoing segment with a segment
	// delivered back to this transport.
	reply func(pkt *tcpPacket) []byte
	sent  []*tcpPacket
}

func newMemTransport(local netip.Addr) *memTransport {
	return &memTransport{
		local: local,
		in:    make(chan inbound, 256),
		done:  make(chan struct{}),
	}
}

func newMemPipe(a, b netip.Addr) (*memTransport, *memTransport) {
	ta, tb := newMemTransport(a), newMemTransport(b)
	ta.peer, tb.peer = tb, ta
	return ta, tb
}

func (m *memTransport) SendSegment(dst netip.Addr, segment []byte) error {
	b := append([]byte(nil), segment...)
	pkt, err := parseTCPPacket(b, m.local)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, pkt)
	drop, reply := m.drop, m.reply
	m.mu.Unlock()

	if drop != nil && drop(pkt) {
		return nil
	}
	if reply != nil {
		if r := reply(pkt); r != nil {
			m.deliver(inbound{segment: r, src: dst})
		}
	}
	if m.peer != nil && dst == m.peer.local {
		m.peer.deliver(inbound{segment: b, src: m.local})
	}
	return nil
}

func (m *memTransport) deliver(in inbound) {
	select {
	case m.in <- in:
	default:
	}
}

func (m *memTransport) NextSegment() ([]byte, netip.Addr, error) {
	select {
	case in := <-m.in:
		return in.segment, in.src, nil
	case <-m.done:
		return nil, netip.Addr{}, net.ErrClosed
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *memTransport) setDrop(fn func(pkt *tcpPacket) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop = fn
}

func (m *memTransport) setReply(fn func(pkt *tcpPacket) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = fn
}

func (m *memTransport) sentSegments() []*tcpPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*tcpPacket(nil), m.sent...)
}

func (m *memTransport) sentFlags() []string {
	var flags []string
	for _, pkt := range m.sentSegments() {
		flags = append(flags, flagString(pkt.Flags))
	}
	return flags
}

func (m *memTransport) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryInterval = 20 * time.Millisecond
	opts.HandshakeRetries = 3
	opts.SendRetries = 3
	opts.TeardownRetries = 3
	return opts
}

func newTestTcp(t *testing.T, local netip.Addr, transport *memTransport, opts Options) *Tcp {
	t.Helper()
	tcp, err := NewTcp(local, transport, opts, zaptest.NewLogger(t).Sugar())
	qt.New(t).Assert(err, qt.IsNil)
	t.Cleanup(func() { tcp.Close() })
	return tcp
}

// seg describes a segment arriving from a remote peer.
type seg struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
	seq, ack         uint32
	flags            uint8
	window           uint16
	payload          []byte
}

func (s seg) bytes() []byte {
	fields := header.TCPFields{
		SrcPort:    s.srcPort,
		DstPort:    s.dstPort,
		SeqNum:     s.seq,
		AckNum:     s.ack,
		DataOffset: tcpUtils.TcpHeaderLen,
		Flags:      s.flags,
		WindowSize: s.window,
	}
	fields.Checksum = tcpUtils.ComputeTCPChecksum(&fields, s.src, s.dst, s.payload)
	b := make(header.TCP, tcpUtils.TcpHeaderLen)
	b.Encode(&fields)
	return append([]byte(b), s.payload...)
}

// ackFor answers pkt, sent by a socket on local, the way a peer with the
// given window would.
func ackFor(pkt *tcpPacket, local, remote netip.Addr, window uint16) []byte {
	return seg{
		src:     remote,
		dst:     local,
		srcPort: pkt.DstPort,
		dstPort: pkt.SrcPort,
		seq:     pkt.AckNum,
		ack:     pkt.SeqNum + seqLen(pkt.Flags, len(pkt.Payload)),
		flags:   header.TCPFlagAck,
		window:  window,
	}.bytes()
}

// insertSocket registers an established-style socket between hostA:5000
// and hostB:6000 directly in tcp's table.
func insertSocket(t *testing.T, tcp *Tcp, state TCPState, una, next, recvNext uint32) ConnID {
	t.Helper()
	var id ConnID
	err := tcp.table.write(func() error {
		s := newSocket(tcp.table.getNextSocketID(), hostA, 5000, tcp.opts.BufferSize)
		s.RemoteAddr = hostB
		s.RemotePort = 6000
		s.SendParam.Una = una
		s.SendParam.Next = next
		s.RecvParam.Irs = recvNext - 1
		s.RecvParam.Next = recvNext
		s.RecvParam.Window = 1000
		s.State = state
		id = s.connID()
		tcp.table.insert(id, s)
		return nil
	})
	qt.New(t).Assert(err, qt.IsNil)
	return id
}

// fromB builds a segment from hostB:6000 to hostA:5000.
func fromB(seq, ack uint32, flags uint8, payload string) []byte {
	return seg{
		src:     hostB,
		dst:     hostA,
		srcPort: 6000,
		dstPort: 5000,
		seq:     seq,
		ack:     ack,
		flags:   flags,
		window:  1000,
		payload: []byte(payload),
	}.bytes()
}

func socketInfo(t *testing.T, tcp *Tcp, id ConnID) SocketInfo {
	t.Helper()
	for _, info := range tcp.Sockets() {
		if info.ConnID == id {
			return info
		}
	}
	t.Fatalf("no socket %s", id)
	return SocketInfo{}
}

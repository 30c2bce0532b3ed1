package tcp_layer

import (
	"io"
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/netstack/tcpip/header"
)

const (
	ack    = header.TCPFlagAck
	syn    = header.TCPFlagSyn
	fin    = header.TCPFlagFin
	synAck = header.TCPFlagSyn | header.TCPFlagAck
	finAck = header.TCPFlagFin | header.TCPFlagAck
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name      string
		state     TCPState
		una, next uint32
		recvNext  uint32
		segment   []byte
		wantState TCPState
		wantSent  []string
		wantErr   error
	}{{
		name:  "syn-sent gets syn-ack",
		state: SYN_SENT, una: 100, next: 101, recvNext: 1,
		segment:   fromB(900, 101, synAck, ""),
		wantState: ESTABLISHED,
		wantSent:  []string{"ACK"},
	}, {
		name:  "syn-sent gets bare syn",
		state: SYN_SENT, una: 100, next: 101, recvNext: 1,
		segment:   fromB(900, 0, syn, ""),
		wantState: SYN_RECEIVED,
		wantSent:  []string{"ACK"},
	}, {
		name:  "syn-sent ignores syn-ack for another syn",
		state: SYN_SENT, una: 100, next: 101, recvNext: 1,
		segment:   fromB(900, 555, synAck, ""),
		wantState: SYN_SENT,
		wantErr:   ErrInvalidSequence,
	}, {
		name:  "syn-sent ignores bare ack",
		state: SYN_SENT, una: 100, next: 101, recvNext: 1,
		segment:   fromB(900, 101, ack, ""),
		wantState: SYN_SENT,
	}, {
		name:  "established pure ack",
		state: ESTABLISHED, una: 100, next: 100, recvNext: 1000,
		segment:   fromB(1000, 100, ack, ""),
		wantState: ESTABLISHED,
	}, {
		name:  "established data",
		state: ESTABLISHED, una: 100, next: 100, recvNext: 1000,
		segment:   fromB(1000, 100, ack, "hello"),
		wantState: ESTABLISHED,
		wantSent:  []string{"ACK"},
	}, {
		name:  "established ignores syn",
		state: ESTABLISHED, una: 100, next: 100, recvNext: 1000,
		segment:   fromB(1000, 100, syn, ""),
		wantState: ESTABLISHED,
	}, {
		name:  "established fin",
		state: ESTABLISHED, una: 100, next: 100, recvNext: 1000,
		segment:   fromB(1000, 100, finAck, ""),
		wantState: LAST_ACK,
		wantSent:  []string{"ACK", "FIN|ACK"},
	}, {
		name:  "fin-wait-1 ack of fin",
		state: FIN_WAIT_1, una: 100, next: 101, recvNext: 1000,
		segment:   fromB(1000, 101, ack, ""),
		wantState: FIN_WAIT_2,
	}, {
		name:  "fin-wait-1 fin with ack",
		state: FIN_WAIT_1, una: 100, next: 101, recvNext: 1000,
		segment:   fromB(1000, 101, finAck, ""),
		wantState: TIME_WAIT,
		wantSent:  []string{"ACK"},
	}, {
		name:  "fin-wait-1 bare fin",
		state: FIN_WAIT_1, una: 100, next: 101, recvNext: 1000,
		segment:   fromB(1000, 0, fin, ""),
		wantState: CLOSING,
		wantSent:  []string{"ACK"},
	}, {
		name:  "fin-wait-2 fin",
		state: FIN_WAIT_2, una: 101, next: 101, recvNext: 1000,
		segment:   fromB(1000, 101, finAck, ""),
		wantState: TIME_WAIT,
		wantSent:  []string{"ACK"},
	}, {
		name:  "closing ack",
		state: CLOSING, una: 100, next: 101, recvNext: 1001,
		segment:   fromB(1001, 101, ack, ""),
		wantState: TIME_WAIT,
	}, {
		name:  "last-ack ack",
		state: LAST_ACK, una: 100, next: 101, recvNext: 1001,
		segment:   fromB(1001, 101, ack, ""),
		wantState: CLOSED,
	}, {
		name:  "time-wait ignores ack",
		state: TIME_WAIT, una: 101, next: 101, recvNext: 1001,
		segment:   fromB(1001, 101, ack, ""),
		wantState: TIME_WAIT,
	}, {
		name:  "closed ignores syn",
		state: CLOSED, una: 100, next: 100, recvNext: 1,
		segment:   fromB(5, 0, syn, ""),
		wantState: CLOSED,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			transport := newMemTransport(hostA)
			tcp := newTestTcp(t, hostA, transport, testOptions())
			id := insertSocket(t, tcp, tt.state, tt.una, tt.next, tt.recvNext)

			err := tcp.HandleTCPPacket(tt.segment, hostB)
			if tt.wantErr != nil {
				c.Assert(err, qt.ErrorIs, tt.wantErr)
			} else {
				c.Assert(err, qt.IsNil)
			}

			state, err := tcp.Status(id)
			c.Assert(err, qt.IsNil)
			c.Assert(state, qt.Equals, tt.wantState)
			c.Assert(transport.sentFlags(), qt.DeepEquals, tt.wantSent)
		})
	}
}

func TestPassiveOpen(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())

	lid, err := tcp.Listen(80)
	c.Assert(err, qt.IsNil)
	c.Assert(lid.IsWildcard(), qt.IsTrue)

	synSeg := seg{src: hostB, dst: hostA, srcPort: 7000, dstPort: 80, seq: 1000, flags: syn, window: 500}
	c.Assert(tcp.HandleTCPPacket(synSeg.bytes(), hostB), qt.IsNil)

	listener := socketInfo(t, tcp, lid)
	c.Assert(listener.State, qt.Equals, SYN_RECEIVED)
	c.Assert(listener.RecvParam.Irs, qt.Equals, uint32(1000))
	c.Assert(listener.RecvParam.Next, qt.Equals, uint32(1001))

	sent := transport.sentSegments()
	c.Assert(sent, qt.HasLen, 1)
	c.Assert(sent[0].Flags, qt.Equals, uint8(synAck))
	c.Assert(sent[0].SeqNum, qt.Equals, listener.SendParam.Iss)
	c.Assert(sent[0].AckNum, qt.Equals, uint32(1001))

	// A second peer cannot start a handshake while one is pending.
	other := synSeg
	other.srcPort = 7001
	c.Assert(tcp.HandleTCPPacket(other.bytes(), hostB), qt.ErrorIs, errNoSocket)

	ackSeg := seg{src: hostB, dst: hostA, srcPort: 7000, dstPort: 80,
		seq: 1001, ack: listener.SendParam.Iss + 1, flags: ack, window: 400}
	c.Assert(tcp.HandleTCPPacket(ackSeg.bytes(), hostB), qt.IsNil)

	peer, err := tcp.Accept()
	c.Assert(err, qt.IsNil)
	c.Assert(peer, qt.Equals, ConnID{RemoteAddr: hostB, RemotePort: 7000, LocalPort: 80})

	conn := socketInfo(t, tcp, peer)
	c.Assert(conn.State, qt.Equals, ESTABLISHED)
	c.Assert(conn.SendParam.Una, qt.Equals, listener.SendParam.Iss+1)
	c.Assert(conn.SendParam.Next, qt.Equals, listener.SendParam.Iss+1)
	c.Assert(conn.RecvParam.Next, qt.Equals, uint32(1001))
	c.Assert(conn.RecvParam.Window, qt.Equals, uint16(400))

	state, err := tcp.Status(lid)
	c.Assert(err, qt.IsNil)
	c.Assert(state, qt.Equals, LISTEN)
}

func TestHandshakeAckWithData(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())

	_, err := tcp.Listen(80)
	c.Assert(err, qt.IsNil)
	c.Assert(tcp.HandleTCPPacket(seg{src: hostB, dst: hostA, srcPort: 7000, dstPort: 80,
		seq: 1000, flags: syn, window: 500}.bytes(), hostB), qt.IsNil)
	iss := transport.sentSegments()[0].SeqNum

	c.Assert(tcp.HandleTCPPacket(seg{src: hostB, dst: hostA, srcPort: 7000, dstPort: 80,
		seq: 1001, ack: iss + 1, flags: ack, window: 500, payload: []byte("early")}.bytes(), hostB), qt.IsNil)

	peer, err := tcp.Accept()
	c.Assert(err, qt.IsNil)
	data, err := tcp.Read(peer, 100)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "early")
	c.Assert(socketInfo(t, tcp, peer).RecvParam.Next, qt.Equals, uint32(1006))
}

func TestDuplicateSynResendsSynAck(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())

	_, err := tcp.Listen(80)
	c.Assert(err, qt.IsNil)
	synSeg := seg{src: hostB, dst: hostA, srcPort: 7000, dstPort: 80, seq: 1000, flags: syn, window: 500}
	c.Assert(tcp.HandleTCPPacket(synSeg.bytes(), hostB), qt.IsNil)
	c.Assert(tcp.HandleTCPPacket(synSeg.bytes(), hostB), qt.IsNil)

	sent := transport.sentSegments()
	c.Assert(sent, qt.HasLen, 2)
	c.Assert(sent[1].Flags, qt.Equals, sent[0].Flags)
	c.Assert(sent[1].SeqNum, qt.Equals, sent[0].SeqNum)
	c.Assert(sent[1].AckNum, qt.Equals, sent[0].AckNum)
}

func TestChecksumMismatchLeavesSocketUntouched(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())
	id := insertSocket(t, tcp, ESTABLISHED, 100, 100, 1000)
	before := socketInfo(t, tcp, id)

	b := fromB(1000, 100, ack, "payload")
	b[len(b)-1] ^= 0xff
	c.Assert(tcp.HandleTCPPacket(b, hostB), qt.ErrorIs, ErrChecksumMismatch)

	after := socketInfo(t, tcp, id)
	if diff := cmp.Diff(before, after, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("socket changed (-before +after):\n%s", diff)
	}
	c.Assert(transport.sentSegments(), qt.HasLen, 0)
}

func TestFinWithTrailingData(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())
	const s = 1000
	id := insertSocket(t, tcp, ESTABLISHED, 100, 100, s)

	c.Assert(tcp.HandleTCPPacket(fromB(s, 100, finAck, "12345"), hostB), qt.IsNil)

	info := socketInfo(t, tcp, id)
	c.Assert(info.State, qt.Equals, LAST_ACK)
	c.Assert(info.RecvParam.Next, qt.Equals, uint32(s+6))
	c.Assert(info.SendParam.Next, qt.Equals, uint32(101))

	sent := transport.sentSegments()
	c.Assert(transport.sentFlags(), qt.DeepEquals, []string{"ACK", "FIN|ACK"})
	for _, pkt := range sent {
		c.Assert(pkt.AckNum, qt.Equals, uint32(s+6))
		c.Assert(pkt.SeqNum, qt.Equals, uint32(100))
	}

	data, err := tcp.Read(id, 100)
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "12345")
	_, err = tcp.Read(id, 100)
	c.Assert(err, qt.Equals, io.EOF)
}

func TestDuplicateDataIsReacknowledged(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())
	id := insertSocket(t, tcp, ESTABLISHED, 100, 100, 1000)

	c.Assert(tcp.HandleTCPPacket(fromB(1000, 100, ack, "abc"), hostB), qt.IsNil)
	c.Assert(tcp.HandleTCPPacket(fromB(1000, 100, ack, "abc"), hostB), qt.IsNil)

	info := socketInfo(t, tcp, id)
	c.Assert(info.Buffered, qt.Equals, 3)
	c.Assert(info.RecvParam.Next, qt.Equals, uint32(1003))

	sent := transport.sentSegments()
	c.Assert(sent, qt.HasLen, 2)
	c.Assert(sent[1].AckNum, qt.Equals, uint32(1003))
}

func TestSegmentAheadIsRejected(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())
	id := insertSocket(t, tcp, ESTABLISHED, 100, 100, 1000)

	c.Assert(tcp.HandleTCPPacket(fromB(1500, 100, ack, "gap"), hostB), qt.ErrorIs, ErrInvalidSequence)
	c.Assert(socketInfo(t, tcp, id).Buffered, qt.Equals, 0)
	c.Assert(transport.sentSegments(), qt.HasLen, 0)
}

func TestSegmentWithoutSocketIsDropped(t *testing.T) {
	c := qt.New(t)
	transport := newMemTransport(hostA)
	tcp := newTestTcp(t, hostA, transport, testOptions())

	c.Assert(tcp.HandleTCPPacket(fromB(1, 0, syn, ""), hostB), qt.ErrorIs, errNoSocket)
	c.Assert(tcp.HandleTCPPacket([]byte{1, 2, 3}, hostB), qt.ErrorIs, errMalformed)
	c.Assert(tcp.Sockets(), qt.HasLen, 0)
}

func TestAdvanceUna(t *testing.T) {
	c := qt.New(t)
	s := &Socket{SendParam: SendParam{Una: 100, Next: 150}}

	c.Assert(s.advanceUna(90), qt.IsFalse)
	c.Assert(s.advanceUna(151), qt.IsFalse)
	c.Assert(s.SendParam.Una, qt.Equals, uint32(100))
	c.Assert(s.advanceUna(120), qt.IsTrue)
	c.Assert(s.SendParam.Una, qt.Equals, uint32(120))

	wrapped := &Socket{SendParam: SendParam{Una: 0xfffffff0, Next: 0x10}}
	c.Assert(wrapped.advanceUna(0x5), qt.IsTrue)
}

func TestEveryStateHasHandler(t *testing.T) {
	for state := CLOSED; state < numTCPStates; state++ {
		if stateHandlers[state] == nil {
			t.Errorf("no handler for %s", state)
		}
	}
}

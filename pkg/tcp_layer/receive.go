package tcp_layer

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	tcpUtils "team21/rawtcp/pkg/tcp_layer/tcp_utils"
)

const receiveErrorBackoff = 10 * time.Millisecond

// receiveLoop pulls segments off the transport one at a time, in delivery
// order, until the stack is closed.
func (t *Tcp) receiveLoop() {
	defer t.wg.Done()
	for {
		segment, src, err := t.transport.NextSegment()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.closed() {
				return
			}
			t.log.Warnw("failed to receive segment", "err", err)
			if t.table.sleep(receiveErrorBackoff) != nil {
				return
			}
			continue
		}

		err = t.HandleTCPPacket(segment, src)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed):
			return
		default:
			t.log.Debugw("dropped segment", "src", src, "err", err)
		}
	}
}

func (t *Tcp) closed() bool {
	return errors.Is(t.table.read(func() error { return nil }), ErrClosed)
}

// HandleTCPPacket validates one inbound segment from src and runs it
// through the state machine of the socket it belongs to. Segments without
// an owner, with a bad checksum or out of sequence are dropped without
// touching any socket.
func (t *Tcp) HandleTCPPacket(segment []byte, src netip.Addr) error {
	pkt, err := parseTCPPacket(segment, src)
	if err != nil {
		return err
	}

	return t.table.write(func() error {
		id, socket := t.findSocket(pkt)
		if socket == nil {
			return errors.Wrapf(errNoSocket, "%s %s:%d -> :%d",
				flagString(pkt.Flags), pkt.Src, pkt.SrcPort, pkt.DstPort)
		}

		if !tcpUtils.ValidateTCPChecksum(pkt.raw, src, t.localIp) {
			return errors.Wrapf(ErrChecksumMismatch, "from %s", id)
		}

		switch t.opts.SeqPolicy.check(socket, pkt) {
		case seqReject:
			return errors.Wrapf(ErrInvalidSequence, "%s seq %d, expected %d",
				id, pkt.SeqNum, socket.RecvParam.Next)
		case seqDuplicate:
			return t.acknowledgeDuplicate(socket)
		}

		owner, err := stateHandlers[socket.State](t, id, socket, pkt)
		if owner != nil {
			owner.RecvParam.Window = pkt.WindowSize
		}
		return err
	})
}

// findSocket routes pkt: first by its exact connection id, then to the
// listener of the destination port, which takes a SYN while in LISTEN and
// the handshake ACK from the peer it is negotiating with.
func (t *Tcp) findSocket(pkt *tcpPacket) (ConnID, *Socket) {
	id := ConnID{RemoteAddr: pkt.Src, RemotePort: pkt.SrcPort, LocalPort: pkt.DstPort}
	if s, ok := t.table.get(id); ok {
		return id, s
	}

	lid := ListenID(pkt.DstPort)
	l, ok := t.table.get(lid)
	if !ok {
		return id, nil
	}
	switch {
	case l.State == LISTEN && pkt.has(header.TCPFlagSyn):
		return lid, l
	case l.State == SYN_RECEIVED && l.peerID() == id:
		return lid, l
	}
	return id, nil
}

// acknowledgeDuplicate answers a segment we have already consumed, so a
// peer whose acknowledgment got lost stops retransmitting.
func (t *Tcp) acknowledgeDuplicate(s *Socket) error {
	flags := uint8(header.TCPFlagAck)
	if s.State == SYN_RECEIVED {
		flags |= header.TCPFlagSyn
	}
	return t.SendTCPPacket(s, flags, nil)
}

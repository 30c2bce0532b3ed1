package tcp_layer

import (
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// stateHandler applies pkt to s, the socket registered under id. It
// returns the socket that now owns the connection, whose peer window is
// refreshed from pkt, or nil when no socket should take it.
type stateHandler func(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error)

var stateHandlers = [numTCPStates]stateHandler{
	CLOSED:       handleIgnore,
	LISTEN:       handleListen,
	SYN_SENT:     handleSynSent,
	SYN_RECEIVED: handleSynReceived,
	ESTABLISHED:  handleEstablished,
	FIN_WAIT_1:   handleFinWait1,
	FIN_WAIT_2:   handleFinWait2,
	CLOSING:      handleClosing,
	LAST_ACK:     handleLastAck,
	TIME_WAIT:    handleIgnore,
}

func handleIgnore(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	return s, nil
}

func handleListen(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagSyn) || pkt.has(header.TCPFlagAck) {
		return nil, nil
	}

	s.RemoteAddr = pkt.Src
	s.RemotePort = pkt.SrcPort
	s.RecvParam.Irs = pkt.SeqNum
	s.RecvParam.Next = pkt.SeqNum + 1

	if err := t.SendTCPPacket(s, header.TCPFlagSyn|header.TCPFlagAck, nil); err != nil {
		t.resetListener(id, s)
		return nil, err
	}
	t.setState(s, SYN_RECEIVED)
	return s, nil
}

func handleSynSent(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagSyn) {
		return s, nil
	}
	acked := pkt.has(header.TCPFlagAck)
	if acked && pkt.AckNum != s.SendParam.Next {
		return s, errors.Wrapf(ErrInvalidSequence, "%s: SYN|ACK acknowledges %d, want %d",
			id, pkt.AckNum, s.SendParam.Next)
	}

	s.RecvParam.Irs = pkt.SeqNum
	s.RecvParam.Next = pkt.SeqNum + 1
	if acked {
		s.SendParam.Una = pkt.AckNum
		t.setState(s, ESTABLISHED)
	} else {
		t.setState(s, SYN_RECEIVED)
	}
	return s, t.SendTCPPacket(s, header.TCPFlagAck, nil)
}

func handleSynReceived(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagAck) || pkt.has(header.TCPFlagSyn) {
		return s, nil
	}
	if pkt.AckNum != s.SendParam.Next {
		return s, errors.Wrapf(ErrInvalidSequence, "%s: handshake ACK %d, want %d",
			id, pkt.AckNum, s.SendParam.Next)
	}

	if !s.listener {
		s.SendParam.Una = pkt.AckNum
		t.setState(s, ESTABLISHED)
		return handleEstablishedData(t, id, s, pkt)
	}

	conn := &Socket{
		ID:         t.table.getNextSocketID(),
		LocalAddr:  s.LocalAddr,
		LocalPort:  s.LocalPort,
		RemoteAddr: s.RemoteAddr,
		RemotePort: s.RemotePort,
		SendParam: SendParam{
			Una:  pkt.AckNum,
			Next: pkt.AckNum,
			Iss:  s.SendParam.Iss,
		},
		RecvParam:  s.RecvParam,
		State:      ESTABLISHED,
		recvBuffer: newReceiveBuffer(t.opts.BufferSize),
	}
	conn.SendParam.Window = conn.recvBuffer.window()

	peer := conn.connID()
	t.table.insert(peer, conn)
	t.table.pushBacklog(peer)
	t.resetListener(id, s)
	t.log.Infow("new connection", "listener", s.ID, "socket", conn.ID, "conn", peer)

	return handleEstablishedData(t, peer, conn, pkt)
}

func handleEstablished(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if pkt.has(header.TCPFlagSyn) {
		return s, nil
	}
	if pkt.has(header.TCPFlagAck) {
		s.advanceUna(pkt.AckNum)
	}
	return handleEstablishedData(t, id, s, pkt)
}

// handleEstablishedData delivers pkt's payload and FIN to an established
// socket. A FIN closes our half in the same step, leaving s in LAST_ACK.
func handleEstablishedData(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagFin) && len(pkt.Payload) == 0 {
		return s, nil
	}
	if !s.recvBuffer.push(pkt.Payload) {
		return s, errors.Wrapf(errWindowFull, "%s: %d bytes", id, len(pkt.Payload))
	}
	s.RecvParam.Next = pkt.SeqNum + uint32(len(pkt.Payload))

	if !pkt.has(header.TCPFlagFin) {
		return s, t.SendTCPPacket(s, header.TCPFlagAck, nil)
	}

	s.RecvParam.Next++
	if err := t.SendTCPPacket(s, header.TCPFlagAck, nil); err != nil {
		return s, err
	}
	if err := t.SendTCPPacket(s, header.TCPFlagFin|header.TCPFlagAck, nil); err != nil {
		return s, err
	}
	t.setState(s, LAST_ACK)
	return s, nil
}

func handleFinWait1(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if pkt.has(header.TCPFlagSyn) {
		return s, nil
	}
	if pkt.has(header.TCPFlagAck) {
		s.advanceUna(pkt.AckNum)
	}
	if pkt.has(header.TCPFlagFin) {
		return receiveFin(t, id, s, pkt)
	}
	if !pkt.only(header.TCPFlagAck) {
		return s, nil
	}

	s, err := receiveHalfClosedData(t, id, s, pkt)
	if s.finAcked() {
		t.setState(s, FIN_WAIT_2)
	}
	return s, err
}

func handleFinWait2(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if pkt.has(header.TCPFlagSyn) {
		return s, nil
	}
	if pkt.has(header.TCPFlagFin) {
		return receiveFin(t, id, s, pkt)
	}
	return receiveHalfClosedData(t, id, s, pkt)
}

// receiveFin handles the peer's FIN after we have sent ours. With our FIN
// acknowledged the connection is done, otherwise both ends are closing.
func receiveFin(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !s.recvBuffer.push(pkt.Payload) {
		return s, errors.Wrapf(errWindowFull, "%s: %d bytes", id, len(pkt.Payload))
	}
	s.RecvParam.Next = pkt.SeqNum + uint32(len(pkt.Payload)) + 1

	if pkt.has(header.TCPFlagAck) && s.finAcked() {
		t.setState(s, TIME_WAIT)
	} else {
		t.setState(s, CLOSING)
	}
	return s, t.SendTCPPacket(s, header.TCPFlagAck, nil)
}

// receiveHalfClosedData accepts data the peer keeps sending after our FIN.
func receiveHalfClosedData(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if len(pkt.Payload) == 0 {
		return s, nil
	}
	if !s.recvBuffer.push(pkt.Payload) {
		return s, errors.Wrapf(errWindowFull, "%s: %d bytes", id, len(pkt.Payload))
	}
	s.RecvParam.Next += uint32(len(pkt.Payload))
	return s, t.SendTCPPacket(s, header.TCPFlagAck, nil)
}

func handleClosing(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagAck) {
		return s, nil
	}
	s.advanceUna(pkt.AckNum)
	if s.finAcked() {
		t.setState(s, TIME_WAIT)
	}
	return s, nil
}

func handleLastAck(t *Tcp, id ConnID, s *Socket, pkt *tcpPacket) (*Socket, error) {
	if !pkt.has(header.TCPFlagAck) {
		return s, nil
	}
	s.advanceUna(pkt.AckNum)
	if s.finAcked() {
		t.setState(s, CLOSED)
	}
	return s, nil
}

// advanceUna moves Una forward to ack when ack falls within [Una, Next].
func (s *Socket) advanceUna(ack uint32) bool {
	if !seqLE(s.SendParam.Una, ack) || !seqLE(ack, s.SendParam.Next) {
		return false
	}
	s.SendParam.Una = ack
	return true
}

// finAcked reports whether everything we sent, our FIN included, has been
// acknowledged.
func (s *Socket) finAcked() bool {
	return s.SendParam.Una == s.SendParam.Next
}

func (t *Tcp) setState(s *Socket, state TCPState) {
	if s.State == state {
		return
	}
	t.log.Debugw("state change", "socket", s.ID, "conn", s.connID(), "from", s.State, "to", state)
	s.State = state
}

// resetListener replaces the listener under id with a fresh LISTEN socket
// so the port can take its next handshake.
func (t *Tcp) resetListener(id ConnID, s *Socket) {
	fresh := t.newListener(s.LocalPort, s.ID)
	t.table.insert(id, fresh)
}

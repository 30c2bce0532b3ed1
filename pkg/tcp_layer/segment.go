package tcp_layer

import (
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	tcpUtils "team21/rawtcp/pkg/tcp_layer/tcp_utils"
)

var errMalformed = errors.New("malformed tcp segment")

// tcpPacket is a parsed inbound segment. raw keeps the bytes as received
// for checksum validation.
type tcpPacket struct {
	header.TCPFields
	Payload []byte
	Src     netip.Addr

	raw []byte
}

func parseTCPPacket(b []byte, src netip.Addr) (*tcpPacket, error) {
	if len(b) < tcpUtils.TcpHeaderLen {
		return nil, errors.Wrapf(errMalformed, "%d bytes", len(b))
	}
	fields := tcpUtils.ParseTCPHeader(b)
	off := int(fields.DataOffset)
	if off < tcpUtils.TcpHeaderLen || off > len(b) {
		return nil, errors.Wrapf(errMalformed, "data offset %d", off)
	}
	return &tcpPacket{
		TCPFields: fields,
		Payload:   b[off:],
		Src:       src,
		raw:       b,
	}, nil
}

func (p *tcpPacket) has(flag uint8) bool {
	return p.Flags&flag != 0
}

// only reports whether exactly the given flags are set, ignoring PSH.
func (p *tcpPacket) only(flags uint8) bool {
	return p.Flags&^header.TCPFlagPsh == flags
}

func flagString(flags uint8) string {
	var names []string
	for _, f := range []struct {
		bit  uint8
		name string
	}{
		{header.TCPFlagSyn, "SYN"},
		{header.TCPFlagFin, "FIN"},
		{header.TCPFlagRst, "RST"},
		{header.TCPFlagPsh, "PSH"},
		{header.TCPFlagAck, "ACK"},
		{header.TCPFlagUrg, "URG"},
	} {
		if flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// seqLen is the amount of sequence space a segment occupies.
func seqLen(flags uint8, payloadLen int) uint32 {
	n := uint32(payloadLen)
	if flags&header.TCPFlagSyn != 0 {
		n++
	}
	if flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}

// buildTCPPacket serializes a segment for s: sequence number SendParam.Una,
// acknowledgment RecvParam.Next, window SendParam.Window, no options.
func buildTCPPacket(s *Socket, flags uint8, payload []byte) []byte {
	fields := header.TCPFields{
		SrcPort:    s.LocalPort,
		DstPort:    s.RemotePort,
		SeqNum:     s.SendParam.Una,
		AckNum:     s.RecvParam.Next,
		DataOffset: tcpUtils.TcpHeaderLen,
		Flags:      flags,
		WindowSize: s.SendParam.Window,
	}
	fields.Checksum = tcpUtils.ComputeTCPChecksum(&fields, s.LocalAddr, s.RemoteAddr, payload)

	tcpHeaderBytes := make(header.TCP, tcpUtils.TcpHeaderLen)
	tcpHeaderBytes.Encode(&fields)

	segment := make([]byte, 0, len(tcpHeaderBytes)+len(payload))
	segment = append(segment, tcpHeaderBytes...)
	segment = append(segment, payload...)
	return segment
}

// SendTCPPacket emits one segment for s and advances SendParam.Next past
// it. Callers hold the table write lock.
func (t *Tcp) SendTCPPacket(s *Socket, flags uint8, payload []byte) error {
	if s.recvBuffer != nil {
		s.SendParam.Window = s.recvBuffer.window()
	}
	segment := buildTCPPacket(s, flags, payload)
	if err := t.transport.SendSegment(s.RemoteAddr, segment); err != nil {
		return errors.Wrapf(err, "send %s to %s", flagString(flags), netip.AddrPortFrom(s.RemoteAddr, s.RemotePort))
	}
	t.log.Debugw("sent segment",
		"conn", s.connID(),
		"flags", flagString(flags),
		"seq", s.SendParam.Una,
		"ack", s.RecvParam.Next,
		"len", len(payload),
	)

	// Pure ACKs never pull Next back over data still in flight.
	if end := s.SendParam.Una + seqLen(flags, len(payload)); seqLT(s.SendParam.Next, end) {
		s.SendParam.Next = end
	}
	return nil
}

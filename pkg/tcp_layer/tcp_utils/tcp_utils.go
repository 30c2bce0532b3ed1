package tcp_utils

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

const (
	TcpHeaderLen       = header.TCPMinimumSize
	TcpPseudoHeaderLen = 12
	IpProtoTcp         = uint8(header.TCPProtocolNumber)

	EphemeralPortMin = 49152
	EphemeralPortMax = 65535
)

// GenerateRandomPort returns a port from the dynamic range.
func GenerateRandomPort() uint16 {
	return uint16(EphemeralPortMin + rand.IntN(EphemeralPortMax-EphemeralPortMin+1))
}

func GenerateInitialSeqNum() uint32 {
	return rand.Uint32()
}

// ParseTCPHeader decodes the fixed part of a TCP header. b must hold at
// least TcpHeaderLen bytes.
func ParseTCPHeader(b []byte) header.TCPFields {
	td := header.TCP(b)
	return header.TCPFields{
		SrcPort:    td.SourcePort(),
		DstPort:    td.DestinationPort(),
		SeqNum:     td.SequenceNumber(),
		AckNum:     td.AckNumber(),
		DataOffset: td.DataOffset(),
		Flags:      td.Flags(),
		WindowSize: td.WindowSize(),
		Checksum:   td.Checksum(),
	}
}

func pseudoHeader(sourceIP netip.Addr, destIP netip.Addr, tcpLen int) []byte {
	b := make([]byte, TcpPseudoHeaderLen)
	src := sourceIP.As4()
	dst := destIP.As4()
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[8] = 0
	b[9] = IpProtoTcp
	binary.BigEndian.PutUint16(b[10:12], uint16(tcpLen))
	return b
}

// ComputeTCPChecksum returns the checksum to store in tcpHdr for a segment
// carrying payload from sourceIP to destIP. tcpHdr.Checksum is ignored.
func ComputeTCPChecksum(tcpHdr *header.TCPFields, sourceIP netip.Addr, destIP netip.Addr, payload []byte) uint16 {
	fields := *tcpHdr
	fields.Checksum = 0
	headerBytes := make(header.TCP, TcpHeaderLen)
	headerBytes.Encode(&fields)

	buf := make([]byte, 0, TcpPseudoHeaderLen+TcpHeaderLen+len(payload))
	buf = append(buf, pseudoHeader(sourceIP, destIP, TcpHeaderLen+len(payload))...)
	buf = append(buf, headerBytes...)
	buf = append(buf, payload...)

	return header.Checksum(buf, 0) ^ 0xffff
}

// ValidateTCPChecksum reports whether segment (header, options and payload
// exactly as received) carries a correct checksum for the given addresses.
func ValidateTCPChecksum(segment []byte, sourceIP netip.Addr, destIP netip.Addr) bool {
	buf := make([]byte, 0, TcpPseudoHeaderLen+len(segment))
	buf = append(buf, pseudoHeader(sourceIP, destIP, len(segment))...)
	buf = append(buf, segment...)
	return header.Checksum(buf, 0) == 0xffff
}

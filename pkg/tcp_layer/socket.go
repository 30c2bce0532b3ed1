package tcp_layer

import (
	"fmt"
	"net/netip"

	tcpUtils "team21/rawtcp/pkg/tcp_layer/tcp_utils"
)

type TCPState int

const (
	CLOSED TCPState = iota
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSING
	LAST_ACK
	TIME_WAIT

	numTCPStates
)

func (s TCPState) String() string {
	switch s {
	case CLOSED:
		return "CLOSED"
	case LISTEN:
		return "LISTEN"
	case SYN_SENT:
		return "SYN_SENT"
	case SYN_RECEIVED:
		return "SYN_RECEIVED"
	case ESTABLISHED:
		return "ESTABLISHED"
	case FIN_WAIT_1:
		return "FIN_WAIT_1"
	case FIN_WAIT_2:
		return "FIN_WAIT_2"
	case CLOSING:
		return "CLOSING"
	case LAST_ACK:
		return "LAST_ACK"
	case TIME_WAIT:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// peerClosed reports whether the peer has sent its FIN in state s, so no
// more data will arrive.
func (s TCPState) peerClosed() bool {
	switch s {
	case CLOSED, CLOSING, LAST_ACK, TIME_WAIT:
		return true
	}
	return false
}

// ConnID identifies a connection in the table. Listening sockets use the
// wildcard remote 0.0.0.0:0.
type ConnID struct {
	RemoteAddr netip.Addr
	RemotePort uint16
	LocalPort  uint16
}

func ListenID(port uint16) ConnID {
	return ConnID{RemoteAddr: netip.IPv4Unspecified(), LocalPort: port}
}

func (id ConnID) IsWildcard() bool {
	return id.RemotePort == 0 && (!id.RemoteAddr.IsValid() || id.RemoteAddr.IsUnspecified())
}

func (id ConnID) String() string {
	return fmt.Sprintf("%d->%s", id.LocalPort, netip.AddrPortFrom(id.RemoteAddr, id.RemotePort))
}

type SendParam struct {
	Una    uint32 // oldest unacknowledged sequence number
	Next   uint32 // next sequence number to send
	Window uint16 // window advertised in outgoing headers
	Iss    uint32
}

type RecvParam struct {
	Next   uint32 // next sequence number expected from the peer
	Window uint16 // window last advertised by the peer
	Irs    uint32
}

type Socket struct {
	ID int

	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16

	SendParam SendParam
	RecvParam RecvParam
	State     TCPState

	// listener marks the passive socket of a port. It stays under the
	// wildcard id, holding the half-open peer while in SYN_RECEIVED.
	listener   bool
	recvBuffer *receiveBuffer
}

func newSocket(id int, localAddr netip.Addr, localPort uint16, bufSize int) *Socket {
	iss := tcpUtils.GenerateInitialSeqNum()
	rb := newReceiveBuffer(bufSize)
	return &Socket{
		ID:        id,
		LocalAddr: localAddr,
		LocalPort: localPort,
		SendParam: SendParam{
			Una:    iss,
			Next:   iss,
			Window: rb.window(),
			Iss:    iss,
		},
		State:      CLOSED,
		recvBuffer: rb,
	}
}

// connID returns the key the socket is registered under.
func (s *Socket) connID() ConnID {
	if s.listener {
		return ListenID(s.LocalPort)
	}
	return ConnID{RemoteAddr: s.RemoteAddr, RemotePort: s.RemotePort, LocalPort: s.LocalPort}
}

// peerID is the id a connection with the socket's current remote end
// would be registered under.
func (s *Socket) peerID() ConnID {
	return ConnID{RemoteAddr: s.RemoteAddr, RemotePort: s.RemotePort, LocalPort: s.LocalPort}
}

// SocketInfo is a copy of a socket's fields taken under the table lock.
type SocketInfo struct {
	ID         int
	ConnID     ConnID
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
	SendParam  SendParam
	RecvParam  RecvParam
	State      TCPState
	Buffered   int
}

func (s *Socket) info(id ConnID) SocketInfo {
	return SocketInfo{
		ID:         s.ID,
		ConnID:     id,
		LocalAddr:  s.LocalAddr,
		LocalPort:  s.LocalPort,
		RemoteAddr: s.RemoteAddr,
		RemotePort: s.RemotePort,
		SendParam:  s.SendParam,
		RecvParam:  s.RecvParam,
		State:      s.State,
		Buffered:   s.recvBuffer.Len(),
	}
}

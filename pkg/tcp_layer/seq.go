package tcp_layer

import (
	"strings"

	"github.com/pkg/errors"
)

// Sequence numbers compare modulo 2^32.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }

// SeqPolicy decides whether an inbound segment's sequence number fits the
// receiving socket.
type SeqPolicy int

const (
	// SeqPolicyExact accepts a segment when no initial receive sequence
	// is known yet (LISTEN, SYN_SENT, CLOSED), when its sequence number
	// equals RecvParam.Next, or when it is a bare ACK whose sequence
	// number trails RecvParam.Next (peers stamp ACKs with their oldest
	// unacknowledged number). Earlier segments carrying data, SYN or FIN
	// are duplicates: they are acknowledged again but not applied.
	SeqPolicyExact SeqPolicy = iota

	// SeqPolicyLegacy is the check as it was first written down: a
	// segment is rejected when RecvParam.Next is zero or equal to the
	// segment's sequence number. It looks inverted and is kept selectable
	// until that is settled; connections do not progress under it.
	SeqPolicyLegacy
)

func (p SeqPolicy) String() string {
	switch p {
	case SeqPolicyExact:
		return "exact"
	case SeqPolicyLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

func ParseSeqPolicy(s string) (SeqPolicy, error) {
	switch strings.ToLower(s) {
	case "", "exact":
		return SeqPolicyExact, nil
	case "legacy":
		return SeqPolicyLegacy, nil
	}
	return 0, errors.Errorf("unknown sequence policy %q", s)
}

type seqVerdict int

const (
	seqAccept seqVerdict = iota
	seqReject
	seqDuplicate
)

func (p SeqPolicy) check(s *Socket, pkt *tcpPacket) seqVerdict {
	if p == SeqPolicyLegacy {
		if s.RecvParam.Next == 0 || pkt.SeqNum == s.RecvParam.Next {
			return seqReject
		}
		return seqAccept
	}

	switch s.State {
	case LISTEN, SYN_SENT, CLOSED:
		return seqAccept
	}
	next := s.RecvParam.Next
	switch {
	case pkt.SeqNum == next:
		return seqAccept
	case seqLT(pkt.SeqNum, next):
		if seqLen(pkt.Flags, len(pkt.Payload)) == 0 {
			return seqAccept
		}
		return seqDuplicate
	default:
		return seqReject
	}
}

package tcp_layer

import (
	"io"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"team21/rawtcp/pkg/common"
	tcpUtils "team21/rawtcp/pkg/tcp_layer/tcp_utils"
)

const (
	DefaultRetryInterval = time.Second
	DefaultRetries       = 5
	DefaultMSS           = 1460

	portAttempts = 64
)

// Options tunes a Tcp. Retry counts are re-sends: a handshake with
// HandshakeRetries = N puts at most N+1 SYNs on the wire.
type Options struct {
	RetryInterval    time.Duration
	HandshakeRetries int
	SendRetries      int
	TeardownRetries  int
	MSS              int
	BufferSize       int
	SeqPolicy        SeqPolicy
}

func DefaultOptions() Options {
	return Options{
		RetryInterval:    DefaultRetryInterval,
		HandshakeRetries: DefaultRetries,
		SendRetries:      DefaultRetries,
		TeardownRetries:  DefaultRetries,
		MSS:              DefaultMSS,
		BufferSize:       DefaultBufferSize,
		SeqPolicy:        SeqPolicyExact,
	}
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	// Negative counts mean no re-sends, never unbounded ones.
	o.HandshakeRetries = max(o.HandshakeRetries, 0)
	o.SendRetries = max(o.SendRetries, 0)
	o.TeardownRetries = max(o.TeardownRetries, 0)
	if o.MSS <= 0 {
		o.MSS = DefaultMSS
	}
	if o.BufferSize <= 0 || o.BufferSize > DefaultBufferSize {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// Tcp is a user-space TCP endpoint for one local IPv4 address. Callers
// address connections by ConnID; all socket state lives in the connection
// table and is only touched under its lock.
type Tcp struct {
	localIp   netip.Addr
	transport common.TransportAPI
	opts      Options
	log       *zap.SugaredLogger

	table     *connTable
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTcp starts the receive loop over transport.
func NewTcp(localIp netip.Addr, transport common.TransportAPI, opts Options, log *zap.SugaredLogger) (*Tcp, error) {
	if !localIp.Is4() {
		return nil, errors.Errorf("local address %v is not IPv4", localIp)
	}
	if transport == nil {
		return nil, errors.New("nil transport")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	t := &Tcp{
		localIp:   localIp,
		transport: transport,
		opts:      opts.withDefaults(),
		log:       log,
		table:     newConnTable(),
	}
	t.wg.Add(1)
	go t.receiveLoop()

	t.log.Infow("tcp started", "addr", localIp, "seq_policy", t.opts.SeqPolicy)
	return t, nil
}

// Close stops the receive loop, closes the transport and fails every
// blocked call with ErrClosed.
func (t *Tcp) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.table.close()
		err = t.transport.Close()
		t.wg.Wait()
	})
	return err
}

func (t *Tcp) LocalAddr() netip.Addr {
	return t.localIp
}

func (t *Tcp) newListener(port uint16, socketID int) *Socket {
	s := newSocket(socketID, t.localIp, port, t.opts.BufferSize)
	s.listener = true
	s.RemoteAddr = netip.IPv4Unspecified()
	s.State = LISTEN
	return s
}

func (t *Tcp) Listen(port uint16) (ConnID, error) {
	id := ListenID(port)
	var socketID int
	err := t.table.write(func() error {
		if _, ok := t.table.get(id); ok {
			return errors.Errorf("port %d already listening", port)
		}
		socketID = t.table.getNextSocketID()
		t.table.insert(id, t.newListener(port, socketID))
		return nil
	})
	if err != nil {
		return ConnID{}, err
	}
	t.log.Infow("listening", "socket", socketID, "port", port)
	return id, nil
}

// Accept blocks until a passive handshake has completed and returns the
// oldest such connection.
func (t *Tcp) Accept() (ConnID, error) {
	for {
		ready, err := t.table.wait(t.opts.RetryInterval, func() bool {
			return t.table.backlog.Len() > 0
		})
		if err != nil {
			return ConnID{}, err
		}
		if !ready {
			continue
		}

		var id ConnID
		var ok bool
		if err := t.table.write(func() error {
			id, ok = t.table.popBacklog()
			return nil
		}); err != nil {
			return ConnID{}, err
		}
		if ok {
			return id, nil
		}
	}
}

// AcceptOn is Accept restricted to connections made to the local port,
// leaving those of other listeners queued. It fails with ErrUnknownStream
// once nothing listens on port and no connection to it is queued.
func (t *Tcp) AcceptOn(port uint16) (ConnID, error) {
	for {
		var listening bool
		ready, err := t.table.wait(t.opts.RetryInterval, func() bool {
			_, listening = t.table.get(ListenID(port))
			return !listening || t.table.backlogIndex(port) >= 0
		})
		if err != nil {
			return ConnID{}, err
		}
		if !ready {
			continue
		}

		var id ConnID
		var ok bool
		if err := t.table.write(func() error {
			id, ok = t.table.popBacklogFor(port)
			return nil
		}); err != nil {
			return ConnID{}, err
		}
		if ok {
			return id, nil
		}
		if !listening {
			return ConnID{}, errors.Wrapf(ErrUnknownStream, "no listener on port %d", port)
		}
	}
}

func (t *Tcp) ephemeralPort() (uint16, error) {
	for range portAttempts {
		port := tcpUtils.GenerateRandomPort()
		if !t.table.localPortInUse(port) {
			return port, nil
		}
	}
	return 0, errors.New("no free ephemeral port")
}

// Connect opens a connection to addr:port, re-sending the SYN every
// RetryInterval until the handshake completes or HandshakeRetries re-sends
// have gone unanswered. On timeout the socket stays in the table.
func (t *Tcp) Connect(addr netip.Addr, port uint16) (ConnID, error) {
	var id ConnID
	var socketID int
	err := t.table.write(func() error {
		localPort, err := t.ephemeralPort()
		if err != nil {
			return err
		}
		socketID = t.table.getNextSocketID()
		s := newSocket(socketID, t.localIp, localPort, t.opts.BufferSize)
		s.RemoteAddr = addr
		s.RemotePort = port
		id = s.connID()

		t.table.insert(id, s)
		t.setState(s, SYN_SENT)
		if err := t.SendTCPPacket(s, header.TCPFlagSyn, nil); err != nil {
			t.table.remove(id)
			return err
		}
		return nil
	})
	if err != nil {
		return ConnID{}, errors.Wrapf(err, "connect %s", netip.AddrPortFrom(addr, port))
	}

	for retries := 0; ; retries++ {
		ok, err := t.table.wait(t.opts.RetryInterval, t.stateIs(id, ESTABLISHED))
		if err != nil {
			return id, err
		}
		if ok {
			t.log.Infow("connected", "socket", socketID, "conn", id)
			return id, nil
		}
		if retries >= t.opts.HandshakeRetries {
			return id, errors.Wrapf(ErrHandshakeTimeout, "%s after %d SYNs", id, retries+1)
		}

		err = t.table.write(func() error {
			s, ok := t.table.get(id)
			if !ok {
				return errors.Wrapf(ErrUnknownStream, "%s", id)
			}
			if s.State != SYN_SENT {
				return nil
			}
			t.log.Debugw("retransmitting SYN", "conn", id, "attempt", retries+1)
			return t.SendTCPPacket(s, header.TCPFlagSyn, nil)
		})
		if err != nil {
			return id, err
		}
	}
}

// stateIs returns a wait condition for the socket under id reaching state.
func (t *Tcp) stateIs(id ConnID, state TCPState) func() bool {
	return func() bool {
		s, ok := t.table.get(id)
		return ok && s.State == state
	}
}

// Send transmits data in chunks of at most min(peer window, MSS) bytes,
// each acknowledged before the next goes out.
func (t *Tcp) Send(id ConnID, data []byte) error {
	err := t.table.read(func() error {
		s, ok := t.table.get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownStream, "%s", id)
		}
		if s.State != ESTABLISHED {
			return errors.Wrapf(ErrNotEstablished, "%s in %s", id, s.State)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for off := 0; off < len(data); {
		n, err := t.sendChunk(id, data[off:])
		if err != nil {
			return errors.Wrapf(err, "send at offset %d", off)
		}
		off += n
	}
	return nil
}

func (t *Tcp) sendChunk(id ConnID, data []byte) (int, error) {
	var chunk []byte
	for attempt := 0; attempt <= t.opts.SendRetries; attempt++ {
		err := t.table.write(func() error {
			s, ok := t.table.get(id)
			if !ok {
				return errors.Wrapf(ErrUnknownStream, "%s", id)
			}
			if s.State != ESTABLISHED {
				return errors.Wrapf(ErrNotEstablished, "%s in %s", id, s.State)
			}
			if chunk == nil {
				size := min(int(s.RecvParam.Window), t.opts.MSS, len(data))
				if size == 0 {
					return nil
				}
				chunk = data[:size]
			} else {
				t.log.Debugw("retransmitting data", "conn", id, "len", len(chunk), "attempt", attempt)
			}
			return t.SendTCPPacket(s, header.TCPFlagAck, chunk)
		})
		if err != nil {
			return 0, err
		}
		if chunk == nil {
			// Peer window closed.
			if err := t.table.sleep(t.opts.RetryInterval); err != nil {
				return 0, err
			}
			continue
		}

		var gone bool
		acked, err := t.table.wait(t.opts.RetryInterval, func() bool {
			s, ok := t.table.get(id)
			if !ok {
				gone = true
				return true
			}
			return s.SendParam.Una == s.SendParam.Next
		})
		if err != nil {
			return 0, err
		}
		if gone {
			return 0, errors.Wrapf(ErrUnknownStream, "%s", id)
		}
		if acked {
			return len(chunk), nil
		}
	}
	return 0, errors.Wrapf(ErrSendTimeout, "%s after %d attempts", id, t.opts.SendRetries+1)
}

// Read blocks until data is buffered for id and returns at most maxLen
// bytes of it. Once the peer has closed and the buffer is drained it
// returns io.EOF.
func (t *Tcp) Read(id ConnID, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		return nil, nil
	}
	for {
		ready, err := t.table.wait(t.opts.RetryInterval, func() bool {
			s, ok := t.table.get(id)
			return !ok || s.listener || s.recvBuffer.Len() > 0 || s.State.peerClosed()
		})
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		var data []byte
		var eof bool
		err = t.table.write(func() error {
			s, ok := t.table.get(id)
			if !ok {
				return errors.Wrapf(ErrUnknownStream, "%s", id)
			}
			if s.listener {
				return errors.Wrapf(ErrNotEstablished, "%s is listening", id)
			}
			if s.recvBuffer.Len() == 0 {
				eof = s.State.peerClosed()
				return nil
			}

			zeroWindow := s.SendParam.Window == 0
			data = s.recvBuffer.read(maxLen)
			if zeroWindow && s.State == ESTABLISHED {
				if err := t.SendTCPPacket(s, header.TCPFlagAck, nil); err != nil {
					t.log.Warnw("window update failed", "conn", id, "err", err)
				}
			}
			return nil
		})
		switch {
		case err != nil:
			return nil, err
		case data != nil:
			return data, nil
		case eof:
			return nil, io.EOF
		}
	}
}

// Disconnect closes id. An established connection goes through the active
// close and is removed once TIME_WAIT has passed; a connection the peer
// already closed is removed once our FIN is acknowledged; sockets that
// never got established are removed at once.
func (t *Tcp) Disconnect(id ConnID) error {
	var from TCPState
	err := t.table.write(func() error {
		s, ok := t.table.get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownStream, "%s", id)
		}
		from = s.State
		switch s.State {
		case LISTEN, SYN_SENT, CLOSED:
			t.table.remove(id)
		case ESTABLISHED:
			if err := t.SendTCPPacket(s, header.TCPFlagFin|header.TCPFlagAck, nil); err != nil {
				return err
			}
			t.setState(s, FIN_WAIT_1)
		case LAST_ACK:
		default:
			return errors.Wrapf(ErrNotEstablished, "%s in %s", id, s.State)
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch from {
	case ESTABLISHED:
		err = t.awaitTeardown(id, TIME_WAIT)
	case LAST_ACK:
		err = t.awaitTeardown(id, CLOSED)
	}
	if err != nil {
		return err
	}
	t.log.Infow("closed", "conn", id, "from", from)
	return nil
}

// awaitTeardown re-sends our FIN every RetryInterval while it is
// unacknowledged, until the socket reaches done. A socket in TIME_WAIT
// lingers one more interval to absorb a retransmitted FIN. The socket is
// then marked CLOSED and removed.
func (t *Tcp) awaitTeardown(id ConnID, done TCPState) error {
	for retries := 0; ; retries++ {
		ok, err := t.table.wait(t.opts.RetryInterval, t.stateIs(id, done))
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if retries >= t.opts.TeardownRetries {
			return errors.Wrapf(ErrTeardownTimeout, "%s after %d FINs", id, retries+1)
		}

		err = t.table.write(func() error {
			s, ok := t.table.get(id)
			if !ok {
				return errors.Wrapf(ErrUnknownStream, "%s", id)
			}
			switch s.State {
			case FIN_WAIT_1, CLOSING, LAST_ACK:
				t.log.Debugw("retransmitting FIN", "conn", id, "state", s.State)
				return t.SendTCPPacket(s, header.TCPFlagFin|header.TCPFlagAck, nil)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if done == TIME_WAIT {
		if err := t.table.sleep(t.opts.RetryInterval); err != nil {
			return err
		}
	}
	return t.table.write(func() error {
		if s, ok := t.table.get(id); ok {
			t.setState(s, CLOSED)
			t.table.remove(id)
		}
		return nil
	})
}

func (t *Tcp) Status(id ConnID) (TCPState, error) {
	var state TCPState
	err := t.table.read(func() error {
		s, ok := t.table.get(id)
		if !ok {
			return errors.Wrapf(ErrUnknownStream, "%s", id)
		}
		state = s.State
		return nil
	})
	return state, err
}

// Sockets returns a snapshot of every socket, ordered by socket ID.
func (t *Tcp) Sockets() []SocketInfo {
	var infos []SocketInfo
	_ = t.table.read(func() error {
		infos = make([]SocketInfo, 0, len(t.table.sockets))
		for id, s := range t.table.sockets {
			infos = append(infos, s.info(id))
		}
		return nil
	})
	slices.SortFunc(infos, func(a, b SocketInfo) int { return a.ID - b.ID })
	return infos
}

// LookupSocket maps a socket ID, as shown by Sockets, to its ConnID.
func (t *Tcp) LookupSocket(socketID int) (ConnID, bool) {
	for _, info := range t.Sockets() {
		if info.ID == socketID {
			return info.ConnID, true
		}
	}
	return ConnID{}, false
}

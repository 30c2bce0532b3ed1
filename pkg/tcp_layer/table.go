package tcp_layer

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// connTable is the registry of every socket owned by a Tcp. All access to
// a Socket's fields happens inside read or write, which take the table's
// RWMutex; every write wakes goroutines blocked in wait or sleep.
type connTable struct {
	mu      sync.RWMutex
	sockets map[ConnID]*Socket
	backlog *deque.Deque[ConnID]
	changed chan struct{}
	closed  bool

	nextSocketID int
}

func newConnTable() *connTable {
	return &connTable{
		sockets: make(map[ConnID]*Socket),
		backlog: deque.New[ConnID](),
		changed: make(chan struct{}),
	}
}

// read runs fn with shared access.
func (ct *connTable) read(fn func() error) error {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if ct.closed {
		return ErrClosed
	}
	return fn()
}

// write runs fn with exclusive access and then notifies waiters.
func (ct *connTable) write(fn func() error) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return ErrClosed
	}
	defer ct.notifyLocked()
	return fn()
}

func (ct *connTable) notifyLocked() {
	close(ct.changed)
	ct.changed = make(chan struct{})
}

func (ct *connTable) close() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return
	}
	ct.closed = true
	ct.notifyLocked()
}

// wait blocks until cond, evaluated under shared access, holds or interval
// has elapsed. It reports whether cond held.
func (ct *connTable) wait(interval time.Duration, cond func() bool) (bool, error) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		ct.mu.RLock()
		if ct.closed {
			ct.mu.RUnlock()
			return false, ErrClosed
		}
		ok := cond()
		changed := ct.changed
		ct.mu.RUnlock()
		if ok {
			return true, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return false, nil
		}
	}
}

// sleep waits out interval unless the table is closed first.
func (ct *connTable) sleep(interval time.Duration) error {
	_, err := ct.wait(interval, func() bool { return false })
	return err
}

// The methods below require the caller to hold mu.

func (ct *connTable) insert(id ConnID, s *Socket) {
	ct.sockets[id] = s
}

func (ct *connTable) get(id ConnID) (*Socket, bool) {
	s, ok := ct.sockets[id]
	return s, ok
}

func (ct *connTable) remove(id ConnID) {
	delete(ct.sockets, id)
}

func (ct *connTable) pushBacklog(id ConnID) {
	ct.backlog.PushBack(id)
}

func (ct *connTable) popBacklog() (ConnID, bool) {
	if ct.backlog.Len() == 0 {
		return ConnID{}, false
	}
	return ct.backlog.PopFront(), true
}

// backlogIndex is the position of the oldest queued connection to port,
// or -1.
func (ct *connTable) backlogIndex(port uint16) int {
	return ct.backlog.Index(func(id ConnID) bool { return id.LocalPort == port })
}

func (ct *connTable) popBacklogFor(port uint16) (ConnID, bool) {
	i := ct.backlogIndex(port)
	if i < 0 {
		return ConnID{}, false
	}
	return ct.backlog.Remove(i), true
}

func (ct *connTable) getNextSocketID() int {
	id := ct.nextSocketID
	ct.nextSocketID++
	return id
}

// localPortInUse reports whether any socket is bound to port.
func (ct *connTable) localPortInUse(port uint16) bool {
	for id := range ct.sockets {
		if id.LocalPort == port {
			return true
		}
	}
	return false
}

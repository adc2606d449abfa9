// Package iomap implements the readiness-polling dispatch table used by
// the scheduler: file descriptors are registered with read or write
// handlers, a single blocking readiness wait multiplexes all of them, and
// ready descriptors are dispatched to their handlers in turn.
//
// Grounded on psshlib/manager.py's IOMap (select.select over two maps) and
// on the readiness-dispatch shape of the gaio async-IO watcher in the
// retrieval pack; reimplemented with golang.org/x/sys/unix.Select since Go
// has no direct equivalent of Python's signal-driven wakeup fd.
package iomap

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/canonical/pssh/shared/logger"
)

// Handler is invoked when fd becomes ready for its registered direction.
type Handler func(fd int, m *IOMap)

const readSize = 1 << 16

const fdSetBits = 64

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBits] |= 1 << (uint(fd) % fdSetBits)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBits]&(1<<(uint(fd)%fdSetBits)) != 0
}

// IOMap holds the read/write handler tables and an internal wakeup pipe.
// Not safe for concurrent use except via the exported methods, which take
// an internal lock; handlers themselves run on the poller's own goroutine.
type IOMap struct {
	mu       sync.Mutex
	readmap  map[int]Handler
	writemap map[int]Handler

	wakeupRead  int
	wakeupWrite int
}

// New creates an IOMap with its wakeup pipe already registered for
// reading. Wake callers (the Manager's reaper goroutine, a SIGINT handler)
// should write a single byte to WakeupFD to break any in-progress Poll.
func New() (*IOMap, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}

	m := &IOMap{
		readmap:     make(map[int]Handler),
		writemap:    make(map[int]Handler),
		wakeupRead:  fds[0],
		wakeupWrite: fds[1],
	}
	m.readmap[m.wakeupRead] = drainHandler

	return m, nil
}

// WakeupFD returns the write end of the internal wakeup pipe. Writing a
// single byte to it unblocks any in-progress Poll call.
func (m *IOMap) WakeupFD() int {
	return m.wakeupWrite
}

func drainHandler(fd int, m *IOMap) {
	buf := make([]byte, readSize)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}

		if err != nil || n == 0 {
			return
		}

		if n < readSize {
			return
		}
	}
}

// RegisterRead registers a read-readiness handler for fd.
func (m *IOMap) RegisterRead(fd int, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readmap[fd] = h
}

// RegisterWrite registers a write-readiness handler for fd.
func (m *IOMap) RegisterWrite(fd int, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writemap[fd] = h
}

// Unregister removes fd from both the read and write tables.
func (m *IOMap) Unregister(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.readmap, fd)
	delete(m.writemap, fd)
}

// Empty reports whether no descriptors are currently registered for
// either direction (aside from the wakeup pipe, which is always present).
func (m *IOMap) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readmap) <= 1 && len(m.writemap) == 0
}

// Close releases the wakeup pipe. Only safe once no further Poll calls
// will be made.
func (m *IOMap) Close() error {
	_ = unix.Close(m.wakeupWrite)
	return unix.Close(m.wakeupRead)
}

// Poll blocks until a registered fd becomes ready or timeout elapses, then
// dispatches reads before writes, in the order returned by the OS. A nil
// timeout blocks indefinitely. A signal interrupting the underlying wait
// (EINTR) is not an error: Poll returns normally so the caller can loop.
//
// Dispatch iterates over a stable snapshot of the ready descriptors so a
// handler may safely register or unregister fds (including its own)
// during dispatch.
func (m *IOMap) Poll(timeout *unix.Timeval) error {
	m.mu.Lock()
	if len(m.readmap) == 0 && len(m.writemap) == 0 {
		m.mu.Unlock()
		return nil
	}

	var rset, wset unix.FdSet
	maxfd := 0
	for fd := range m.readmap {
		fdSet(&rset, fd)
		if fd > maxfd {
			maxfd = fd
		}
	}

	for fd := range m.writemap {
		fdSet(&wset, fd)
		if fd > maxfd {
			maxfd = fd
		}
	}
	m.mu.Unlock()

	n, err := unix.Select(maxfd+1, &rset, &wset, nil, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}

		return err
	}

	if n == 0 {
		return nil
	}

	// select(2) reports readiness as bit sets, so the OS order is
	// ascending descriptor number.
	var readyReads, readyWrites []int
	for fd := 0; fd <= maxfd; fd++ {
		if fdIsSet(&rset, fd) {
			readyReads = append(readyReads, fd)
		}
	}

	for fd := 0; fd <= maxfd; fd++ {
		if fdIsSet(&wset, fd) {
			readyWrites = append(readyWrites, fd)
		}
	}

	for _, fd := range readyReads {
		m.mu.Lock()
		h, ok := m.readmap[fd]
		m.mu.Unlock()
		if !ok {
			continue
		}

		h(fd, m)
	}

	for _, fd := range readyWrites {
		m.mu.Lock()
		h, ok := m.writemap[fd]
		m.mu.Unlock()
		if !ok {
			continue
		}

		h(fd, m)
	}

	return nil
}

// Wake writes a single byte to the wakeup pipe, unblocking any
// in-progress Poll. Safe to call from any goroutine.
func (m *IOMap) Wake() {
	_, err := unix.Write(m.wakeupWrite, []byte{0})
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		logger.Debug("Failed writing to iomap wakeup pipe", logger.Ctx{"err": err})
	}
}

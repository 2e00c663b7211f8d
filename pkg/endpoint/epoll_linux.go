//go:build linux
// +build linux

package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollEndpoint is a SelectableEndpoint backed by a raw, non-blocking
// socket fd and registered with exactly one epollSelector. Grounded on
// the raw-epoll accept/read/write pattern of the retrieved
// go_raw_epoll_http_server reference, reimplemented with
// golang.org/x/sys/unix in place of the bare syscall package.
type epollEndpoint struct {
	mu sync.Mutex

	fd         int
	local, rem net.Addr

	ishut  bool
	oshut  bool
	closed bool

	readInterested  bool
	writeInterested bool
	checkIdle       bool

	maxIdleMs  int64
	lastActive time.Time

	sel *epollSelector

	logger *slog.Logger
}

func newEpollEndpoint(fd int, local, rem net.Addr, maxIdleMs int64, sel *epollSelector, logger *slog.Logger) *epollEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &epollEndpoint{
		fd:        fd,
		local:     local,
		rem:       rem,
		maxIdleMs: maxIdleMs,
		sel:       sel,
		logger:    logger,
		checkIdle: true,
	}
}

func (e *epollEndpoint) Fd() int { return e.fd }

func (e *epollEndpoint) Fill(buf []byte, n int) (int, error) {
	e.mu.Lock()
	ishut := e.ishut
	e.mu.Unlock()
	if ishut {
		return -1, nil
	}
	if n >= cap(buf) {
		return n, nil
	}
	read, err := unix.Read(e.fd, buf[n:cap(buf)])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return n, nil
		}
		e.mu.Lock()
		e.shutdownInputLocked(err)
		e.mu.Unlock()
		return -1, nil
	}
	if read == 0 {
		e.mu.Lock()
		e.shutdownInputLocked(nil)
		e.mu.Unlock()
		return -1, nil
	}
	return n + read, nil
}

func (e *epollEndpoint) Flush(bufs ...[]byte) (int, error) {
	e.mu.Lock()
	oshut := e.oshut
	e.mu.Unlock()
	if oshut {
		return 0, ErrOutputShutdown
	}

	nonEmpty := bufs[:0:0]
	for _, b := range bufs {
		if len(b) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	if len(nonEmpty) == 0 {
		return 0, nil
	}

	total := 0
	for len(nonEmpty) > 0 {
		n, err := unix.Writev(e.fd, nonEmpty)
		if n > 0 {
			total += n
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return total, nil
			}
			return total, err
		}
		nonEmpty = consumeIovecs(nonEmpty, n)
	}
	return total, nil
}

// consumeIovecs drops the first n written bytes from bufs, in place,
// so a partial writev can be retried on the remainder.
func consumeIovecs(bufs [][]byte, n int) [][]byte {
	for n > 0 && len(bufs) > 0 {
		if n >= len(bufs[0]) {
			n -= len(bufs[0])
			bufs = bufs[1:]
			continue
		}
		bufs[0] = bufs[0][n:]
		n = 0
	}
	return bufs
}

func (e *epollEndpoint) ShutdownInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownInputLocked(nil)
}

func (e *epollEndpoint) shutdownInputLocked(cause error) error {
	if e.ishut {
		return nil
	}
	e.ishut = true
	if cause != nil {
		e.logger.Warn("endpoint: fill error, shutting down input", "error", cause, "fd", e.fd)
	}
	_ = unix.Shutdown(e.fd, unix.SHUT_RD)
	return e.maybeCloseLocked()
}

func (e *epollEndpoint) ShutdownOutput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.oshut {
		return nil
	}
	e.oshut = true
	_ = unix.Shutdown(e.fd, unix.SHUT_WR)
	return e.maybeCloseLocked()
}

func (e *epollEndpoint) maybeCloseLocked() error {
	if e.ishut && e.oshut && !e.closed {
		return e.closeLocked()
	}
	return nil
}

func (e *epollEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *epollEndpoint) closeLocked() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.ishut = true
	e.oshut = true
	if e.sel != nil {
		e.sel.Deregister(e)
	}
	return unix.Close(e.fd)
}

func (e *epollEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *epollEndpoint) IsInputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ishut || e.closed
}

func (e *epollEndpoint) IsOutputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oshut || e.closed
}

func (e *epollEndpoint) LocalAddr() net.Addr  { return e.local }
func (e *epollEndpoint) RemoteAddr() net.Addr { return e.rem }

func (e *epollEndpoint) MaxIdleTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxIdleMs
}

func (e *epollEndpoint) SetMaxIdleTime(ms int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxIdleMs = ms
}

func (e *epollEndpoint) SetReadInterested(interested bool) {
	e.mu.Lock()
	changed := e.readInterested != interested
	e.readInterested = interested
	writeInterested := e.writeInterested
	e.mu.Unlock()
	if changed && e.sel != nil {
		e.sel.updateInterest(e, interested, writeInterested)
	}
}

func (e *epollEndpoint) SetWriteInterested(interested bool) {
	e.mu.Lock()
	changed := e.writeInterested != interested
	e.writeInterested = interested
	readInterested := e.readInterested
	e.mu.Unlock()
	if changed && e.sel != nil {
		e.sel.updateInterest(e, readInterested, interested)
	}
}

func (e *epollEndpoint) SetCheckForIdle(check bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkIdle = check
	e.lastActive = time.Now()
}

func (e *epollEndpoint) touch() {
	e.mu.Lock()
	e.lastActive = time.Now()
	e.mu.Unlock()
}

func (e *epollEndpoint) idleFor() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.checkIdle || e.maxIdleMs <= 0 {
		return 0, false
	}
	return time.Since(e.lastActive), true
}

// registration bundles one endpoint's callbacks for the selector loop.
type registration struct {
	ep            *epollEndpoint
	onReadable    func()
	onWriteable   func()
	onIdleExpired func()
}

// epollSelector is the reactor goroutine's epoll instance. Level
// triggered, one registration per fd, guarded by a mutex since
// Register/Deregister/updateInterest may be called from worker
// goroutines while Run polls concurrently.
type epollSelector struct {
	epfd int

	mu   sync.Mutex
	regs map[int]*registration

	closed chan struct{}
	once   sync.Once

	idleCheckEvery time.Duration
}

// NewSelector creates an epoll-backed Selector.
func NewSelector() (Selector, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("endpoint: epoll_create1: %w", err)
	}
	return &epollSelector{
		epfd:           epfd,
		regs:           make(map[int]*registration),
		closed:         make(chan struct{}),
		idleCheckEvery: time.Second,
	}, nil
}

func (s *epollSelector) Register(ep SelectableEndpoint, onReadable, onWriteable func(), onIdleExpired func()) error {
	ee, ok := ep.(*epollEndpoint)
	if !ok {
		return fmt.Errorf("endpoint: epollSelector requires an epoll-backed endpoint")
	}
	ee.sel = s

	s.mu.Lock()
	s.regs[ee.fd] = &registration{ep: ee, onReadable: onReadable, onWriteable: onWriteable, onIdleExpired: onIdleExpired}
	s.mu.Unlock()

	ev := unix.EpollEvent{Fd: int32(ee.fd)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, ee.fd, &ev)
}

func (s *epollSelector) Deregister(ep SelectableEndpoint) {
	ee, ok := ep.(*epollEndpoint)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.regs, ee.fd)
	s.mu.Unlock()
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, ee.fd, nil)
}

func (s *epollSelector) updateInterest(ee *epollEndpoint, readInterested, writeInterested bool) {
	var events uint32 = unix.EPOLLRDHUP
	if readInterested {
		events |= unix.EPOLLIN
	}
	if writeInterested {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Fd: int32(ee.fd), Events: events}
	s.mu.Lock()
	_, ok := s.regs[ee.fd]
	s.mu.Unlock()
	if ok {
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, ee.fd, &ev)
	}
}

// Run drives the poll loop until Close is called. Level-triggered
// readiness means onReadable/onWriteable fire again next iteration if
// the callback didn't drain the condition; callers are expected to
// disable the relevant interest bit once they stop needing it.
func (s *epollSelector) Run() error {
	events := make([]unix.EpollEvent, 128)
	lastIdleCheck := time.Now()

	for {
		select {
		case <-s.closed:
			return nil
		default:
		}

		n, err := unix.EpollWait(s.epfd, events, 1000)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("endpoint: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			s.mu.Lock()
			reg, ok := s.regs[int(ev.Fd)]
			s.mu.Unlock()
			if !ok {
				continue
			}
			reg.ep.touch()
			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.onReadable != nil {
				reg.onReadable()
			}
			if ev.Events&unix.EPOLLOUT != 0 && reg.onWriteable != nil {
				reg.onWriteable()
			}
		}

		if time.Since(lastIdleCheck) >= s.idleCheckEvery {
			lastIdleCheck = time.Now()
			s.checkIdle()
		}
	}
}

func (s *epollSelector) checkIdle() {
	s.mu.Lock()
	regs := make([]*registration, 0, len(s.regs))
	for _, r := range s.regs {
		regs = append(regs, r)
	}
	s.mu.Unlock()

	for _, r := range regs {
		idle, tracked := r.ep.idleFor()
		if !tracked {
			continue
		}
		if idle.Milliseconds() >= r.ep.MaxIdleTime() && r.onIdleExpired != nil {
			r.onIdleExpired()
		}
	}
}

func (s *epollSelector) Close() error {
	s.once.Do(func() { close(s.closed) })
	return unix.Close(s.epfd)
}

// ListenerFD wraps a raw non-blocking listening socket registered with
// a selector; Accept returns new SelectableEndpoints bound to the same
// selector, ready for Register.
type ListenerFD struct {
	fd   int
	addr net.Addr
}

// Listen creates a non-blocking TCP listener on addr (host:port),
// tuned with SO_REUSEADDR, matching the reference accept-loop setup.
func Listen(addr string) (*ListenerFD, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	domain := unix.AF_INET
	sockAddr, err := toSockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}
	if _, ok := sockAddr.(*unix.SockaddrInet6); ok {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("endpoint: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: set nonblock: %w", err)
	}
	if err := unix.Bind(fd, sockAddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: bind: %w", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("endpoint: listen: %w", err)
	}

	return &ListenerFD{fd: fd, addr: tcpAddr}, nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip6)
	return sa, nil
}

func (l *ListenerFD) Fd() int        { return l.fd }
func (l *ListenerFD) Addr() net.Addr { return l.addr }

// Accept accepts one pending connection per call; once the backlog is
// drained it returns (nil, unix.EAGAIN) — callers loop until that
// happens, mirroring the reference accept-loop. The
// returned SelectableEndpoint is already tuned (non-blocking, TCP_NODELAY)
// but not yet registered with sel — callers do that via Selector.Register
// or conn.NewSelectableConnection.
func (l *ListenerFD) Accept(maxIdleMs int64, sel Selector, logger *slog.Logger) (SelectableEndpoint, error) {
	connFD, sa, err := unix.Accept(l.fd)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(connFD, true); err != nil {
		unix.Close(connFD)
		return nil, err
	}
	_ = unix.SetsockoptInt(connFD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	rem := sockaddrToTCPAddr(sa)
	es, _ := sel.(*epollSelector)
	return newEpollEndpoint(connFD, l.addr, rem, maxIdleMs, es, logger), nil
}

func (l *ListenerFD) Close() error {
	return unix.Close(l.fd)
}

func sockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

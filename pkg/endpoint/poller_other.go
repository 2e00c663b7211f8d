//go:build !linux
// +build !linux

package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrNoSelector names the absence of an epoll-based poller on this
// platform; NewSelector here does not return it. The reactor is
// Linux-only per spec.md §9; other platforms fall back to pollSelector,
// a single goroutine that invokes the registered callbacks on a fixed
// tick, which is not a true reactor but keeps the package usable for
// local development and tests.
var ErrNoSelector = errors.New("endpoint: no epoll selector on this platform")

// fallbackEndpoint wraps a net.Conn as a SelectableEndpoint using
// deadline-based polling instead of real readiness notification.
type fallbackEndpoint struct {
	*netEndpoint
	conn net.Conn

	mu              sync.Mutex
	readInterested  bool
	writeInterested bool
	checkIdle       bool
	lastActive      time.Time
}

// NewSelectableEndpoint wraps conn as a SelectableEndpoint on platforms
// without an epoll selector. See pollSelector for the tradeoffs.
func NewSelectableEndpoint(conn net.Conn, maxIdleMs int64, logger *slog.Logger) SelectableEndpoint {
	return newFallbackEndpoint(conn, maxIdleMs, logger)
}

func newFallbackEndpoint(conn net.Conn, maxIdleMs int64, logger *slog.Logger) *fallbackEndpoint {
	return &fallbackEndpoint{
		netEndpoint: NewEndpoint(conn, maxIdleMs, logger).(*netEndpoint),
		conn:        conn,
		checkIdle:   true,
		lastActive:  time.Now(),
	}
}

func (f *fallbackEndpoint) Fd() int { return -1 }

func (f *fallbackEndpoint) SetReadInterested(interested bool) {
	f.mu.Lock()
	f.readInterested = interested
	f.mu.Unlock()
}

func (f *fallbackEndpoint) SetWriteInterested(interested bool) {
	f.mu.Lock()
	f.writeInterested = interested
	f.mu.Unlock()
}

func (f *fallbackEndpoint) SetCheckForIdle(check bool) {
	f.mu.Lock()
	f.checkIdle = check
	f.lastActive = time.Now()
	f.mu.Unlock()
}

// pollSelector drives every registered fallbackEndpoint from the one
// goroutine running Run: on each tick of interval it invokes the same
// onReadable/onWriteable callbacks the epoll selector delivers for each
// endpoint with read/write interest set, without first checking that
// the connection is actually ready. Simple and not cheap; acceptable
// for the non-Linux development fallback only.
type pollSelector struct {
	mu       sync.Mutex
	regs     map[*fallbackEndpoint]*registration
	closed   chan struct{}
	once     sync.Once
	interval time.Duration
}

type registration struct {
	onReadable    func()
	onWriteable   func()
	onIdleExpired func()
}

// NewSelector returns the tick-driven polling fallback; its error is
// always nil.
func NewSelector() (Selector, error) {
	return &pollSelector{
		regs:     make(map[*fallbackEndpoint]*registration),
		closed:   make(chan struct{}),
		interval: 20 * time.Millisecond,
	}, nil
}

func (s *pollSelector) Register(ep SelectableEndpoint, onReadable, onWriteable func(), onIdleExpired func()) error {
	fe, ok := ep.(*fallbackEndpoint)
	if !ok {
		return fmt.Errorf("endpoint: pollSelector requires a fallback endpoint")
	}
	s.mu.Lock()
	s.regs[fe] = &registration{onReadable: onReadable, onWriteable: onWriteable, onIdleExpired: onIdleExpired}
	s.mu.Unlock()
	return nil
}

func (s *pollSelector) Deregister(ep SelectableEndpoint) {
	fe, ok := ep.(*fallbackEndpoint)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.regs, fe)
	s.mu.Unlock()
}

func (s *pollSelector) Run() error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return nil
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *pollSelector) pollOnce() {
	s.mu.Lock()
	snapshot := make(map[*fallbackEndpoint]*registration, len(s.regs))
	for k, v := range s.regs {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for fe, reg := range snapshot {
		fe.mu.Lock()
		wantRead := fe.readInterested
		wantWrite := fe.writeInterested
		checkIdle := fe.checkIdle
		idle := time.Since(fe.lastActive)
		fe.mu.Unlock()

		// Fill/Flush are themselves non-blocking (see netEndpoint's
		// expired-deadline trick), so this fallback just needs to
		// invoke the callback on every tick the caller is interested;
		// it costs a wasted call when nothing is ready instead of a
		// real readiness signal.
		if wantRead && reg.onReadable != nil {
			fe.touch()
			reg.onReadable()
		}
		if wantWrite && reg.onWriteable != nil {
			reg.onWriteable()
		}
		if checkIdle && fe.MaxIdleTime() > 0 && idle.Milliseconds() >= fe.MaxIdleTime() && reg.onIdleExpired != nil {
			reg.onIdleExpired()
		}
	}
}

func (f *fallbackEndpoint) touch() {
	f.mu.Lock()
	f.lastActive = time.Now()
	f.mu.Unlock()
}

func (s *pollSelector) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ListenerFD wraps a stdlib net.Listener on platforms without a raw
// epoll accept path, tuning each accepted connection through
// TuneSocket and handing back a SelectableEndpoint bound to the
// poll-based fallback selector.
type ListenerFD struct {
	ln net.Listener
}

// Listen creates a TCP listener on addr (host:port), applying the
// listener-level tuning (TCP_DEFER_ACCEPT, TCP_FASTOPEN where the
// platform supports them) TuneListener exposes.
func Listen(addr string) (*ListenerFD, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	_ = TuneListener(ln, nil)
	return &ListenerFD{ln: ln}, nil
}

// Fd always reports -1 here: the fallback listener has no raw fd a
// caller could usefully epoll on directly.
func (l *ListenerFD) Fd() int { return -1 }

func (l *ListenerFD) Addr() net.Addr { return l.ln.Addr() }

// Accept blocks for the next incoming connection — there is no
// non-blocking raw-fd accept on this platform — tunes it, and wraps it
// as a SelectableEndpoint ready for Selector.Register.
func (l *ListenerFD) Accept(maxIdleMs int64, sel Selector, logger *slog.Logger) (SelectableEndpoint, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if err := TuneSocket(c, nil); err != nil {
		if logger != nil {
			logger.Warn("endpoint: socket tuning failed", "error", err)
		}
	}
	ep := NewSelectableEndpoint(c, maxIdleMs, logger)
	return ep, nil
}

func (l *ListenerFD) Close() error {
	return l.ln.Close()
}

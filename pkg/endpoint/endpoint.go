// Package endpoint provides the non-blocking byte-stream abstraction the
// rest of the engine is built on: fill/flush semantics over a socket,
// half-shut tracking, and (on Linux) a selectable variant that reports
// readiness through an epoll-backed reactor.
package endpoint

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Errors returned by flush/shutdown operations. Grounded on the
// sentinel-error catalogue style of http11/errors.go.
var (
	// ErrOutputShutdown is returned by flush once shutdownOutput has run.
	ErrOutputShutdown = errors.New("endpoint: output shutdown")

	// ErrClosed is returned by fill/flush once the endpoint is closed.
	ErrClosed = errors.New("endpoint: closed")
)

// Endpoint is a duplex byte-stream abstraction with half-shut semantics
// and addressability. fill and flush never block; pairing them with
// readiness tracking is the caller's job (see conn.SelectableConnection).
type Endpoint interface {
	// Fill reads bytes into the tail of buf[n:cap(buf)] and returns the
	// new length. Returns -1 for end-of-stream, or n unchanged if the
	// channel has no data right now.
	Fill(buf []byte, n int) (int, error)

	// Flush writes as many bytes as possible from bufs in a single
	// call, using a gather-write when more than one buffer is given and
	// the channel supports it. Returns total bytes written. Never blocks.
	Flush(bufs ...[]byte) (int, error)

	ShutdownInput() error
	ShutdownOutput() error
	Close() error

	IsOpen() bool
	IsInputShutdown() bool
	IsOutputShutdown() bool

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// MaxIdleTime is the endpoint-level idle timeout in milliseconds.
	MaxIdleTime() int64
	SetMaxIdleTime(ms int64)
}

// netEndpoint is the default Endpoint implementation over a net.Conn.
// Gather-write is implemented with net.Buffers (a single writev) only
// when the underlying conn is a *net.TCPConn; any other net.Conn gets
// one Write per buffer, stopping at the first partial write.
type netEndpoint struct {
	mu sync.Mutex

	conn net.Conn

	ishut bool
	oshut bool
	// closed tracks whether Close has actually run; isOpen reflects the
	// channel's own state rather than the half-shut flags, per spec.
	closed bool

	maxIdleMs int64

	logger *slog.Logger
}

// NewEndpoint wraps conn as an Endpoint. maxIdleMs <= 0 means "no idle
// timeout enforced at this layer" (the connector default may still apply
// further up the stack).
func NewEndpoint(conn net.Conn, maxIdleMs int64, logger *slog.Logger) Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &netEndpoint{conn: conn, maxIdleMs: maxIdleMs, logger: logger}
}

func (e *netEndpoint) Fill(buf []byte, n int) (int, error) {
	e.mu.Lock()
	ishut := e.ishut
	e.mu.Unlock()
	if ishut {
		return -1, nil
	}

	if n >= cap(buf) {
		return n, nil
	}

	// An already-expired deadline makes Read perform a single
	// non-blocking poll: data already available is still returned,
	// otherwise Read fails immediately with a timeout instead of
	// parking the goroutine. This is what makes a plain net.Conn
	// usable as a non-blocking Endpoint without an OS-level poller.
	e.conn.SetReadDeadline(time.Now())
	read, err := e.conn.Read(buf[n:cap(buf)])
	if err != nil {
		if isWouldBlock(err) {
			return n, nil
		}
		// Any other read error, including real EOF, ends the stream.
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

func (e *netEndpoint) Flush(bufs ...[]byte) (int, error) {
	e.mu.Lock()
	oshut := e.oshut
	e.mu.Unlock()
	if oshut {
		return 0, ErrOutputShutdown
	}

	switch len(bufs) {
	case 0:
		return 0, nil
	case 1:
		n, err := e.writeNonBlocking(bufs[0])
		return n, err
	}

	if tcp, ok := e.conn.(*net.TCPConn); ok {
		tcp.SetWriteDeadline(time.Now())
		nb := net.Buffers(cloneBufs(bufs))
		n64, werr := nb.WriteTo(tcp)
		if werr != nil && !isWouldBlock(werr) {
			return int(n64), werr
		}
		return int(n64), nil
	}

	total := 0
	for _, b := range bufs {
		n, err := e.writeNonBlocking(b)
		total += n
		if err != nil {
			return total, err
		}
		if n < len(b) {
			// Partial write: stop here, caller retries the remainder.
			break
		}
	}
	return total, nil
}

func (e *netEndpoint) writeNonBlocking(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	e.conn.SetWriteDeadline(time.Now())
	n, err := e.conn.Write(b)
	if err != nil && isWouldBlock(err) {
		return n, nil
	}
	return n, err
}

func cloneBufs(bufs [][]byte) [][]byte {
	out := make([][]byte, len(bufs))
	copy(out, bufs)
	return out
}

func (e *netEndpoint) ShutdownInput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdownInputLocked(nil)
}

func (e *netEndpoint) shutdownInputLocked(cause error) error {
	if e.ishut {
		return nil
	}
	e.ishut = true
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		e.logger.Warn("endpoint: fill error, shutting down input", "error", cause, "remote", safeRemote(e.conn))
	}
	if half, ok := e.conn.(interface{ CloseRead() error }); ok {
		if err := half.CloseRead(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Warn("endpoint: CloseRead failed", "error", err)
		}
	}
	return e.maybeCloseLocked()
}

func (e *netEndpoint) ShutdownOutput() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.oshut {
		return nil
	}
	e.oshut = true
	if half, ok := e.conn.(interface{ CloseWrite() error }); ok {
		if err := half.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Warn("endpoint: CloseWrite failed", "error", err)
		}
	}
	return e.maybeCloseLocked()
}

// maybeCloseLocked closes the channel once both sides are shut. Caller
// holds e.mu.
func (e *netEndpoint) maybeCloseLocked() error {
	if e.ishut && e.oshut && !e.closed {
		return e.closeLocked()
	}
	return nil
}

func (e *netEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *netEndpoint) closeLocked() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.ishut = true
	e.oshut = true
	return e.conn.Close()
}

func (e *netEndpoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *netEndpoint) IsInputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ishut || e.closed
}

func (e *netEndpoint) IsOutputShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oshut || e.closed
}

func (e *netEndpoint) LocalAddr() net.Addr  { return e.conn.LocalAddr() }
func (e *netEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

func (e *netEndpoint) MaxIdleTime() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxIdleMs
}

// SetMaxIdleTime stores the value. It does not push the change to the
// underlying socket: see spec.md §9 open questions — runtime idle-change
// behavior is left unspecified upstream, so this layer only remembers it
// for the next maxIdleTime() computation.
func (e *netEndpoint) SetMaxIdleTime(ms int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxIdleMs = ms
}

func safeRemote(c net.Conn) string {
	if c == nil {
		return ""
	}
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

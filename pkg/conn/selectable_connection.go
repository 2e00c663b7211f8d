// Package conn implements the readiness-driven connection layer that
// sits between the selector and a protocol handler: it turns
// onReadable/onWriteable callbacks into dispatchable work units, and
// gives blocking callers (tests, synchronous handlers) a way to park
// until the next readiness event or an idle timeout fires.
package conn

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/yourusername/reactorhttp/pkg/endpoint"
)

// Errors surfaced by the blocking helpers.
var (
	// ErrAlreadyBlocked is returned by blockReadable/blockWriteable when
	// another goroutine is already parked on the same direction —
	// spec.md's mutual-exclusion invariant (property 5).
	ErrAlreadyBlocked = errors.New("conn: another goroutine is already blocked on this direction")

	// ErrIdleTimeout is returned when a block call's wait exceeds the
	// connection's maxIdleTime without a readiness signal.
	ErrIdleTimeout = errors.New("conn: idle timeout while blocked")

	// ErrClosed is returned when a block call's endpoint is closed
	// while (or before) the caller parks.
	ErrClosed = errors.New("conn: endpoint closed")
)

// WorkUnit is the dispatchable unit a readiness event turns into when
// no goroutine is blocked waiting for it directly. Run executes off
// the selector goroutine, on an executor/worker pool.
type WorkUnit interface {
	Run()
}

type workUnitFunc func()

func (f workUnitFunc) Run() { f() }

// Handler does the actual protocol work once a connection is readable
// or writeable. Implemented by http11.HttpConnection.
type Handler interface {
	// OnFillable is invoked when the endpoint has bytes to read, or
	// once to kick off the very first parse after accept.
	OnFillable()

	// OnIdleExpired is invoked when the connection's idle timer fires
	// with no goroutine blocked on it; returns true if the connection
	// should be closed.
	OnIdleExpired() bool

	// OnClose is invoked once the underlying endpoint has closed, by
	// whatever path triggered it (idle expiry, protocol error, normal
	// teardown), so the handler can release any buffer slots or
	// pooled objects it is still holding. Must be safe to call even
	// when the handler has no request in flight.
	OnClose()
}

// Executor runs work units, typically backed by a goroutine pool or
// simply `go work.Run()`.
type Executor interface {
	Execute(WorkUnit)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(WorkUnit)

func (f ExecutorFunc) Execute(w WorkUnit) { f(w) }

// SelectableConnection is the glue between a SelectableEndpoint and a
// Handler: readiness events either wake a parked blockReadable /
// blockWriteable caller, or get dispatched to the Executor as a work
// unit, per spec.md §4.2 / §4.3.
type SelectableConnection struct {
	endpoint endpoint.SelectableEndpoint
	executor Executor
	handler  Handler
	logger   *slog.Logger

	mu            sync.Mutex
	readCond      *sync.Cond
	writeCond     *sync.Cond
	readBlocked   any  // identity of the goroutine blocked on read, nil if none
	writeBlocked  bool // at most one writer blocks at a time
	readSignaled  bool
	writeSignaled bool

	maxIdleOverrideMs int64
}

// NewSelectableConnection wires ep to handler via executor. ep is
// registered with its selector as part of this call.
func NewSelectableConnection(ep endpoint.SelectableEndpoint, sel endpoint.Selector, executor Executor, handler Handler, logger *slog.Logger) (*SelectableConnection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &SelectableConnection{endpoint: ep, executor: executor, handler: handler, logger: logger}
	sc.readCond = sync.NewCond(&sc.mu)
	sc.writeCond = sync.NewCond(&sc.mu)

	err := sel.Register(ep, sc.onReadable, sc.onWriteable, sc.onIdleExpiredFromSelector)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// Endpoint exposes the underlying endpoint for callers that need
// direct fill/flush access (the protocol layer) without going through
// the blocking helpers.
func (sc *SelectableConnection) Endpoint() endpoint.SelectableEndpoint { return sc.endpoint }

// onReadable is the selector callback for read-readiness. If a
// goroutine is parked in blockReadable it is woken; otherwise the
// handler's work is dispatched to the executor.
func (sc *SelectableConnection) onReadable() {
	sc.mu.Lock()
	if sc.readBlocked != nil {
		sc.readSignaled = true
		sc.readCond.Broadcast()
		sc.mu.Unlock()
		return
	}
	sc.mu.Unlock()

	sc.dispatch(func() { sc.handler.OnFillable() })
}

// onWriteable is the selector callback for write-readiness. If a
// goroutine is parked in blockWriteable it is woken; there is no
// handler dispatch on write-readiness alone — generate/flush only
// runs in response to fillable events or explicit continuation.
func (sc *SelectableConnection) onWriteable() {
	sc.mu.Lock()
	if sc.writeBlocked {
		sc.writeSignaled = true
		sc.writeCond.Broadcast()
	}
	sc.mu.Unlock()
}

func (sc *SelectableConnection) dispatch(fn func()) {
	if sc.executor == nil {
		fn()
		return
	}
	sc.executor.Execute(workUnitFunc(fn))
}

func (sc *SelectableConnection) onIdleExpiredFromSelector() {
	sc.mu.Lock()
	blocked := sc.readBlocked != nil || sc.writeBlocked
	sc.mu.Unlock()

	if blocked {
		// A blocked caller handles its own idle-timeout via the
		// deadline passed to blockReadable/blockWriteable; don't also
		// close out from under it.
		return
	}

	sc.dispatch(func() {
		if sc.handler.OnIdleExpired() {
			sc.Close()
		}
	})
}

// BlockReadable is the exported form of blockReadable for protocol
// layers outside this package (http11.HttpConnection's body reads).
func (sc *SelectableConnection) BlockReadable(token any) error { return sc.blockReadable(token) }

// BlockWriteable is the exported form of blockWriteable for protocol
// layers outside this package (http11.HttpConnection's backpressure
// when the generator reports FLUSH/FLUSH_CONTENT but the socket isn't
// writeable yet).
func (sc *SelectableConnection) BlockWriteable() error { return sc.blockWriteable() }

// blockReadable parks the calling goroutine (identified by token, any
// comparable value unique per caller — e.g. a *Request) until the
// endpoint becomes readable, the endpoint closes, or maxIdleTime
// elapses. Only one goroutine may block readable at a time.
func (sc *SelectableConnection) blockReadable(token any) error {
	sc.mu.Lock()
	if sc.readBlocked != nil {
		sc.mu.Unlock()
		return ErrAlreadyBlocked
	}
	sc.readBlocked = token
	sc.readSignaled = false
	sc.mu.Unlock()

	sc.endpoint.SetReadInterested(true)
	defer func() {
		sc.mu.Lock()
		sc.readBlocked = nil
		sc.mu.Unlock()
	}()

	return sc.waitFor(&sc.readSignaled, sc.readCond)
}

// blockWriteable parks the calling goroutine until the endpoint
// becomes writeable, closes, or maxIdleTime elapses. At most one
// goroutine may block writeable at a time.
func (sc *SelectableConnection) blockWriteable() error {
	sc.mu.Lock()
	if sc.writeBlocked {
		sc.mu.Unlock()
		return ErrAlreadyBlocked
	}
	sc.writeBlocked = true
	sc.writeSignaled = false
	sc.mu.Unlock()

	sc.endpoint.SetWriteInterested(true)
	defer func() {
		sc.mu.Lock()
		sc.writeBlocked = false
		sc.mu.Unlock()
	}()

	return sc.waitFor(&sc.writeSignaled, sc.writeCond)
}

// waitFor parks on cond until *signaled flips true, the endpoint
// closes, or the idle deadline elapses. A watcher goroutine converts
// the deadline into a Broadcast so the wait itself stays a plain
// sync.Cond loop (no channel/select machinery needed here, matching
// the recursive-lock/condvar shape of the teacher's blocking helpers).
func (sc *SelectableConnection) waitFor(signaled *bool, cond *sync.Cond) error {
	deadline := sc.effectiveMaxIdle()
	var timedOut bool

	if deadline > 0 {
		timer := time.AfterFunc(time.Duration(deadline)*time.Millisecond, func() {
			sc.mu.Lock()
			timedOut = true
			cond.Broadcast()
			sc.mu.Unlock()
		})
		defer timer.Stop()
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for !*signaled && !timedOut && sc.endpoint.IsOpen() {
		cond.Wait()
	}

	switch {
	case *signaled:
		return nil
	case timedOut:
		return ErrIdleTimeout
	default:
		return ErrClosed
	}
}

// effectiveMaxIdle returns the override if set, else the endpoint's
// own maxIdleTime — the per-connection override lets a connector apply
// connection-level policy (e.g. "low resources" shortening the
// timeout) without mutating the endpoint's own configured value. See
// spec.md §9 open question on setMaxIdleTime/socket propagation: this
// override is purely a SelectableConnection-layer concept and never
// pushed down to the endpoint or the OS socket.
func (sc *SelectableConnection) effectiveMaxIdle() int64 {
	sc.mu.Lock()
	override := sc.maxIdleOverrideMs
	sc.mu.Unlock()
	if override > 0 {
		return override
	}
	return sc.endpoint.MaxIdleTime()
}

// SetMaxIdleTime overrides the idle deadline used by blockReadable/
// blockWriteable without touching the endpoint's own MaxIdleTime.
func (sc *SelectableConnection) SetMaxIdleTime(ms int64) {
	sc.mu.Lock()
	sc.maxIdleOverrideMs = ms
	sc.mu.Unlock()
}

// Close closes the underlying endpoint, wakes any blocked callers, and
// notifies the handler so it can release resources it still holds.
// Safe to call more than once; the handler's own OnClose must likewise
// tolerate repeated calls, since a graceful close already releases its
// resources before Close runs and OnClose must no-op the second time.
func (sc *SelectableConnection) Close() error {
	err := sc.endpoint.Close()
	sc.mu.Lock()
	sc.readCond.Broadcast()
	sc.writeCond.Broadcast()
	sc.mu.Unlock()
	sc.handler.OnClose()
	return err
}

package conn

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/reactorhttp/pkg/endpoint"
)

// fakeEndpoint is a minimal SelectableEndpoint double driven directly by
// tests via signalReadable/signalWriteable, standing in for a real
// selector-backed endpoint so SelectableConnection's blocking/dispatch
// logic can be tested without a socket.
type fakeEndpoint struct {
	mu       sync.Mutex
	open     bool
	readInt  bool
	writeInt bool
	maxIdle  int64

	selector *fakeSelector
}

func newFakeEndpoint(maxIdleMs int64) *fakeEndpoint {
	return &fakeEndpoint{open: true, maxIdle: maxIdleMs}
}

func (f *fakeEndpoint) Fill(buf []byte, n int) (int, error)        { return n, nil }
func (f *fakeEndpoint) Flush(bufs ...[]byte) (int, error)          { return 0, nil }
func (f *fakeEndpoint) ShutdownInput() error                       { return nil }
func (f *fakeEndpoint) ShutdownOutput() error                      { return nil }
func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}
func (f *fakeEndpoint) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
func (f *fakeEndpoint) IsInputShutdown() bool  { return !f.IsOpen() }
func (f *fakeEndpoint) IsOutputShutdown() bool { return !f.IsOpen() }
func (f *fakeEndpoint) LocalAddr() net.Addr    { return nil }
func (f *fakeEndpoint) RemoteAddr() net.Addr   { return nil }

func (f *fakeEndpoint) MaxIdleTime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxIdle
}
func (f *fakeEndpoint) SetMaxIdleTime(ms int64) {
	f.mu.Lock()
	f.maxIdle = ms
	f.mu.Unlock()
}
func (f *fakeEndpoint) SetReadInterested(interested bool) {
	f.mu.Lock()
	f.readInt = interested
	f.mu.Unlock()
}
func (f *fakeEndpoint) SetWriteInterested(interested bool) {
	f.mu.Lock()
	f.writeInt = interested
	f.mu.Unlock()
}
func (f *fakeEndpoint) SetCheckForIdle(bool) {}
func (f *fakeEndpoint) Fd() int              { return -1 }

type fakeSelector struct {
	mu            sync.Mutex
	onReadable    func()
	onWriteable   func()
	onIdleExpired func()
}

func (s *fakeSelector) Register(ep endpoint.SelectableEndpoint, onReadable, onWriteable func(), onIdleExpired func()) error {
	s.mu.Lock()
	s.onReadable, s.onWriteable, s.onIdleExpired = onReadable, onWriteable, onIdleExpired
	s.mu.Unlock()
	return nil
}
func (s *fakeSelector) Deregister(endpoint.SelectableEndpoint) {}
func (s *fakeSelector) Run() error                             { return nil }
func (s *fakeSelector) Close() error                           { return nil }

func (s *fakeSelector) fireReadable() {
	s.mu.Lock()
	fn := s.onReadable
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeSelector) fireWriteable() {
	s.mu.Lock()
	fn := s.onWriteable
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *fakeSelector) fireIdle() {
	s.mu.Lock()
	fn := s.onIdleExpired
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeHandler struct {
	fillable    chan struct{}
	idleCalls   chan struct{}
	closeCalls  chan struct{}
	closeOnIdle bool
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		fillable:   make(chan struct{}, 8),
		idleCalls:  make(chan struct{}, 8),
		closeCalls: make(chan struct{}, 8),
	}
}

func (h *fakeHandler) OnFillable() { h.fillable <- struct{}{} }
func (h *fakeHandler) OnIdleExpired() bool {
	h.idleCalls <- struct{}{}
	return h.closeOnIdle
}
func (h *fakeHandler) OnClose() { h.closeCalls <- struct{}{} }

func TestOnReadableDispatchesWhenNoBlockedCaller(t *testing.T) {
	ep := newFakeEndpoint(0)
	sel := &fakeSelector{}
	handler := newFakeHandler()

	sc, err := NewSelectableConnection(ep, sel, nil, handler, nil)
	if err != nil {
		t.Fatalf("NewSelectableConnection: %v", err)
	}
	_ = sc

	sel.fireReadable()

	select {
	case <-handler.fillable:
	case <-time.After(time.Second):
		t.Fatal("OnFillable was not dispatched")
	}
}

func TestBlockReadableWakesOnReadiness(t *testing.T) {
	ep := newFakeEndpoint(0)
	sel := &fakeSelector{}
	handler := newFakeHandler()

	sc, err := NewSelectableConnection(ep, sel, nil, handler, nil)
	if err != nil {
		t.Fatalf("NewSelectableConnection: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sc.blockReadable("caller-1") }()

	// Give blockReadable time to register itself before firing.
	time.Sleep(20 * time.Millisecond)
	sel.fireReadable()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blockReadable returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blockReadable never woke")
	}

	select {
	case <-handler.fillable:
		t.Fatal("OnFillable should not have been dispatched while a caller was blocked")
	default:
	}
}

func TestBlockReadableRejectsConcurrentBlockers(t *testing.T) {
	ep := newFakeEndpoint(0)
	sel := &fakeSelector{}
	handler := newFakeHandler()

	sc, err := NewSelectableConnection(ep, sel, nil, handler, nil)
	if err != nil {
		t.Fatalf("NewSelectableConnection: %v", err)
	}

	started := make(chan struct{})
	go func() {
		close(started)
		sc.blockReadable("first")
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if err := sc.blockReadable("second"); err != ErrAlreadyBlocked {
		t.Fatalf("second blockReadable: got %v, want ErrAlreadyBlocked", err)
	}

	sel.fireReadable()
}

func TestBlockWriteableTimesOutOnIdle(t *testing.T) {
	ep := newFakeEndpoint(0)
	sel := &fakeSelector{}
	handler := newFakeHandler()

	sc, err := NewSelectableConnection(ep, sel, nil, handler, nil)
	if err != nil {
		t.Fatalf("NewSelectableConnection: %v", err)
	}
	sc.SetMaxIdleTime(50)

	err = sc.blockWriteable()
	if err != ErrIdleTimeout {
		t.Fatalf("blockWriteable: got %v, want ErrIdleTimeout", err)
	}
}

func TestOnIdleExpiredClosesWhenHandlerSaysSo(t *testing.T) {
	ep := newFakeEndpoint(0)
	sel := &fakeSelector{}
	handler := newFakeHandler()
	handler.closeOnIdle = true

	sc, err := NewSelectableConnection(ep, sel, nil, handler, nil)
	if err != nil {
		t.Fatalf("NewSelectableConnection: %v", err)
	}

	sel.fireIdle()

	select {
	case <-handler.idleCalls:
	case <-time.After(time.Second):
		t.Fatal("OnIdleExpired was not dispatched")
	}

	deadline := time.After(time.Second)
	for sc.Endpoint().IsOpen() {
		select {
		case <-deadline:
			t.Fatal("endpoint was not closed after OnIdleExpired returned true")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// Package server implements the Connector: the accept loop that turns
// a listening socket into a stream of HttpConnections registered with
// a reactor Selector, plus the Jetty-style collaborator surface
// (stats, low-resources idle shortening, graceful shutdown) a
// connector exposes around that loop.
package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/reactorhttp/pkg/conn"
	"github.com/yourusername/reactorhttp/pkg/endpoint"
	"github.com/yourusername/reactorhttp/pkg/http11"
)

// Handler processes one request/response exchange on a connection. An
// alias for http11.Handler so callers configuring a Connector don't
// need to import both packages.
type Handler = http11.Handler

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc = http11.HandlerFunc

// Server is the interface Connector implements; it exists so tests and
// embedding callers can depend on the behavior without the concrete
// type.
type Server interface {
	// ListenAndServe opens Config.Addr and serves requests until
	// Shutdown or Close.
	ListenAndServe() error

	// Serve accepts connections from an already-listening ln until
	// Shutdown or Close.
	Serve(ln *endpoint.ListenerFD) error

	// Shutdown stops accepting new connections and waits for active
	// ones to finish, or force-closes them once ctx is done.
	Shutdown(ctx context.Context) error

	// Close immediately closes the listener and all active connections.
	Close() error

	// Stats returns server statistics.
	Stats() *Stats
}

// Config holds Connector configuration.
type Config struct {
	// Addr is the TCP address to listen on (e.g., ":8080").
	// Default: ":8080"
	Addr string

	// Handler serves every request received on every connection. Required.
	Handler Handler

	// IdleTimeout is the maximum time a connection may sit with no
	// request in flight before the selector closes it.
	// Default: 120 seconds
	IdleTimeout time.Duration

	// MaxKeepAliveRequests caps requests served on one connection
	// before it is closed for a fresh accept. 0 means unlimited.
	MaxKeepAliveRequests int

	// MaxConcurrentConnections bounds how many connections may be open
	// at once; once the limit is hit, each newly accepted endpoint is
	// closed immediately. 0 means unlimited. Also the default basis for the
	// low-resources watermark — see LowResourcesConnections.
	MaxConcurrentConnections int

	// LowResourcesConnections is the active-connection count at or
	// above which the connector enters low-resources mode and starts
	// applying LowResourcesIdleTimeout to newly accepted connections.
	// 0 derives a watermark at 90% of MaxConcurrentConnections; if
	// MaxConcurrentConnections is also 0, low-resources mode never
	// triggers automatically (SetLowResources can still force it).
	LowResourcesConnections int

	// LowResourcesIdleTimeout replaces IdleTimeout for connections
	// accepted while in low-resources mode. 0 disables the shortening
	// even if low-resources mode is entered.
	LowResourcesIdleTimeout time.Duration

	// DisableKeepalive forces every connection closed after its first
	// response, equivalent to MaxKeepAliveRequests: 1.
	DisableKeepalive bool

	// EnableStats tracks TotalRequests/LastRequestTime, at the cost of
	// one atomic.Value store per request. Default: false.
	EnableStats bool

	// Logger receives connection-level Warn/Error diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns the default Connector configuration.
func DefaultConfig() Config {
	return Config{
		Addr:                     ":8080",
		IdleTimeout:              120 * time.Second,
		MaxKeepAliveRequests:     0,
		MaxConcurrentConnections: 0,
		LowResourcesIdleTimeout:  5 * time.Second,
	}
}

// Stats holds counters a Connector keeps about its own operation.
type Stats struct {
	TotalConnections  atomic.Uint64
	ActiveConnections atomic.Int64
	TotalRequests     atomic.Uint64
	ConnectionErrors  atomic.Uint64

	StartTime       time.Time
	LastRequestTime atomic.Value // time.Time
}

// Duration returns the time since the connector started serving.
func (s *Stats) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// RequestsPerSecond returns the average requests per second since start.
func (s *Stats) RequestsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.TotalRequests.Load()) / d
}

// ConnectionsPerSecond returns the average connections accepted per second.
func (s *Stats) ConnectionsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.TotalConnections.Load()) / d
}

var _ Server = (*Connector)(nil)

// Connector drives one listening socket: it accepts connections,
// tunes and registers each one's endpoint with a Selector, and wires
// it to an HttpConnection. It is the collaborator spec.md's component
// design calls out for the buffer-pool/timeout/low-resources concerns
// that sit above a single connection.
type Connector struct {
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	listener *endpoint.ListenerFD
	selector endpoint.Selector

	stats Stats

	shutdown atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[endpoint.SelectableEndpoint]struct{}

	connSem chan struct{}

	lowResources atomic.Bool
}

// NewConnector creates a Connector from config, applying defaults for
// zero-valued fields. Panics if config.Handler is nil — a connector
// with nothing to dispatch to is a caller bug, not a runtime condition.
func NewConnector(config Config) *Connector {
	if config.Handler == nil {
		panic("server: Config.Handler is required")
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 120 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Connector{
		config: config,
		logger: config.Logger,
		done:   make(chan struct{}),
		conns:  make(map[endpoint.SelectableEndpoint]struct{}),
	}
	c.stats.StartTime = time.Now()
	c.stats.LastRequestTime.Store(time.Now())

	if config.MaxConcurrentConnections > 0 {
		c.connSem = make(chan struct{}, config.MaxConcurrentConnections)
	}

	return c
}

// Stats returns the connector's running statistics.
func (c *Connector) Stats() *Stats { return &c.stats }

// SetLowResources forces low-resources mode on or off, overriding the
// automatic watermark check until it is next recomputed (on each
// accepted connection and on every once-a-second sweep, whenever a
// watermark is configured). Exposed so an operator (or a future
// memory/fd-pressure monitor) can drive it directly, matching the
// teacher's MaxConcurrentConnections semaphore generalized into an
// idle-timeout policy rather than a hard admission cutoff.
func (c *Connector) SetLowResources(low bool) {
	c.lowResources.Store(low)
}

// LowResources reports whether the connector currently believes itself
// resource constrained.
func (c *Connector) LowResources() bool { return c.lowResources.Load() }

// ListenAndServe opens Config.Addr and serves it.
func (c *Connector) ListenAndServe() error {
	ln, err := endpoint.Listen(c.config.Addr)
	if err != nil {
		return err
	}
	return c.Serve(ln)
}

// Serve accepts connections from ln until Shutdown or Close stops it.
func (c *Connector) Serve(ln *endpoint.ListenerFD) error {
	sel, err := endpoint.NewSelector()
	if err != nil {
		ln.Close()
		return err
	}

	c.mu.Lock()
	c.listener = ln
	c.selector = sel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := sel.Run(); err != nil && !c.shutdown.Load() {
			c.logger.Error("server: selector exited", "err", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.reapClosedConnections()
	}()

	handler := c.statsHandler(c.config.Handler)
	executor := conn.ExecutorFunc(func(w conn.WorkUnit) { go w.Run() })

	maxRequests := c.config.MaxKeepAliveRequests
	if c.config.DisableKeepalive {
		maxRequests = 1
	}

	var retryDelay time.Duration
	for {
		ep, err := ln.Accept(c.idleTimeoutMs(), sel, c.logger)
		if err != nil {
			if c.shutdown.Load() {
				return nil
			}
			c.stats.ConnectionErrors.Add(1)
			retryDelay = backoff(retryDelay)
			c.logger.Warn("server: accept error, backing off", "err", err, "delay", retryDelay)
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0

		if c.connSem != nil {
			select {
			case c.connSem <- struct{}{}:
			default:
				ep.Close()
				continue
			}
		}

		if _, err := http11.NewHttpConnection(ep, sel, executor, handler, maxRequests, c.logger); err != nil {
			c.logger.Warn("server: failed to register connection", "err", err)
			ep.Close()
			c.releaseConnSlot()
			continue
		}

		c.trackConnection(ep)
	}
}

// backoff doubles d up to a one-second ceiling, starting from 5ms —
// the same shape as net/http.Server.Serve's accept-error recovery, so
// a burst of EMFILE-style errors slows the loop instead of spinning.
func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// statsHandler wraps handler with the optional request counters,
// avoiding the atomic.Value store Config.EnableStats documents as
// costing an allocation when callers don't want it.
func (c *Connector) statsHandler(handler Handler) Handler {
	if !c.config.EnableStats {
		return handler
	}
	return http11.HandlerFunc(func(ex *http11.Exchange) {
		c.stats.TotalRequests.Add(1)
		c.stats.LastRequestTime.Store(time.Now())
		handler.ServeHTTP(ex)
	})
}

func (c *Connector) idleTimeoutMs() int64 {
	d := c.config.IdleTimeout
	if c.lowResources.Load() && c.config.LowResourcesIdleTimeout > 0 {
		d = c.config.LowResourcesIdleTimeout
	}
	return d.Milliseconds()
}

func (c *Connector) trackConnection(ep endpoint.SelectableEndpoint) {
	c.connsMu.Lock()
	c.conns[ep] = struct{}{}
	c.connsMu.Unlock()
	c.stats.TotalConnections.Add(1)
	c.stats.ActiveConnections.Add(1)
	c.updateLowResources()
}

// releaseConnSlot gives back a connection-semaphore slot acquired for
// a connection that never made it into c.conns (construction failed).
func (c *Connector) releaseConnSlot() {
	if c.connSem != nil {
		select {
		case <-c.connSem:
		default:
		}
	}
}

// reapClosedConnections periodically sweeps c.conns for endpoints the
// selector has already closed (idle timeout, peer hangup, protocol
// error), since nothing else notifies the Connector when a connection
// finishes — HttpConnection.OnClose releases the connection's own
// buffers and request but does not report the close to the Connector.
func (c *Connector) reapClosedConnections() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweepClosedConnections()
		}
	}
}

func (c *Connector) sweepClosedConnections() {
	c.connsMu.Lock()
	for ep := range c.conns {
		if !ep.IsOpen() {
			delete(c.conns, ep)
			c.stats.ActiveConnections.Add(-1)
			c.releaseConnSlot()
		}
	}
	c.connsMu.Unlock()
	c.updateLowResources()
}

// updateLowResources recomputes low-resources mode from the current
// active-connection count against the configured (or derived)
// watermark.
func (c *Connector) updateLowResources() {
	watermark := c.config.LowResourcesConnections
	if watermark <= 0 {
		if c.config.MaxConcurrentConnections <= 0 {
			return
		}
		watermark = c.config.MaxConcurrentConnections * 9 / 10
	}
	c.lowResources.Store(c.stats.ActiveConnections.Load() >= int64(watermark))
}

func (c *Connector) closeAllConnections() {
	c.connsMu.Lock()
	eps := make([]endpoint.SelectableEndpoint, 0, len(c.conns))
	for ep := range c.conns {
		eps = append(eps, ep)
	}
	c.connsMu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// ones to finish on their own, force-closing everything still open
// once ctx is done.
func (c *Connector) Shutdown(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.RLock()
	ln, sel := c.listener, c.selector
	c.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	if sel != nil {
		sel.Close()
	}
	close(c.done)

	shutdownComplete := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		return nil
	case <-ctx.Done():
		c.closeAllConnections()
		return ctx.Err()
	}
}

// Close immediately closes the listener, the selector, and every
// active connection, then waits for the Connector's own goroutines to
// exit.
func (c *Connector) Close() error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.RLock()
	ln, sel := c.listener, c.selector
	c.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
	if sel != nil {
		sel.Close()
	}
	close(c.done)

	c.closeAllConnections()
	c.wg.Wait()
	return nil
}

package endpoint

// SelectableEndpoint extends Endpoint with the readiness-interest and
// idle-check hooks a Selector drives. Implementations register
// themselves with exactly one Selector at construction time.
type SelectableEndpoint interface {
	Endpoint

	// SetReadInterested toggles whether the selector should report
	// read-readiness for this endpoint. Disabled by default until a
	// caller needs more input.
	SetReadInterested(interested bool)

	// SetWriteInterested toggles write-readiness reporting. Enabled
	// only while a flush has unwritten bytes pending.
	SetWriteInterested(interested bool)

	// SetCheckForIdle enables or disables idle-timeout tracking for
	// this endpoint; the selector skips idle bookkeeping for endpoints
	// with checking disabled (e.g. while a request is being handled
	// off the reactor goroutine).
	SetCheckForIdle(check bool)

	// Fd returns the underlying file descriptor the selector polls.
	Fd() int
}

// Selector is the reactor: it owns one polling instance, registers and
// deregisters endpoints, and dispatches readiness/idle callbacks.
//
// Callbacks run on the selector's own goroutine (or a small fixed pool
// of them); they must not block. SelectableConnection.onReadable /
// onWriteable are expected to return quickly, handing off real work to
// an executor.
type Selector interface {
	Register(ep SelectableEndpoint, onReadable, onWriteable func(), onIdleExpired func()) error
	Deregister(ep SelectableEndpoint)

	// Run drives the poll loop until Close is called.
	Run() error
	Close() error
}

package endpoint

import (
	"net"

	socket "github.com/yourusername/reactorhttp/pkg/socketutil"
)

// TuneSocket applies the connector's socket-level performance options
// (TCP_NODELAY, buffer sizing, keepalive, and platform extras like
// TCP_QUICKACK/TCP_DEFER_ACCEPT) to a freshly accepted connection. cfg
// nil means socket.DefaultConfig(). Only meaningful on the non-Linux
// fallback accept path (poller_other.go) — the Linux raw-epoll
// accept path tunes the fd directly at the syscall level instead (see
// epoll_linux.go's Accept), since it never holds a net.Conn to tune.
func TuneSocket(c net.Conn, cfg *socket.Config) error {
	return socket.Apply(c, cfg)
}

// TuneListener applies listener-level socket options (TCP_DEFER_ACCEPT,
// TCP_FASTOPEN) before the first Accept. cfg nil means
// socket.DefaultConfig(). Used by the non-Linux fallback's Listen; the
// Linux raw-epoll listener sets its own SO_REUSEADDR at bind time
// instead (see epoll_linux.go's Listen).
func TuneListener(ln net.Listener, cfg *socket.Config) error {
	return socket.ApplyListener(ln, cfg)
}

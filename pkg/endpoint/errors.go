package endpoint

import (
	"errors"
	"net"
	"os"
)

// isWouldBlock reports whether err is the "no data/space right now"
// signal a non-blocking fd surfaces, which fill/flush must swallow and
// turn into a zero-progress result rather than a real I/O error.
func isWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, os.ErrDeadlineExceeded)
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

package serial

import (
	"errors"
	"os"
	"strings"
	"syscall"
)

// IsTimeout reports whether err represents a bounded read simply
// finding no data available within its deadline, as opposed to a real
// I/O failure. poll.WaitInput (github.com/daedaluz/fdev/poll) surfaces
// this as one of a few syscall-level sentinels depending on platform
// and kernel version; callers that need to distinguish "nothing to read
// yet, try again" from "the link is broken" should use this rather than
// testing err == nil directly.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	// Fallback for wrapped/platform-specific timeout errors that don't
	// unwrap to one of the sentinels above.
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "timed out")
}

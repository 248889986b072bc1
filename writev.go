package fcgikit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var errWriteTimeout = errors.New("fcgikit: blocking write timed out")

// connWriter packages a connection's write mutex with its corruption flag.
// The flag is read and written only while the mutex is held; true means the
// outgoing byte stream is no longer record-aligned and further writes are
// forbidden.
type connWriter struct {
	mu      sync.Mutex
	fd      int
	corrupt bool
}

// advanceGather drops n leading bytes from the gather list and returns the
// remaining suffix. Fully consumed slices are removed; a partially consumed
// head slice is re-sliced in place.
func advanceGather(iov [][]byte, n int) [][]byte {
	for n > 0 && len(iov) > 0 {
		if n >= len(iov[0]) {
			n -= len(iov[0])
			iov = iov[1:]
			continue
		}
		iov[0] = iov[0][n:]
		n = 0
	}
	return iov
}

// writevGather writes the entire gather list to the non-blocking descriptor
// fd, waiting for write readiness in a timed select whenever the descriptor
// would block. A timeout of zero or less waits indefinitely. The returned
// count is the number of bytes actually transferred, which is less than the
// plan size exactly when err is non-nil.
func writevGather(fd int, iov [][]byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	written := 0
	for len(iov) > 0 {
		n, err := unix.Writev(fd, iov)
		if n > 0 {
			written += n
			iov = advanceGather(iov, n)
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if err := waitWritable(fd, deadline); err != nil {
				return written, err
			}
		case nil:
			// A zero-byte writev with no error; try again.
		default:
			return written, err
		}
	}
	return written, nil
}

// waitWritable blocks in select until fd is writable or the deadline
// elapses. A zero deadline waits indefinitely.
func waitWritable(fd int, deadline time.Time) error {
	for {
		var tv *unix.Timeval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return errWriteTimeout
			}
			t := unix.NsecToTimeval(remaining.Nanoseconds())
			tv = &t
		}
		var writeSet unix.FdSet
		writeSet.Zero()
		writeSet.Set(fd)
		n, err := unix.Select(fd+1, nil, &writeSet, nil, tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errWriteTimeout
		}
		return nil
	}
}

package netlayer

import "net"

// isRetriable reports whether err is the Go net package's stand-in for the
// POSIX EINTR/EAGAIN/EWOULDBLOCK family: a transient condition Send must
// loop past rather than treat as connection failure.
func isRetriable(err error) bool {
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return netErr.Timeout()
	}
	return false
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// isTimeout reports whether err is a deadline-exceeded condition, the
// non-blocking-recv stand-in this layer uses in place of select()'s
// EAGAIN/EWOULDBLOCK.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

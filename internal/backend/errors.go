package backend

import "errors"

// ErrUnsupported is returned by a Backend method whose operation the
// concrete engine cannot perform (signals on the uring backend, a full
// submission queue, etc.). The core has no fallback for it; it reaches the
// caller as an ordinary error.
var ErrUnsupported = errors.New("backend: operation not supported")

package journal

import "errors"

// ErrClosed is returned by MetaAsync once the journal has been closed.
var ErrClosed = errors.New("journal: closed")

package messaging

import "errors"

// ErrClosed is returned when publishing to or subscribing on a closed client.
var ErrClosed = errors.New("messaging: client closed")

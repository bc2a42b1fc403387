package transport

import "errors"

// ErrUnreachable indicates the peer is not addressable and no durable
// spool is configured to hold the message.
var ErrUnreachable = errors.New("peer unreachable and no spool configured")

package protocol

import "errors"

// ErrProtocolViolation marks a malformed message, a dangling in_reply_to,
// or a NOT_UNDERSTOOD reply.
var ErrProtocolViolation = errors.New("protocol violation")

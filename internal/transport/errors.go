package transport

import "errors"

// ErrInvalidSecret marks a JOIN_COLLECTIVE rejected for a pool secret
// mismatch (spec §4.5 handshake, §7 AuthenticationFailure). handshake itself
// reports failure as a bool plus a wire close code, so this sentinel exists
// for logging and for tests asserting on the rejection reason.
var ErrInvalidSecret = errors.New("invalid pool secret")

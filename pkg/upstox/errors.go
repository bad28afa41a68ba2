package upstox

import "fmt"

// AuthError reports an invalid or expired access token. The feed does not
// retry on it; the owner is expected to obtain a fresh token first.
type AuthError struct {
	Status int // HTTP status from the authorize call, 0 if not applicable
	Reason string
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstox auth: %s (status %d)", e.Reason, e.Status)
	}
	return "upstox auth: " + e.Reason
}

// DecodeError reports a malformed upstream frame. It is logged and skipped
// by the receive loop; decoding never terminates a connection.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("upstox decode: %s at byte %d", e.Reason, e.Offset)
}

// LimitError reports a subscription request that would exceed the protocol
// ceiling. It is surfaced to the requesting client only and is never fatal
// to the upstream connection.
type LimitError struct {
	Requested int
	Limit     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("upstox subscribe: %d keys exceeds limit of %d", e.Requested, e.Limit)
}

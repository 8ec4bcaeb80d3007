// Package pake runs the OPAQUE protocol for secret tags: the phrase never
// crosses the wire, and a successful exchange yields a per-session key on
// both sides plus a client-only export key.
package pake

import (
	"errors"

	"github.com/bytemare/opaque"
)

// suiteContext pins both roles to the same protocol context. Changing it
// invalidates every registered tag.
var suiteContext = []byte("kotori-secret-tag-v1")

// Suite returns the OPAQUE configuration shared by client and server roles.
func Suite() *opaque.Configuration {
	conf := opaque.DefaultConfiguration()
	conf.Context = suiteContext
	return conf
}

// State tracks one attempt through its lifecycle. Attempts are single-use:
// Finalized and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateResponseReceived
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request-sent"
	case StateResponseReceived:
		return "response-received"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAuthFailed is the uniform failure for every authentication problem:
	// wrong phrase, unknown attempt, expired or replayed token, tampered
	// message. Callers must not distinguish further.
	ErrAuthFailed = errors.New("pake: authentication failed")

	// ErrAttemptState is returned when an attempt is driven out of order or
	// reused after a terminal state.
	ErrAttemptState = errors.New("pake: attempt not in a valid state for this operation")
)

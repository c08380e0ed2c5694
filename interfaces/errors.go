package interfaces

import (
	"errors"
	"fmt"
)

// Protocol errors shared by every session type.
var (
	// ErrInvalidMessage is returned for malformed or phase-violating input.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidStateForRequest is returned when a request arrives in a state that cannot handle it.
	ErrInvalidStateForRequest = errors.New("invalid state for request")

	// ErrInvalidNodeForRequest is returned when a message comes from a node the session does not expect.
	ErrInvalidNodeForRequest = errors.New("invalid node for request")

	// ErrInvalidNodesConfiguration is returned when a session is asked to run on an invalid node set.
	ErrInvalidNodesConfiguration = errors.New("invalid nodes configuration")

	// ErrReplayProtection is returned for messages whose session nonce does not match.
	ErrReplayProtection = errors.New("replay protection")

	// ErrTooEarlyForRequest signals that the message arrived before its prerequisites
	// and should be redelivered later.
	ErrTooEarlyForRequest = errors.New("too early for request")

	// ErrConsensusUnreachable means quorum cannot be reached on this configuration.
	ErrConsensusUnreachable = errors.New("consensus unreachable")

	// ErrConsensusTemporaryUnreachable means quorum is not reachable now but may be later.
	ErrConsensusTemporaryUnreachable = errors.New("consensus temporary unreachable")

	// ErrKeyStorage wraps failures of the persistent key storage.
	ErrKeyStorage = errors.New("key storage error")

	// ErrNodeDisconnected is reported when a participant went away mid-session.
	ErrNodeDisconnected = errors.New("node disconnected")

	// ErrAccessDenied is returned when a request is not authorized.
	ErrAccessDenied = errors.New("access denied")

	// ErrInternal covers local failures that are not the peer's fault.
	ErrInternal = errors.New("internal error")
)

// KeyStorageError wraps a storage failure so that it matches ErrKeyStorage.
func KeyStorageError(err error) error {
	return fmt.Errorf("%w: %w", ErrKeyStorage, err)
}

// IsNonFatal reports whether err leaves the topology usable, so that a peer
// reporting it does not count as a deliberate reject.
func IsNonFatal(err error) bool {
	for _, nonFatal := range []error{
		ErrTooEarlyForRequest,
		ErrInvalidStateForRequest,
		ErrInvalidNodeForRequest,
		ErrInvalidMessage,
		ErrReplayProtection,
		ErrNodeDisconnected,
		ErrConsensusTemporaryUnreachable,
	} {
		if errors.Is(err, nonFatal) {
			return true
		}
	}
	return false
}

var wireErrors = []error{
	ErrInvalidMessage,
	ErrInvalidStateForRequest,
	ErrInvalidNodeForRequest,
	ErrInvalidNodesConfiguration,
	ErrReplayProtection,
	ErrTooEarlyForRequest,
	ErrConsensusUnreachable,
	ErrConsensusTemporaryUnreachable,
	ErrKeyStorage,
	ErrNodeDisconnected,
	ErrAccessDenied,
	ErrInternal,
}

// ErrorFromWire maps an error string received from a peer back onto the
// sentinel it starts with, keeping the peer's text.
func ErrorFromWire(msg string) error {
	for _, sentinel := range wireErrors {
		prefix := sentinel.Error()
		if msg == prefix {
			return sentinel
		}
		if len(msg) > len(prefix) && msg[:len(prefix)] == prefix && msg[len(prefix)] == ':' {
			return fmt.Errorf("%w%s", sentinel, msg[len(prefix):])
		}
	}
	return fmt.Errorf("%w: %s", ErrInternal, msg)
}

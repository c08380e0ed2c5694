package adminsessions

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/secret-store-cluster/interfaces"
)

// Session is the part of an administrative session the cluster runtime
// drives. Implementations serialize every call under their own lock.
type Session interface {
	// ID returns the id of the key the session operates on.
	ID() interfaces.SessionID
	// Kind returns the session type.
	Kind() interfaces.SessionKind
	// Nonce returns the session nonce carried by every message.
	Nonce() uint64
	// ProcessMessage handles a message received from sender.
	ProcessMessage(sender interfaces.NodeID, message *interfaces.ClusterMessage) error
	// OnSessionError reports an error. When sender is the local node the
	// error is broadcast to the other participants.
	OnSessionError(sender interfaces.NodeID, err error)
	// OnNodeError reports that a peer became unreachable.
	OnNodeError(node interfaces.NodeID, err error)
	// OnSessionTimeout is called when the session exceeded its lifetime.
	OnSessionTimeout()
	// IsFinished reports whether the session reached its final state.
	IsFinished() bool
	// State names the current state.
	State() string
	// Wait blocks until the session completed and returns its result.
	Wait(ctx context.Context) error
}

// completion records the result of a session exactly once.
type completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) finish(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *completion) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *completion) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func checkNonce(expected, actual uint64) error {
	if expected != actual {
		return fmt.Errorf("%w: session nonce %d, message nonce %d", interfaces.ErrReplayProtection, expected, actual)
	}
	return nil
}

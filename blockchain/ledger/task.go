package ledger

import (
	"context"

	"blocktree/models"
)

// State is the lifecycle state of a sealing task.
type State int

const (
	Pending State = iota
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is the handle to one background sealing. It moves from Pending to
// exactly one of Resolved or Failed and is never cancelled.
type Task struct {
	identity models.Identity
	done     chan struct{}

	// written once before done is closed
	block *models.Block
	err   error
}

func newTask(identity models.Identity) *Task {
	return &Task{
		identity: identity,
		done:     make(chan struct{}),
	}
}

func (t *Task) resolve(block *models.Block) {
	t.block = block
	close(t.done)
}

func (t *Task) fail(err error) {
	t.err = err
	close(t.done)
}

// Identity returns the identity the task is sealing.
func (t *Task) Identity() models.Identity {
	return t.identity
}

// Done is closed once the task has resolved or failed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) State() State {
	select {
	case <-t.done:
		if t.err != nil {
			return Failed
		}
		return Resolved
	default:
		return Pending
	}
}

// Wait blocks until the task completes or ctx is done. Giving up on the wait
// does not stop the sealing.
func (t *Task) Wait(ctx context.Context) (*models.Block, error) {
	select {
	case <-t.done:
		return t.block, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

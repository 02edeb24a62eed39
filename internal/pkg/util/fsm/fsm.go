package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Guard adapts fn for before_ callbacks. A returned error cancels the
// transition and is surfaced by FSM.Event wrapped in fsm.CanceledError.
func Guard(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// IgnoreNoTransition drops the error FSM.Event returns when the source and
// destination states are the same.
func IgnoreNoTransition(err error) error {
	var nt fsm.NoTransitionError
	if errors.As(err, &nt) && nt.Err == nil {
		return nil
	}
	return err
}

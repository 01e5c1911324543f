package vault

import (
	"context"
	"errors"
)

type undoFunc func(ctx context.Context) error

// journal collects compensations for the mutations of one operation. On
// failure they run in reverse order of recording.
type journal struct {
	undos []undoFunc
}

func (j *journal) record(undo undoFunc) {
	if undo != nil {
		j.undos = append(j.undos, undo)
	}
}

// recordLocal journals an in-process undo that cannot fail.
func (j *journal) recordLocal(undo func()) {
	if undo == nil {
		return
	}
	j.record(func(context.Context) error {
		undo()
		return nil
	})
}

func (j *journal) rollback(ctx context.Context) error {
	var errs []error
	for i := len(j.undos) - 1; i >= 0; i-- {
		if err := j.undos[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	j.undos = nil
	return errors.Join(errs...)
}

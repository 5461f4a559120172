package session

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/storage"
)

// Commit validates the session and submits its plan as a single batch.
// Stores that implement storage.Batcher apply it atomically; others apply it
// in order and the result lists what succeeded before the failure. The
// session is closed only when the batch went through; on failure it stays
// open so the caller can retry.
func Commit(ctx context.Context, s *Session, store storage.TaskStore) (Result, error) {
	if !s.IsOpen() {
		return Result{}, ErrClosed
	}
	if err := s.Validate(); err != nil {
		return Result{}, err
	}
	b, err := s.Plan()
	if err != nil {
		return Result{}, err
	}
	applied, err := storage.Apply(ctx, store, b)
	res := Result{BatchResult: applied}
	if err != nil {
		return res, fmt.Errorf("commit session %s: %w", s.ID, err)
	}
	res.TaskID, _ = taskID(b, applied)
	creates, updates, deletes := b.Counts()
	log.WithFields(log.Fields{
		"session": s.ID,
		"user":    s.UserID,
		"creates": creates,
		"updates": updates,
		"deletes": deletes,
		"atomic":  res.Atomic,
	}).Debug("session committed")
	s.Close()
	return res, nil
}

// Result describes a commit. TaskID is only set when the batch succeeded.
type Result struct {
	TaskID int64 `json:"taskId,omitempty"`
	storage.BatchResult
}

func taskID(b storage.Batch, res storage.BatchResult) (int64, bool) {
	if len(b.Ops) == 0 {
		return 0, false
	}
	first := b.Ops[0]
	if first.Kind == storage.OpUpdate {
		return first.ID, true
	}
	return res.CreatedID(first.Fields.UUID)
}

package session

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/domain"
)

// Suggester produces metadata suggestions for a task.
type Suggester interface {
	Suggest(ctx context.Context, name, description string) (domain.Suggestion, error)
}

// ShouldSuggest reports whether the draft carries enough text to ask for
// suggestions. A blank description means no request is made.
func ShouldSuggest(draft domain.TaskFields) bool {
	return strings.TrimSpace(draft.Description) != ""
}

// Fetch asks sg for metadata about draft. It is best effort: a blank
// description skips the request and remote failures are logged, so the
// second result is false whenever there is nothing to merge.
func Fetch(ctx context.Context, draft domain.TaskFields, sg Suggester, logger *log.Logger) (domain.Suggestion, bool) {
	if sg == nil || !ShouldSuggest(draft) {
		return domain.Suggestion{}, false
	}
	res, err := sg.Suggest(ctx, draft.Name, draft.Description)
	if err != nil {
		if logger == nil {
			logger = log.StandardLogger()
		}
		logger.WithFields(log.Fields{
			"task": draft.UUID,
		}).WithError(err).Warn("suggestion request failed")
		return domain.Suggestion{}, false
	}
	return res, true
}

// Suggest fetches suggestions for the draft and merges them into s. It
// reports whether anything was merged.
func (s *Session) Suggest(ctx context.Context, sg Suggester, logger *log.Logger) (bool, error) {
	if !s.IsOpen() {
		return false, ErrClosed
	}
	res, ok := Fetch(ctx, s.Draft, sg, logger)
	if !ok {
		return false, nil
	}
	if err := s.ApplySuggestion(res); err != nil {
		return false, err
	}
	return true, nil
}

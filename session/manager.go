package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/storage"
)

var (
	ErrSuggestionInFlight = errors.New("a suggestion request is already running for this session")
	ErrCommitInFlight     = errors.New("session is being committed")
)

const lockStripes = 32

// Manager owns the open sessions of all users. Sessions live in a Store;
// in-flight suggestion and commit work is tracked in this process.
type Manager struct {
	store     Store
	tasks     storage.TaskStore
	suggester Suggester
	logger    *log.Logger

	locks [lockStripes]sync.Mutex

	mu         sync.Mutex
	suggesting map[string]struct{}
	committing map[string]struct{}
}

func NewManager(store Store, tasks storage.TaskStore, suggester Suggester, logger *log.Logger) *Manager {
	if store == nil || tasks == nil {
		panic("session.NewManager: store and tasks are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Manager{
		store:      store,
		tasks:      tasks,
		suggester:  suggester,
		logger:     logger,
		suggesting: make(map[string]struct{}),
		committing: make(map[string]struct{}),
	}
}

func (m *Manager) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &m.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// claim marks id as busy in set. It fails when id is already there.
func (m *Manager) claim(set map[string]struct{}, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := set[id]; busy {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (m *Manager) release(set map[string]struct{}, id string) {
	m.mu.Lock()
	delete(set, id)
	m.mu.Unlock()
}

func (m *Manager) isCommitting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.committing[id]
	return busy
}

// Open starts a session for userID. With a task id the task and its direct
// sub-tasks are loaded from the store.
func (m *Manager) Open(ctx context.Context, userID string, taskID *int64) (*Session, error) {
	var (
		task     *domain.Task
		subTasks []domain.Task
	)
	if taskID != nil {
		t, err := m.tasks.GetTask(ctx, userID, *taskID)
		if err != nil {
			return nil, err
		}
		subTasks, err = m.tasks.ListTasks(ctx, storage.TaskFilter{UserID: userID, ParentTaskID: taskID})
		if err != nil {
			return nil, err
		}
		task = &t
	}
	s := Open(userID, task, subTasks)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	m.logger.WithFields(log.Fields{
		"session":  s.ID,
		"user":     userID,
		"state":    s.State,
		"subTasks": len(s.SubTasks),
	}).Debug("session opened")
	return s, nil
}

// Get returns the session if it belongs to userID. Sessions of other users
// are reported as not found.
func (m *Manager) Get(ctx context.Context, userID, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// mutate loads the session, applies fn and stores the result.
func (m *Manager) mutate(ctx context.Context, userID, id string, fn func(*Session) error) (*Session, error) {
	unlock := m.lock(id)
	defer unlock()
	if m.isCommitting(id) {
		return nil, ErrCommitInFlight
	}
	s, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) UpdateDraft(ctx context.Context, userID, id string, p domain.TaskPatch) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error { return s.UpdateDraft(p) })
}

func (m *Manager) AddSubTask(ctx context.Context, userID, id string, f domain.TaskFields) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error {
		_, err := s.AddSubTask(f)
		return err
	})
}

func (m *Manager) UpdateSubTask(ctx context.Context, userID, id, uuid string, p domain.TaskPatch) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error {
		_, err := s.UpdateSubTask(uuid, p)
		return err
	})
}

func (m *Manager) RemoveSubTask(ctx context.Context, userID, id, uuid string) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error {
		_, err := s.RemoveSubTask(uuid)
		return err
	})
}

func (m *Manager) ToggleLabel(ctx context.Context, userID, id, label string) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error { return s.ToggleLabel(label) })
}

func (m *Manager) RemoveLabel(ctx context.Context, userID, id, label string) (*Session, error) {
	return m.mutate(ctx, userID, id, func(s *Session) error { return s.RemoveLabel(label) })
}

// Suggest requests metadata for the session's draft and merges it into the
// latest stored state, so edits made while the request ran are kept. Only
// one request per session may run at a time.
func (m *Manager) Suggest(ctx context.Context, userID, id string) (*Session, bool, error) {
	if m.isCommitting(id) {
		return nil, false, ErrCommitInFlight
	}
	if !m.claim(m.suggesting, id) {
		return nil, false, ErrSuggestionInFlight
	}
	defer m.release(m.suggesting, id)

	s, err := m.Get(ctx, userID, id)
	if err != nil {
		return nil, false, err
	}
	if !s.IsOpen() {
		return nil, false, ErrClosed
	}
	res, ok := Fetch(ctx, s.Draft, m.suggester, m.logger)
	if !ok {
		return s, false, nil
	}
	s, err = m.mutate(ctx, userID, id, func(s *Session) error { return s.ApplySuggestion(res) })
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Commit persists the session. On success the session is removed; on
// failure it is left as it was so the user can fix and retry.
func (m *Manager) Commit(ctx context.Context, userID, id string) (Result, error) {
	if !m.claim(m.committing, id) {
		return Result{}, ErrCommitInFlight
	}
	defer m.release(m.committing, id)

	unlock := m.lock(id)
	s, err := m.Get(ctx, userID, id)
	unlock()
	if err != nil {
		return Result{}, err
	}
	res, err := Commit(ctx, s, m.tasks)
	if err != nil {
		var be *storage.BatchError
		if errors.As(err, &be) {
			m.logger.WithFields(log.Fields{
				"session":    id,
				"user":       userID,
				"op":         be.Index,
				"kind":       be.Op.Kind,
				"applied":    len(res.Applied),
				"rolledBack": be.RolledBack,
			}).WithError(be.Err).Error("session commit failed")
		}
		return res, err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		entry := m.logger.WithField("session", id)
		entry.WithError(err).Warn("failed to drop committed session, storing it closed")
		// s is closed by Commit; a replay then fails with ErrClosed.
		if perr := m.store.Put(ctx, s); perr != nil {
			entry.WithError(perr).Error("committed session is still open in the store")
		}
	}
	return res, nil
}

// Close discards the session without persisting anything. It is refused
// while a commit for the session is running.
func (m *Manager) Close(ctx context.Context, userID, id string) error {
	unlock := m.lock(id)
	defer unlock()
	if m.isCommitting(id) {
		return ErrCommitInFlight
	}
	if _, err := m.Get(ctx, userID, id); err != nil {
		return err
	}
	return m.store.Delete(ctx, id)
}

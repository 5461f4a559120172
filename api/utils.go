package api

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/storage"
)

var (
	lastTimestamp int64
)

func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func newChangeEvent(userID string, id int64, typ string) domain.ChangeEvent {
	ts := nextTimestamp()
	return domain.ChangeEvent{
		ID:         strconv.FormatInt(ts, 36),
		EntityID:   strconv.FormatInt(id, 10),
		EntityType: "task",
		Type:       typ,
		UserID:     userID,
		Time:       ts,
	}
}

// eventsForBatch returns one event per operation that reached the store.
func eventsForBatch(userID string, applied []storage.OpResult) []domain.ChangeEvent {
	out := make([]domain.ChangeEvent, 0, len(applied))
	for _, r := range applied {
		var typ string
		switch r.Kind {
		case storage.OpCreate:
			typ = domain.TaskCreated
		case storage.OpUpdate:
			typ = domain.TaskUpdated
		case storage.OpDelete:
			typ = domain.TaskDeleted
		default:
			continue
		}
		out = append(out, newChangeEvent(userID, r.ID, typ))
	}
	return out
}

package api

import (
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chounic/next-tasks-manager/domain"
	"github.com/Chounic/next-tasks-manager/storage"
)

func TestNextTimestampAdvancesPastLast(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})
	base := time.Now().Add(time.Second).UnixNano()
	atomic.StoreInt64(&lastTimestamp, base)

	if got := nextTimestamp(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
	if got := nextTimestamp(); got != base+2 {
		t.Fatalf("expected %d, got %d", base+2, got)
	}
}

func TestEventsForBatch(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})
	applied := []storage.OpResult{
		{Index: 0, Kind: storage.OpUpdate, ID: 1},
		{Index: 1, Kind: storage.OpCreate, ID: 12},
		{Index: 2, Kind: storage.OpDelete, ID: 6},
	}
	events := eventsForBatch("user", applied)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantTypes := []string{domain.TaskUpdated, domain.TaskCreated, domain.TaskDeleted}
	for i, ev := range events {
		if ev.Type != wantTypes[i] || ev.EntityID != strconv.FormatInt(applied[i].ID, 10) || ev.UserID != "user" {
			t.Fatalf("unexpected event %d: %#v", i, ev)
		}
		if ev.ID != strconv.FormatInt(ev.Time, 36) {
			t.Fatalf("event id must encode its timestamp: %#v", ev)
		}
		if i > 0 && ev.Time <= events[i-1].Time {
			t.Fatalf("event times must increase: %#v", events)
		}
	}
}

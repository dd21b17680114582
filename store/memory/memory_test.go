package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentbus-dev/agentbus/store"
)

func rec(id, typ, source string, ts time.Time) *store.Record {
	return &store.Record{
		ID:        id,
		Type:      typ,
		Source:    source,
		Timestamp: ts,
		Data:      json.RawMessage(`{}`),
	}
}

func TestInsertAndQuery(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Insert(ctx, rec("e1", "message.sent", "a", now)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := b.Insert(ctx, rec("e2", "task.completed", "b", now.Add(time.Second))); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := b.Query(ctx, store.QueryFilter{Types: []string{"message.sent"}})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("expected [e1], got %v", got)
	}

	all, err := b.Query(ctx, store.QueryFilter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 records, got %d", len(all))
	}
}

func TestInsert_DuplicateID(t *testing.T) {
	b := New()
	ctx := context.Background()

	r := rec("e1", "message.sent", "a", time.Now())
	if err := b.Insert(ctx, r); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	err := b.Insert(ctx, r)
	if !errors.Is(err, store.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestQuery_TimeRangeAndLimit(t *testing.T) {
	b := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		r := rec(string(rune('a'+i)), "message.sent", "s", base.Add(time.Duration(i)*time.Minute))
		if err := b.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := b.Query(ctx, store.QueryFilter{
		Since: base.Add(time.Minute),
		Until: base.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 records in range, got %d", len(got))
	}

	limited, err := b.Query(ctx, store.QueryFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "b" {
		t.Errorf("expected [b c], got %v", limited)
	}
}

func TestUpdate_SetsProcessed(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Insert(ctx, rec("e1", "message.sent", "a", time.Now())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	processed := true
	if err := b.Update(ctx, "e1", store.Patch{Processed: &processed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := b.Query(ctx, store.QueryFilter{Processed: &processed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || !got[0].Processed {
		t.Errorf("expected one processed record, got %v", got)
	}

	if err := b.Update(ctx, "missing", store.Patch{Processed: &processed}); !errors.Is(err, store.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDelete_ProcessedOlderThan(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now().UTC()

	old := rec("old", "message.sent", "a", now.Add(-48*time.Hour))
	old.Processed = true
	fresh := rec("fresh", "message.sent", "a", now)
	fresh.Processed = true
	unprocessed := rec("unprocessed", "message.sent", "a", now.Add(-48*time.Hour))

	for _, r := range []*store.Record{old, fresh, unprocessed} {
		if err := b.Insert(ctx, r); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	processed := true
	n, err := b.Delete(ctx, store.DeleteFilter{
		OlderThan: now.Add(-24 * time.Hour),
		Processed: &processed,
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 deleted, got %d", n)
	}
	if b.Len() != 2 {
		t.Errorf("expected 2 remaining, got %d", b.Len())
	}
}

func TestStats_GroupByTypeAndDay(t *testing.T) {
	b := New()
	ctx := context.Background()
	now := time.Now().UTC()

	b.Insert(ctx, rec("e1", "message.sent", "a", now))
	b.Insert(ctx, rec("e2", "message.sent", "b", now))
	b.Insert(ctx, rec("e3", "task.completed", "a", now))

	buckets, err := b.Stats(ctx, store.StatsQuery{GroupBy: store.GroupByType})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Key != "message.sent" || buckets[0].Count != 2 {
		t.Errorf("expected message.sent=2 first, got %+v", buckets[0])
	}

	byDay, err := b.Stats(ctx, store.StatsQuery{GroupBy: store.GroupByDay})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(byDay) != 1 || byDay[0].Count != 3 {
		t.Errorf("expected one day bucket of 3, got %v", byDay)
	}
}

func TestWatch_DeliversChanges(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := b.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := b.Insert(ctx, rec("e1", "message.sent", "a", time.Now())); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	select {
	case c := <-feed:
		if c.Op != store.OpInsert || c.New == nil || c.New.ID != "e1" {
			t.Errorf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification received")
	}

	processed := true
	if err := b.Update(ctx, "e1", store.Patch{Processed: &processed}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	select {
	case c := <-feed:
		if c.Op != store.OpUpdate || !c.New.Processed {
			t.Errorf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no update notification received")
	}

	cancel()
	select {
	case _, ok := <-feed:
		if ok {
			// A buffered change may still drain; the channel must close after.
			if _, ok := <-feed; ok {
				t.Error("feed channel not closed after cancellation")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("feed channel not closed after cancellation")
	}
}

// Writers racing watcher cancellation must not send on a closed feed
// channel.
func TestWatch_CancelDuringInserts(t *testing.T) {
	b := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("w%d-%d", n, i)
				if err := b.Insert(ctx, rec(id, "message.sent", "a", time.Now())); err != nil {
					t.Errorf("Insert failed: %v", err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				wctx, cancel := context.WithCancel(ctx)
				feed, err := b.Watch(wctx)
				if err != nil {
					cancel()
					t.Errorf("Watch failed: %v", err)
					return
				}
				cancel()
				for range feed {
				}
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := b.Insert(ctx, rec("e1", "message.sent", "a", time.Now())); !errors.Is(err, store.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
	if _, err := b.Query(ctx, store.QueryFilter{}); !errors.Is(err, store.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
	if _, err := b.Watch(ctx); !errors.Is(err, store.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed, got %v", err)
	}
}

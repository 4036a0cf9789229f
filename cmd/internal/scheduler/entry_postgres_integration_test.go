package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema/dbtest"
)

func TestPostgresEntryStore_ClaimIsExclusive(t *testing.T) {
	t.Parallel()

	pool, schema := dbtest.Open(t)
	st, err := NewPostgresEntryStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	const n = 12
	for i := 0; i < n; i++ {
		id := "e" + string(rune('a'+i))
		if err := st.Create(ctx, Entry{ID: id, MessageID: "m-" + id, RoomID: "r", SenderID: "u", DueAt: now.Add(-time.Second), CreatedAt: now}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			got, err := st.ClaimDue(ctx, now, "w"+string(rune('0'+w)), 5)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, e := range got {
				claimed[e.ID]++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	for id, c := range claimed {
		if c != 1 {
			t.Fatalf("entry %s claimed %d times", id, c)
		}
	}
	if len(claimed) != n {
		t.Fatalf("claimed %d entries, want %d", len(claimed), n)
	}

	if ok, err := st.Cancel(ctx, "ea", now); err != nil || ok {
		t.Fatalf("cancel of promoting entry: ok=%v err=%v", ok, err)
	}

	if reclaimed, err := st.ReclaimStale(ctx, now.Add(time.Second), now); err != nil || reclaimed != n {
		t.Fatalf("reclaimed=%d err=%v", reclaimed, err)
	}
	if ok, err := st.Cancel(ctx, "ea", now); err != nil || !ok {
		t.Fatalf("cancel after reclaim: ok=%v err=%v", ok, err)
	}
}

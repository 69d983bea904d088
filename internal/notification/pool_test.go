package notification

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPool_ReusesFeedPerUser(t *testing.T) {
	store := newMemStore()
	pool := NewPool(Deps{Timeline: store, Activities: store, Actors: &fakeDirectory{}}, 10, time.Minute)

	a1 := pool.ForUser("alice")
	a2 := pool.ForUser("alice")
	b := pool.ForUser("bob")

	if a1 != a2 {
		t.Error("同一ユーザーには同じFeedが返されること")
	}
	if a1 == b {
		t.Error("異なるユーザーには異なるFeedが返されること")
	}
	if a1.UserID() != "alice" || b.UserID() != "bob" {
		t.Errorf("UserID = %q / %q", a1.UserID(), b.UserID())
	}
}

func TestPool_BoundedAndExpiring(t *testing.T) {
	store := newMemStore()
	now := store.now
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	pool := NewPool(Deps{Timeline: store, Activities: store, Clock: clock}, 2, time.Minute)

	first := pool.ForUser("u1")
	pool.ForUser("u2")
	pool.ForUser("u3")
	if pool.Len() > 2 {
		t.Errorf("Len = %d, want <= 2", pool.Len())
	}

	again := pool.ForUser("u3")
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if pool.ForUser("u3") == again {
		t.Error("TTL経過後は新しいFeedが生成されること")
	}
	if pool.ForUser("u1") == first {
		t.Error("追い出されたユーザーには新しいFeedが生成されること")
	}
}

// TestPool_FeedsDoNotShareState は異なるユーザーのFeedが状態を共有しないことを検証する。
func TestPool_FeedsDoNotShareState(t *testing.T) {
	store := newMemStore()
	store.seed("n1", "alice", store.now.Add(-time.Minute), []string{"U"}, nil)
	store.seed("n2", "alice", store.now.Add(-time.Minute), []string{"V"}, nil)
	pool := NewPool(Deps{Timeline: store, Activities: store, Actors: &fakeDirectory{}}, 10, time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"U", "V"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				notes, err := pool.ForUser(user).GetActivities(ctx, Query{Count: 10})
				if err != nil {
					t.Errorf("GetActivities がエラーを返した: %v", err)
					return
				}
				if len(notes) != 1 || !contains(notes[0].Users, user) {
					t.Errorf("%s のフィードに他ユーザーの通知が含まれる: %+v", user, notes)
					return
				}
			}
		}(user)
	}
	wg.Wait()
}

package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/notefeed/internal/actor"
	"github.com/hitoshi/notefeed/internal/model"
	"github.com/hitoshi/notefeed/internal/repository"
)

// memStore はTimelineStoreとActivityStoreのインメモリ実装。
// err系のフィールドを設定すると対応する操作がエラーを返す。
type memStore struct {
	mu         sync.Mutex
	now        time.Time
	activities map[string]*model.Activity
	nextID     int
	calls      int

	timelineErr error
	seenErr     error
	countErr    error
	addErr      error
}

func newMemStore() *memStore {
	return &memStore{
		now:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		activities: make(map[string]*model.Activity),
	}
}

// seed はアクティビティを直接登録する。unseenがnilの場合はusersと同じにする。
func (s *memStore) seed(id, actorID string, created time.Time, users, unseen []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unseen == nil {
		unseen = append([]string(nil), users...)
	}
	s.activities[id] = &model.Activity{
		ID:      id,
		Actor:   actorID,
		Verb:    model.VerbShare,
		Level:   model.LevelAlert,
		Created: created,
		Expires: created.Add(30 * 24 * time.Hour),
		Users:   users,
		Unseen:  unseen,
	}
}

func (s *memStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func (s *memStore) visible(a *model.Activity, userID string) bool {
	return contains(a.Users, userID) && a.Expires.After(s.now)
}

func (s *memStore) GetTimeline(ctx context.Context, userID string, q repository.TimelineQuery) ([]model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.timelineErr != nil {
		return nil, s.timelineErr
	}

	var out []model.Activity
	for _, a := range s.activities {
		if !s.visible(a, userID) {
			continue
		}
		if !q.IncludeSeen && !contains(a.Unseen, userID) {
			continue
		}
		if q.Level != "" && a.Level != q.Level {
			continue
		}
		if q.Verb != "" && a.Verb != q.Verb {
			continue
		}
		cp := *a
		cp.Users = append([]string(nil), a.Users...)
		cp.Unseen = append([]string(nil), a.Unseen...)
		out = append(out, cp)
	}
	// マップ順で返し、並び替えはフィード側に任せる
	sort.Slice(out, func(i, j int) bool {
		less := out[i].Created.Before(out[j].Created) ||
			(out[i].Created.Equal(out[j].Created) && out[i].ID < out[j].ID)
		if q.Reverse {
			return less
		}
		return !less
	})
	if len(out) > q.Count {
		out = out[:q.Count]
	}
	return out, nil
}

func (s *memStore) GetSingleActivityFromTimeline(ctx context.Context, userID, activityID string) (*model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.timelineErr != nil {
		return nil, s.timelineErr
	}
	a, ok := s.activities[activityID]
	if !ok || !s.visible(a, userID) {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) VisibleActivityIDs(ctx context.Context, userID string, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.timelineErr != nil {
		return nil, s.timelineErr
	}
	var out []string
	for _, id := range ids {
		if a, ok := s.activities[id]; ok && s.visible(a, userID) && !contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memStore) AddToStorage(ctx context.Context, a *model.Activity, recipients []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.addErr != nil {
		return "", s.addErr
	}
	s.nextID++
	a.ID = fmt.Sprintf("new-%d", s.nextID)
	if a.Created.IsZero() {
		a.Created = s.now
	}
	if a.Expires.IsZero() {
		a.Expires = a.Created.Add(24 * time.Hour)
	}
	a.Users = append([]string(nil), recipients...)
	a.Unseen = append([]string(nil), recipients...)
	cp := *a
	s.activities[a.ID] = &cp
	return a.ID, nil
}

func (s *memStore) SetSeen(ctx context.Context, ids []string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.seenErr != nil {
		return s.seenErr
	}
	for _, id := range ids {
		a, ok := s.activities[id]
		if !ok || !contains(a.Users, userID) {
			continue
		}
		var unseen []string
		for _, u := range a.Unseen {
			if u != userID {
				unseen = append(unseen, u)
			}
		}
		a.Unseen = unseen
	}
	return nil
}

func (s *memStore) SetUnseen(ctx context.Context, ids []string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.seenErr != nil {
		return s.seenErr
	}
	for _, id := range ids {
		a, ok := s.activities[id]
		if !ok || !contains(a.Users, userID) || contains(a.Unseen, userID) {
			continue
		}
		a.Unseen = append(a.Unseen, userID)
	}
	return nil
}

func (s *memStore) GetUnseenCount(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := 0
	for _, a := range s.activities {
		if s.visible(a, userID) && contains(a.Unseen, userID) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetByExternalKey(ctx context.Context, source string, keys []string) (map[string]*model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	out := make(map[string]*model.Activity)
	for _, a := range s.activities {
		if a.Source == source && contains(keys, a.ExternalKey) {
			cp := *a
			out[a.ExternalKey] = &cp
		}
	}
	return out, nil
}

func (s *memStore) ExpireActivities(ctx context.Context, source string, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var expired []string
	for _, id := range ids {
		a, ok := s.activities[id]
		if !ok || !a.Expires.After(s.now) || (source != "" && a.Source != source) {
			continue
		}
		a.Expires = s.now
		expired = append(expired, id)
	}
	return expired, nil
}

// fakeDirectory は関数フィールドで振る舞いを差し替えられるDirectory。
type fakeDirectory struct {
	mu        sync.Mutex
	names     map[string]string
	requested [][]string
	resolveFn func(ctx context.Context, ids []string) (map[string]actor.Info, error)
}

func (d *fakeDirectory) Resolve(ctx context.Context, ids []string) (map[string]actor.Info, error) {
	d.mu.Lock()
	d.requested = append(d.requested, append([]string(nil), ids...))
	d.mu.Unlock()

	if d.resolveFn != nil {
		return d.resolveFn(ctx, ids)
	}
	out := make(map[string]actor.Info)
	for _, id := range ids {
		if name, ok := d.names[id]; ok {
			out[id] = actor.Info{Type: "user", Name: name}
		}
	}
	return out, nil
}

func (d *fakeDirectory) calls() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.requested...)
}

var (
	_ repository.TimelineStore = (*memStore)(nil)
	_ repository.ActivityStore = (*memStore)(nil)
	_ actor.Directory          = (*fakeDirectory)(nil)
)

package state

import (
	"context"
	"sort"
	"time"

	"island-watcher/pkg/watch"
)

func (s *Store) updateFeeds(ctx context.Context, fn func(map[string]*watch.FeedState) error) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	doc := make(map[string]*watch.FeedState)
	if err := s.load(ctx, feedDoc, &doc); err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(ctx, feedDoc, doc)
}

// Feed returns the state for one feed, or nil when it is not followed.
func (s *Store) Feed(ctx context.Context, uuid string) (*watch.FeedState, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	doc := make(map[string]*watch.FeedState)
	if err := s.load(ctx, feedDoc, &doc); err != nil {
		return nil, err
	}
	return doc[uuid], nil
}

// ActiveFeeds lists every followed feed uuid, sorted for a stable poll order.
func (s *Store) ActiveFeeds(ctx context.Context) ([]string, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	doc := make(map[string]*watch.FeedState)
	if err := s.load(ctx, feedDoc, &doc); err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(doc))
	for uuid := range doc {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids, nil
}

// UpdateFeedCheck replaces the feed's known-thread set and stamps the check
// time. Called unconditionally after each poll so a transient error does not
// leave the same thread "new" forever once the cause is fixed.
func (s *Store) UpdateFeedCheck(ctx context.Context, uuid string, knownThreads []string) error {
	return s.updateFeeds(ctx, func(doc map[string]*watch.FeedState) error {
		st, ok := doc[uuid]
		if !ok {
			st = &watch.FeedState{}
			doc[uuid] = st
		}
		st.KnownThreads = knownThreads
		st.LastCheck = time.Now()
		return nil
	})
}

// BindGroup subscribes a group to the feed's new-thread notifications,
// creating the feed record on first bind.
func (s *Store) BindGroup(ctx context.Context, uuid string, groupID int64) error {
	return s.updateFeeds(ctx, func(doc map[string]*watch.FeedState) error {
		st, ok := doc[uuid]
		if !ok {
			st = &watch.FeedState{LastCheck: time.Now()}
			doc[uuid] = st
		}
		for _, id := range st.BoundGroups {
			if id == groupID {
				return nil
			}
		}
		st.BoundGroups = append(st.BoundGroups, groupID)
		return nil
	})
}

// UnbindGroup unsubscribes a group. Removing the last bound group deletes
// the feed record.
func (s *Store) UnbindGroup(ctx context.Context, uuid string, groupID int64) error {
	return s.updateFeeds(ctx, func(doc map[string]*watch.FeedState) error {
		st, ok := doc[uuid]
		if !ok {
			return nil
		}
		kept := st.BoundGroups[:0]
		for _, id := range st.BoundGroups {
			if id != groupID {
				kept = append(kept, id)
			}
		}
		st.BoundGroups = kept
		if len(st.BoundGroups) == 0 {
			delete(doc, uuid)
		}
		return nil
	})
}

package state

import (
	"context"
	"fmt"
	"time"

	"island-watcher/pkg/watch"
)

// ErrThreadStateMissing indicates an operation on a thread that is not followed.
type ErrThreadStateMissing struct {
	ThreadID string
}

func (e *ErrThreadStateMissing) Error() string {
	return fmt.Sprintf("state: thread %s not followed", e.ThreadID)
}

func (s *Store) updateThreads(ctx context.Context, fn func(map[string]*watch.ThreadState) error) error {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	doc := make(map[string]*watch.ThreadState)
	if err := s.load(ctx, threadDoc, &doc); err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(ctx, threadDoc, doc)
}

// Threads returns the state of every followed thread.
func (s *Store) Threads(ctx context.Context) (map[string]*watch.ThreadState, error) {
	s.threadMu.Lock()
	defer s.threadMu.Unlock()

	doc := make(map[string]*watch.ThreadState)
	if err := s.load(ctx, threadDoc, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Thread returns the state for one thread, or nil when it is not followed.
func (s *Store) Thread(ctx context.Context, threadID string) (*watch.ThreadState, error) {
	threads, err := s.Threads(ctx)
	if err != nil {
		return nil, err
	}
	return threads[threadID], nil
}

// CreateThread records a newly followed thread. If the thread is already
// followed (bound from another feed), the new bindings and writers are merged
// into the existing record and the checkpoint is left alone.
func (s *Store) CreateThread(ctx context.Context, threadID string, st *watch.ThreadState) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		existing, ok := doc[threadID]
		if !ok {
			doc[threadID] = st
			return nil
		}
		for _, b := range st.Bindings {
			if !hasBinding(existing.Bindings, b.GroupID) {
				existing.Bindings = append(existing.Bindings, b)
			}
		}
		for _, w := range st.Writer {
			if !existing.WriterListed(w) {
				existing.Writer = append(existing.Writer, w)
			}
		}
		return nil
	})
}

// AdvanceCheckpoint commits sync progress for a thread after a page's new
// replies were delivered. LastReplyID never regresses; newContent also
// stamps LastNewReplyAt for the inactivity back-off.
func (s *Store) AdvanceCheckpoint(ctx context.Context, threadID string, replyCount int, lastReplyID int64, newContent bool) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return &ErrThreadStateMissing{ThreadID: threadID}
		}
		now := time.Now()
		st.LastReplyCount = replyCount
		if lastReplyID > st.LastReplyID {
			st.LastReplyID = lastReplyID
		}
		st.LastCheck = now
		if newContent {
			st.LastNewReplyAt = now
		}
		return nil
	})
}

// TouchThread records a successful sync attempt that found nothing new.
func (s *Store) TouchThread(ctx context.Context, threadID string) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return &ErrThreadStateMissing{ThreadID: threadID}
		}
		st.LastCheck = time.Now()
		return nil
	})
}

// AddBinding attaches another delivery destination to a followed thread.
func (s *Store) AddBinding(ctx context.Context, threadID string, binding watch.Binding) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return &ErrThreadStateMissing{ThreadID: threadID}
		}
		if !hasBinding(st.Bindings, binding.GroupID) {
			st.Bindings = append(st.Bindings, binding)
		}
		return nil
	})
}

// RemoveBinding detaches a group from a thread. Removing the last binding
// deletes the thread record entirely: nothing is left to deliver to.
func (s *Store) RemoveBinding(ctx context.Context, threadID string, groupID int64) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return nil
		}
		kept := st.Bindings[:0]
		for _, b := range st.Bindings {
			if b.GroupID != groupID {
				kept = append(kept, b)
			}
		}
		st.Bindings = kept
		if len(st.Bindings) == 0 {
			delete(doc, threadID)
		}
		return nil
	})
}

// AddWriter puts an author hash on the thread's writer list.
func (s *Store) AddWriter(ctx context.Context, threadID, userHash string) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return &ErrThreadStateMissing{ThreadID: threadID}
		}
		if !st.WriterListed(userHash) {
			st.Writer = append(st.Writer, userHash)
		}
		return nil
	})
}

// ResetPage rewinds a thread's checkpoint so the next cycle re-reads from
// the given page. Operator action for recovering from upstream deletions.
func (s *Store) ResetPage(ctx context.Context, threadID string, page int, lastReplyID int64) error {
	return s.updateThreads(ctx, func(doc map[string]*watch.ThreadState) error {
		st, ok := doc[threadID]
		if !ok {
			return &ErrThreadStateMissing{ThreadID: threadID}
		}
		st.LastReplyCount = watch.PageSize*(page-1) + 1
		st.LastReplyID = lastReplyID
		st.LastCheck = time.Now()
		return nil
	})
}

func hasBinding(bindings []watch.Binding, groupID int64) bool {
	for _, b := range bindings {
		if b.GroupID == groupID {
			return true
		}
	}
	return false
}

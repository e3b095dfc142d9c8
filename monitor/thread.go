package monitor

import (
	"context"
	"fmt"
	"sync"

	"island-watcher/filter"
	"island-watcher/pkg/watch"
)

// prefetchWindow bounds concurrent page fetches during backfill.
const prefetchWindow = 3

// syncThread brings one thread's destinations up to date.
//
// The page locator (lastReplyCount) only decides which pages to fetch; the
// reply id cursor (lastReplyID) alone decides which replies are new. The two
// can disagree after upstream deletions, and the cursor wins. Checkpoints
// commit per page, after that page's delivery, so a failure on a later page
// never re-delivers earlier ones.
func (m *Monitor) syncThread(ctx context.Context, threadID string, st *watch.ThreadState) error {
	startPage := watch.StartPage(st.LastReplyCount)

	first, err := m.forum.Thread(ctx, threadID, startPage)
	if err != nil {
		return fmt.Errorf("fetch page %d: %w", startPage, err)
	}

	total := first.ReplyCount
	if total <= st.LastReplyCount {
		return m.states.TouchThread(ctx, threadID)
	}

	maxPage := watch.MaxPage(total)
	m.logger.Info("Thread has new replies",
		"thread_id", threadID,
		"known_count", st.LastReplyCount,
		"total_count", total,
		"pages", fmt.Sprintf("%d-%d", startPage, maxPage))

	pages := map[int]*watch.ThreadPage{startPage: first}
	if err := m.prefetchPages(ctx, threadID, startPage+1, maxPage, pages); err != nil {
		return err
	}

	cursor := st.LastReplyID
	advanced := false
	for page := startPage; page <= maxPage; page++ {
		var newReplies []*watch.Reply
		for _, r := range pages[page].Replies {
			if r.ID == watch.SentinelReplyID {
				// Placeholder entry, not content and never a cursor.
				continue
			}
			if r.ID > cursor {
				newReplies = append(newReplies, r)
			}
		}
		if len(newReplies) == 0 {
			continue
		}

		var deliverable []*watch.Reply
		for _, r := range newReplies {
			if filter.ShouldDeliver(r, st) {
				deliverable = append(deliverable, r)
			}
		}
		if len(deliverable) > 0 {
			if err := m.deliverPage(ctx, threadID, st, deliverable, page); err != nil {
				// Checkpoint stays put; this page is re-derived and
				// re-sent next cycle.
				return fmt.Errorf("deliver page %d: %w", page, err)
			}
		}

		cursor = newReplies[len(newReplies)-1].ID
		count := watch.PageSize*(page-1) + len(newReplies)
		if err := m.states.AdvanceCheckpoint(ctx, threadID, count, cursor, true); err != nil {
			return fmt.Errorf("advance checkpoint after page %d: %w", page, err)
		}
		advanced = true
	}

	if !advanced {
		// Every fetched reply was already behind the cursor (the page
		// locator undercounted); record the successful check.
		return m.states.TouchThread(ctx, threadID)
	}
	return nil
}

// prefetchPages fetches pages [from, to] in windows of up to prefetchWindow
// concurrent requests. Results land in pages keyed by page number; the
// caller applies them strictly in page order.
func (m *Monitor) prefetchPages(ctx context.Context, threadID string, from, to int, pages map[int]*watch.ThreadPage) error {
	for base := from; base <= to; base += prefetchWindow {
		end := base + prefetchWindow - 1
		if end > to {
			end = to
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for page := base; page <= end; page++ {
			wg.Add(1)
			go func(page int) {
				defer wg.Done()
				pd, err := m.forum.Thread(ctx, threadID, page)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("fetch page %d: %w", page, err)
					}
					return
				}
				pages[page] = pd
			}(page)
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

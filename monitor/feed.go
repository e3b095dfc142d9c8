package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"island-watcher/pkg/watch"
)

// checkFeed paginates one feed's listing to the end, detects thread ids not
// seen before, and binds each new thread into the feed's groups. The
// known-thread set is persisted unconditionally afterwards: a thread whose
// topic creation failed is deliberately not re-announced every cycle.
func (m *Monitor) checkFeed(ctx context.Context, uuid string) error {
	st, err := m.states.Feed(ctx, uuid)
	if err != nil {
		return fmt.Errorf("load feed state: %w", err)
	}
	if st == nil {
		// Unbound between listing and checking.
		return nil
	}

	var current []string
	var fresh []watch.FeedThread
	for page := 1; ; page++ {
		threads, err := m.forum.Feed(ctx, uuid, page)
		if err != nil {
			// Abort without persisting so the diff re-runs from the
			// same known set next cycle.
			return fmt.Errorf("list page %d: %w", page, err)
		}
		if len(threads) == 0 {
			break
		}
		for _, t := range threads {
			current = append(current, t.ID)
			if !st.Knows(t.ID) {
				fresh = append(fresh, t)
			}
		}
	}

	if len(fresh) > 0 {
		m.logger.Info("New threads in feed", "feed", uuid, "count", len(fresh))
		for i := range fresh {
			if err := m.handleNewThread(ctx, &fresh[i], uuid, st.BoundGroups); err != nil {
				m.logger.Warn("New thread handling failed",
					"feed", uuid,
					"thread_id", fresh[i].ID,
					"error", err)
			}
		}
	}

	return m.states.UpdateFeedCheck(ctx, uuid, current)
}

// handleNewThread creates a destination topic in every bound group, records
// the thread state with its bindings, and posts and pins the opening post.
// The initial writer list holds only the thread author.
func (m *Monitor) handleNewThread(ctx context.Context, t *watch.FeedThread, uuid string, groups []int64) error {
	title := m.render.TopicTitle(t)
	m.logger.Info("New thread detected", "thread_id", t.ID, "title", title)

	var bindings []watch.Binding
	for _, groupID := range groups {
		topicID, err := m.sink.CreateTopic(ctx, groupID, title)
		if err != nil {
			m.logger.Warn("Topic creation failed", "thread_id", t.ID, "group_id", groupID, "error", err)
			continue
		}
		bindings = append(bindings, watch.Binding{GroupID: groupID, TopicID: topicID, FeedUUID: uuid})
	}
	if len(bindings) == 0 {
		return errors.New("no destination topic could be created")
	}

	st := &watch.ThreadState{
		Title:     title,
		LastCheck: time.Now(),
		Writer:    []string{t.UserHash},
		Bindings:  bindings,
	}
	if err := m.states.CreateThread(ctx, t.ID, st); err != nil {
		return fmt.Errorf("create thread state: %w", err)
	}

	msg := m.render.ThreadMessage(ctx, t)
	for _, b := range bindings {
		// The sink throttles hard right after topic creation.
		m.sleep(ctx, m.opts.TopicDelay)

		msgID, err := m.sink.SendMessage(ctx, b.GroupID, b.TopicID, msg, !t.HasImage())
		if err != nil {
			m.logger.Warn("Initial message send failed",
				"thread_id", t.ID,
				"group_id", b.GroupID,
				"error", err)
			continue
		}
		if err := m.sink.Pin(ctx, b.GroupID, msgID); err != nil {
			m.logger.Warn("Pin failed", "thread_id", t.ID, "group_id", b.GroupID, "error", err)
		}
	}
	return nil
}

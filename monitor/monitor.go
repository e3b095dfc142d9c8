// Package monitor drives the sync cycle: polling followed feeds for new
// threads, syncing new replies on followed threads, and relaying both into
// their bound destinations.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"island-watcher/pkg/watch"
)

// ErrCycleRunning is returned when a cycle is requested while the previous
// one is still executing. Cycles are never allowed to overlap.
var ErrCycleRunning = errors.New("monitor: cycle already in progress")

// Forum is the subset of the forum client the monitor consumes.
type Forum interface {
	Feed(ctx context.Context, uuid string, page int) ([]watch.FeedThread, error)
	Thread(ctx context.Context, id string, page int) (*watch.ThreadPage, error)
	ImageURL(img, ext string) string
}

// Sink is the notification destination: a chat with per-thread topics.
type Sink interface {
	CreateTopic(ctx context.Context, chatID int64, title string) (int64, error)
	SendMessage(ctx context.Context, chatID, topicID int64, html string, disablePreview bool) (int64, error)
	SendPhoto(ctx context.Context, chatID, topicID int64, photoURL string, data []byte, caption string) (int64, error)
	Pin(ctx context.Context, chatID, messageID int64) error
}

// States is the persistence the monitor checkpoints against.
type States interface {
	ActiveFeeds(ctx context.Context) ([]string, error)
	Feed(ctx context.Context, uuid string) (*watch.FeedState, error)
	UpdateFeedCheck(ctx context.Context, uuid string, knownThreads []string) error
	Threads(ctx context.Context) (map[string]*watch.ThreadState, error)
	CreateThread(ctx context.Context, threadID string, st *watch.ThreadState) error
	AdvanceCheckpoint(ctx context.Context, threadID string, replyCount int, lastReplyID int64, newContent bool) error
	TouchThread(ctx context.Context, threadID string) error
}

// Renderer turns forum content into sink-ready messages.
type Renderer interface {
	TopicTitle(t *watch.FeedThread) string
	ThreadMessage(ctx context.Context, t *watch.FeedThread) string
	ReplyMessage(ctx context.Context, r *watch.Reply, threadID string, page int) string
}

// Images fetches (and caches) image attachments for direct upload. Optional;
// without it photos are sent by URL.
type Images interface {
	Fetch(ctx context.Context, url, path string) (data []byte, mimeType string, err error)
}

// Options tune cycle cadence and the inter-call delays that keep the sink's
// burst limiter happy. Delays are availability knobs, not correctness ones.
type Options struct {
	Interval      time.Duration // wall-clock cycle interval
	InactiveAfter time.Duration // threads quiet this long drop to the reduced cadence
	InactiveEvery time.Duration // reduced check cadence for quiet threads
	FeedDelay     time.Duration // pause between feed checks
	ThreadDelay   time.Duration // pause between thread checks
	TopicDelay    time.Duration // pause after creating a destination topic
}

// Monitor owns the poll cycle over all followed feeds and threads.
type Monitor struct {
	forum  Forum
	sink   Sink
	states States
	render Renderer
	images Images
	logger *slog.Logger
	opts   Options

	busy atomic.Bool
}

// New creates a monitor. images may be nil.
func New(forum Forum, sink Sink, states States, render Renderer, images Images, opts Options, logger *slog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	return &Monitor{
		forum:  forum,
		sink:   sink,
		states: states,
		render: render,
		images: images,
		logger: logger,
		opts:   opts,
	}
}

// Run executes a cycle immediately and then on every interval tick until the
// context is cancelled. A tick that arrives while a cycle is still running
// (e.g. a concurrent manual trigger) is skipped, never queued.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Monitoring started", "interval", m.opts.Interval.String())

	if err := m.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Monitor cycle failed", "error", err)
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitoring stopped", "error", ctx.Err())
			return
		case <-ticker.C:
			err := m.Cycle(ctx)
			switch {
			case errors.Is(err, ErrCycleRunning):
				m.logger.Warn("Skipping tick, previous cycle still running")
			case err != nil && !errors.Is(err, context.Canceled):
				m.logger.Error("Monitor cycle failed", "error", err)
			}
		}
	}
}

// Cycle runs one full pass: all feeds, then all threads. Errors in one feed
// or thread are logged and never abort the others; the returned error only
// reflects cancellation or an overlapping cycle.
func (m *Monitor) Cycle(ctx context.Context) error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	defer m.busy.Store(false)

	start := time.Now()
	m.checkFeeds(ctx)
	m.checkThreads(ctx)
	m.logger.Info("Monitor cycle completed", "duration_ms", time.Since(start).Milliseconds())
	return ctx.Err()
}

func (m *Monitor) checkFeeds(ctx context.Context) {
	feeds, err := m.states.ActiveFeeds(ctx)
	if err != nil {
		m.logger.Error("Failed to list active feeds", "error", err)
		return
	}
	if len(feeds) == 0 {
		m.logger.Debug("No active feeds to monitor")
		return
	}

	m.logger.Info("Checking feeds", "count", len(feeds))
	for i, uuid := range feeds {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			m.sleep(ctx, m.opts.FeedDelay)
		}
		if err := m.checkFeed(ctx, uuid); err != nil {
			m.logger.Warn("Feed check failed", "feed", uuid, "error", err)
		}
	}
}

func (m *Monitor) checkThreads(ctx context.Context) {
	threads, err := m.states.Threads(ctx)
	if err != nil {
		m.logger.Error("Failed to list followed threads", "error", err)
		return
	}

	ids := make([]string, 0, len(threads))
	for id := range threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var skipped int
	first := true
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		st := threads[id]
		if m.snoozed(st) {
			skipped++
			continue
		}
		if !first {
			m.sleep(ctx, m.opts.ThreadDelay)
		}
		first = false
		if err := m.syncThread(ctx, id, st); err != nil {
			m.logger.Warn("Thread sync failed", "thread_id", id, "error", err)
		}
	}

	m.logger.Info("Thread check completed",
		"total", len(ids),
		"checked", len(ids)-skipped,
		"skipped_inactive", skipped)
}

// snoozed reports whether a thread is on the reduced inactivity cadence and
// not yet due.
func (m *Monitor) snoozed(st *watch.ThreadState) bool {
	if m.opts.InactiveAfter <= 0 || st.LastNewReplyAt.IsZero() {
		return false
	}
	if time.Since(st.LastNewReplyAt) < m.opts.InactiveAfter {
		return false
	}
	return time.Since(st.LastCheck) < m.opts.InactiveEvery
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

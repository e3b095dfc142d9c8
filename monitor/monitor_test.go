package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"island-watcher/pkg/watch"
)

type fakeForum struct {
	mu          sync.Mutex
	feeds       map[string][][]watch.FeedThread // uuid -> pages, page 1 first
	pages       map[string]map[int]*watch.ThreadPage
	err         error
	threadCalls int
}

func (f *fakeForum) Feed(_ context.Context, uuid string, page int) ([]watch.FeedThread, error) {
	if f.err != nil {
		return nil, f.err
	}
	pages := f.feeds[uuid]
	if page > len(pages) {
		return nil, nil
	}
	return pages[page-1], nil
}

func (f *fakeForum) Thread(_ context.Context, id string, page int) (*watch.ThreadPage, error) {
	f.mu.Lock()
	f.threadCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.pages[id][page]
	if !ok {
		return nil, fmt.Errorf("no page %d for thread %s", page, id)
	}
	return p, nil
}

func (f *fakeForum) ImageURL(img, ext string) string { return "https://img/image/" + img + ext }

type sinkEvent struct {
	kind  string // topic, msg, photo, pin
	chat  int64
	topic int64
	text  string
}

type fakeSink struct {
	mu        sync.Mutex
	events    []sinkEvent
	nextTopic int64
	nextMsg   int64
	failOn    func(text string) bool
}

func (s *fakeSink) CreateTopic(_ context.Context, chatID int64, title string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTopic++
	s.events = append(s.events, sinkEvent{kind: "topic", chat: chatID, text: title})
	return s.nextTopic, nil
}

func (s *fakeSink) SendMessage(_ context.Context, chatID, topicID int64, html string, _ bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil && s.failOn(html) {
		return 0, errors.New("send rejected")
	}
	s.nextMsg++
	s.events = append(s.events, sinkEvent{kind: "msg", chat: chatID, topic: topicID, text: html})
	return s.nextMsg, nil
}

func (s *fakeSink) SendPhoto(_ context.Context, chatID, topicID int64, photoURL string, _ []byte, caption string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != nil && s.failOn(caption) {
		return 0, errors.New("send rejected")
	}
	s.nextMsg++
	s.events = append(s.events, sinkEvent{kind: "photo", chat: chatID, topic: topicID, text: caption})
	return s.nextMsg, nil
}

func (s *fakeSink) Pin(_ context.Context, chatID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{kind: "pin", chat: chatID})
	return nil
}

func (s *fakeSink) ofKind(kind string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeStates struct {
	mu      sync.Mutex
	feeds   map[string]*watch.FeedState
	threads map[string]*watch.ThreadState
	touched []string

	feedEnter chan struct{}
	feedBlock chan struct{}
	enterOnce sync.Once
}

func newFakeStates() *fakeStates {
	return &fakeStates{
		feeds:   make(map[string]*watch.FeedState),
		threads: make(map[string]*watch.ThreadState),
	}
}

func (s *fakeStates) ActiveFeeds(context.Context) ([]string, error) {
	if s.feedEnter != nil {
		s.enterOnce.Do(func() { close(s.feedEnter) })
		<-s.feedBlock
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var uuids []string
	for uuid := range s.feeds {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	return uuids, nil
}

func (s *fakeStates) Feed(_ context.Context, uuid string) (*watch.FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[uuid], nil
}

func (s *fakeStates) UpdateFeedCheck(_ context.Context, uuid string, knownThreads []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[uuid]
	if !ok {
		st = &watch.FeedState{}
		s.feeds[uuid] = st
	}
	st.KnownThreads = knownThreads
	st.LastCheck = time.Now()
	return nil
}

func (s *fakeStates) Threads(context.Context) (map[string]*watch.ThreadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*watch.ThreadState, len(s.threads))
	for id, st := range s.threads {
		out[id] = st
	}
	return out, nil
}

func (s *fakeStates) CreateThread(_ context.Context, threadID string, st *watch.ThreadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = st
	return nil
}

func (s *fakeStates) AdvanceCheckpoint(_ context.Context, threadID string, replyCount int, lastReplyID int64, newContent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not followed", threadID)
	}
	st.LastReplyCount = replyCount
	if lastReplyID > st.LastReplyID {
		st.LastReplyID = lastReplyID
	}
	st.LastCheck = time.Now()
	if newContent {
		st.LastNewReplyAt = time.Now()
	}
	return nil
}

func (s *fakeStates) TouchThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not followed", threadID)
	}
	st.LastCheck = time.Now()
	s.touched = append(s.touched, threadID)
	return nil
}

type fakeRender struct{}

func (fakeRender) TopicTitle(t *watch.FeedThread) string { return "topic-" + t.ID }

func (fakeRender) ThreadMessage(_ context.Context, t *watch.FeedThread) string { return "op-" + t.ID }

func (fakeRender) ReplyMessage(_ context.Context, r *watch.Reply, _ string, _ int) string {
	if r.Content != "" {
		return r.Content
	}
	return fmt.Sprintf("reply-%d", r.ID)
}

func newTestMonitor(forum Forum, sink Sink, states States) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(forum, sink, states, fakeRender{}, nil, Options{}, logger)
}

// page builds a thread page reporting total replies, carrying the given ids.
func page(total int, ids ...int64) *watch.ThreadPage {
	p := &watch.ThreadPage{ReplyCount: total}
	for _, id := range ids {
		p.Replies = append(p.Replies, &watch.Reply{
			ID:       id,
			UserHash: "abcd",
			Content:  fmt.Sprintf("reply-%d", id),
		})
	}
	return p
}

func idRange(from, to int64) []int64 {
	var ids []int64
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func TestCycleDetectsNewFeedThreads(t *testing.T) {
	states := newFakeStates()
	states.feeds["feed-1"] = &watch.FeedState{
		KnownThreads: []string{"5", "6"},
		BoundGroups:  []int64{-100},
	}

	forum := &fakeForum{
		feeds: map[string][][]watch.FeedThread{
			"feed-1": {{
				{ID: "5", UserHash: "aaaa"},
				{ID: "6", UserHash: "bbbb"},
				{ID: "7", UserHash: "cccc", Title: "新串"},
			}},
		},
		pages: map[string]map[int]*watch.ThreadPage{},
	}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	topics := sink.ofKind("topic")
	if len(topics) != 1 || topics[0].text != "topic-7" {
		t.Fatalf("topics = %+v, want one for thread 7 only", topics)
	}

	st := states.threads["7"]
	if st == nil {
		t.Fatal("thread 7 not recorded")
	}
	if len(st.Bindings) != 1 || st.Bindings[0].GroupID != -100 || st.Bindings[0].FeedUUID != "feed-1" {
		t.Errorf("bindings = %+v, want group -100 via feed-1", st.Bindings)
	}
	if len(st.Writer) != 1 || st.Writer[0] != "cccc" {
		t.Errorf("writers = %v, want just the author", st.Writer)
	}

	msgs := sink.ofKind("msg")
	if len(msgs) != 1 || msgs[0].text != "op-7" {
		t.Errorf("messages = %+v, want the opening post once", msgs)
	}
	if pins := sink.ofKind("pin"); len(pins) != 1 {
		t.Errorf("pins = %+v, want the opening post pinned", pins)
	}

	known := states.feeds["feed-1"].KnownThreads
	if len(known) != 3 || known[2] != "7" {
		t.Errorf("known threads = %v, want persisted [5 6 7]", known)
	}
}

func TestCycleSkipsFeedPersistOnFetchError(t *testing.T) {
	states := newFakeStates()
	states.feeds["feed-1"] = &watch.FeedState{
		KnownThreads: []string{"5"},
		BoundGroups:  []int64{-100},
	}
	forum := &fakeForum{err: errors.New("upstream down")}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	known := states.feeds["feed-1"].KnownThreads
	if len(known) != 1 || known[0] != "5" {
		t.Errorf("known threads = %v, want unchanged on fetch error", known)
	}
	if len(sink.events) != 0 {
		t.Errorf("events = %+v, want none", sink.events)
	}
}

func TestSyncThreadTwoPages(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyID: 100,
		Writer:      []string{watch.WriterWildcard},
		Bindings:    []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	forum := &fakeForum{
		pages: map[string]map[int]*watch.ThreadPage{
			"99": {
				1: page(21, idRange(101, 119)...),
				2: page(21, 120, 121),
			},
		},
	}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	st := states.threads["99"]
	if st.LastReplyCount != 21 {
		t.Errorf("LastReplyCount = %d, want 21", st.LastReplyCount)
	}
	if st.LastReplyID != 121 {
		t.Errorf("LastReplyID = %d, want 121", st.LastReplyID)
	}

	msgs := sink.ofKind("msg")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want one batch per page", len(msgs))
	}
	if !strings.Contains(msgs[0].text, "reply-101") || !strings.Contains(msgs[0].text, "reply-119") {
		t.Errorf("first batch missing page 1 replies: %q", msgs[0].text)
	}
	if !strings.Contains(msgs[1].text, "reply-120") || !strings.Contains(msgs[1].text, "reply-121") {
		t.Errorf("second batch missing page 2 replies: %q", msgs[1].text)
	}
}

func TestSyncThreadNothingNew(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyCount: 21,
		LastReplyID:    121,
		Writer:         []string{watch.WriterWildcard},
		Bindings:       []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	forum := &fakeForum{
		pages: map[string]map[int]*watch.ThreadPage{
			"99": {2: page(21, 120, 121)},
		},
	}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(sink.events) != 0 {
		t.Errorf("events = %+v, want none when nothing is new", sink.events)
	}
	if len(states.touched) != 1 || states.touched[0] != "99" {
		t.Errorf("touched = %v, want the check recorded", states.touched)
	}
	if states.threads["99"].LastReplyID != 121 {
		t.Errorf("LastReplyID = %d, want unchanged", states.threads["99"].LastReplyID)
	}
}

func TestSyncThreadFailureKeepsPageCheckpoint(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyID: 100,
		Writer:      []string{watch.WriterWildcard},
		Bindings:    []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	forum := &fakeForum{
		pages: map[string]map[int]*watch.ThreadPage{
			"99": {
				1: page(21, idRange(101, 119)...),
				2: page(21, 120, 121),
			},
		},
	}
	sink := &fakeSink{failOn: func(text string) bool {
		return strings.Contains(text, "reply-120")
	}}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	st := states.threads["99"]
	if st.LastReplyCount != 19 || st.LastReplyID != 119 {
		t.Fatalf("checkpoint = count %d id %d, want page 1 committed, page 2 not", st.LastReplyCount, st.LastReplyID)
	}

	// Next cycle re-delivers page 2 only.
	sink.failOn = nil
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}

	st = states.threads["99"]
	if st.LastReplyCount != 21 || st.LastReplyID != 121 {
		t.Errorf("checkpoint = count %d id %d, want fully caught up", st.LastReplyCount, st.LastReplyID)
	}

	msgs := sink.ofKind("msg")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want page 1 once and page 2 once", len(msgs))
	}
	if strings.Contains(msgs[1].text, "reply-101") {
		t.Errorf("page 1 re-delivered after retry: %q", msgs[1].text)
	}
	if !strings.Contains(msgs[1].text, "reply-120") || !strings.Contains(msgs[1].text, "reply-121") {
		t.Errorf("retry did not deliver page 2: %q", msgs[1].text)
	}
}

func TestSyncThreadIgnoresSentinelReply(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyID: 100,
		Writer:      []string{watch.WriterWildcard},
		Bindings:    []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	forum := &fakeForum{
		pages: map[string]map[int]*watch.ThreadPage{
			"99": {1: page(1, watch.SentinelReplyID)},
		},
	}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	if len(sink.events) != 0 {
		t.Errorf("events = %+v, want the placeholder suppressed", sink.events)
	}
	if got := states.threads["99"].LastReplyID; got != 100 {
		t.Errorf("LastReplyID = %d, placeholder must never become the cursor", got)
	}
}

func TestSyncThreadFilteredRepliesStillAdvanceCursor(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyID: 100,
		Writer:      []string{"abcd"}, // no wildcard
		Bindings:    []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	p := &watch.ThreadPage{ReplyCount: 2, Replies: []*watch.Reply{
		{ID: 101, UserHash: "abcd", Content: "作者更新"},
		{ID: 102, UserHash: "zzzz", Content: "路人回复"},
	}}
	forum := &fakeForum{pages: map[string]map[int]*watch.ThreadPage{"99": {1: p}}}
	sink := &fakeSink{}

	m := newTestMonitor(forum, sink, states)
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	msgs := sink.ofKind("msg")
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "作者更新") || strings.Contains(msgs[0].text, "路人回复") {
		t.Errorf("messages = %+v, want only the listed author's reply", msgs)
	}

	st := states.threads["99"]
	if st.LastReplyID != 102 {
		t.Errorf("LastReplyID = %d, want 102 (filtered replies still consume the cursor)", st.LastReplyID)
	}
	if st.LastReplyCount != 2 {
		t.Errorf("LastReplyCount = %d, want 2", st.LastReplyCount)
	}
}

func TestSyncThreadSkipsInactive(t *testing.T) {
	states := newFakeStates()
	states.threads["99"] = &watch.ThreadState{
		LastReplyID:    100,
		LastCheck:      time.Now().Add(-10 * time.Minute),
		LastNewReplyAt: time.Now().Add(-30 * 24 * time.Hour),
		Writer:         []string{watch.WriterWildcard},
		Bindings:       []watch.Binding{{GroupID: -100, TopicID: 7}},
	}

	forum := &fakeForum{pages: map[string]map[int]*watch.ThreadPage{}}
	sink := &fakeSink{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(forum, sink, states, fakeRender{}, nil, Options{
		InactiveAfter: 7 * 24 * time.Hour,
		InactiveEvery: time.Hour,
	}, logger)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if forum.threadCalls != 0 {
		t.Errorf("thread fetches = %d, want inactive thread skipped entirely", forum.threadCalls)
	}

	// Once the reduced cadence comes due the thread is checked again.
	states.threads["99"].LastCheck = time.Now().Add(-2 * time.Hour)
	forum.pages["99"] = map[int]*watch.ThreadPage{1: page(1, 101)}
	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if msgs := sink.ofKind("msg"); len(msgs) != 1 {
		t.Errorf("messages = %+v, want the due thread checked", msgs)
	}
}

func TestCycleNeverOverlaps(t *testing.T) {
	states := newFakeStates()
	states.feedEnter = make(chan struct{})
	states.feedBlock = make(chan struct{})

	m := newTestMonitor(&fakeForum{}, &fakeSink{}, states)

	done := make(chan error, 1)
	go func() { done <- m.Cycle(context.Background()) }()

	<-states.feedEnter
	if err := m.Cycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("overlapping Cycle err = %v, want ErrCycleRunning", err)
	}

	close(states.feedBlock)
	if err := <-done; err != nil {
		t.Errorf("first Cycle: %v", err)
	}

	// With the first cycle finished a new one may run again.
	states.feedEnter = nil
	if err := m.Cycle(context.Background()); err != nil {
		t.Errorf("follow-up Cycle: %v", err)
	}
}

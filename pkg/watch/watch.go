// Package watch contains the core domain types for the island watcher service.
package watch

import "time"

const (
	// PageSize is the number of replies per thread page served by the forum API.
	// Page arithmetic throughout the sync engine depends on this value.
	PageSize = 19

	// SentinelReplyID marks the forum's "tips" placeholder entry. It appears
	// inside reply lists but is not real content and must never be delivered
	// or used as a cursor.
	SentinelReplyID = 99999999
)

// Reply is a single reply inside a thread. IDs increase monotonically within
// a thread and serve as the deduplication cursor.
type Reply struct {
	ID       int64  `json:"id"`
	UserHash string `json:"user_hash"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Img      string `json:"img"`
	Ext      string `json:"ext"`
	Now      string `json:"now"`
	Admin    int    `json:"admin"`
}

// HasImage reports whether the reply carries an image attachment.
func (r *Reply) HasImage() bool {
	return r.Img != "" && r.Ext != ""
}

// ThreadPage is one page of a thread as returned by the thread endpoint.
// ReplyCount is the server-reported total for the whole thread, not the page.
type ThreadPage struct {
	ID         int64    `json:"id"`
	Fid        int64    `json:"fid"`
	ReplyCount int      `json:"ReplyCount"`
	UserHash   string   `json:"user_hash"`
	Name       string   `json:"name"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Img        string   `json:"img"`
	Ext        string   `json:"ext"`
	Now        string   `json:"now"`
	Admin      int      `json:"admin"`
	Replies    []*Reply `json:"Replies"`
}

// FeedThread is a thread as it appears in a followed feed listing. The feed
// endpoint serializes every field as a string, ids included.
type FeedThread struct {
	ID       string `json:"id"`
	Fid      string `json:"fid"`
	UserHash string `json:"user_hash"`
	Name     string `json:"name"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Img      string `json:"img"`
	Ext      string `json:"ext"`
	Now      string `json:"now"`
}

// HasImage reports whether the thread's opening post carries an image.
func (t *FeedThread) HasImage() bool {
	return t.Img != "" && t.Ext != ""
}

// Binding ties a thread to one delivery destination: a Telegram group and
// the forum topic inside it, plus the feed the binding originated from.
type Binding struct {
	GroupID  int64  `json:"group_id"`
	TopicID  int64  `json:"topic_id"`
	FeedUUID string `json:"feed_uuid,omitempty"`
}

// WriterWildcard in a writer list means every author's replies are relayed.
const WriterWildcard = "*"

// ThreadState is the persisted sync state for one followed thread.
//
// LastReplyID is the authoritative dedup cursor and only ever increases.
// LastReplyCount is an optimistic page locator; it can overcount when the
// forum deletes replies upstream, which is why newness is never derived
// from it.
type ThreadState struct {
	Title          string    `json:"title"`
	LastReplyCount int       `json:"last_reply_count"`
	LastReplyID    int64     `json:"last_reply_id"`
	LastCheck      time.Time `json:"last_check"`
	LastNewReplyAt time.Time `json:"last_new_reply_at,omitzero"`
	Writer         []string  `json:"writer"`
	Bindings       []Binding `json:"bindings"`
}

// WriterListed reports whether the author hash is explicitly on the writer list.
func (s *ThreadState) WriterListed(hash string) bool {
	for _, w := range s.Writer {
		if w == hash {
			return true
		}
	}
	return false
}

// WildcardWriter reports whether the writer list relays all authors.
func (s *ThreadState) WildcardWriter() bool {
	return s.WriterListed(WriterWildcard)
}

// FeedState is the persisted state for one followed feed.
type FeedState struct {
	LastCheck    time.Time `json:"last_check"`
	KnownThreads []string  `json:"known_threads"`
	BoundGroups  []int64   `json:"bound_groups"`
}

// Knows reports whether the thread id has been seen in this feed before.
func (s *FeedState) Knows(threadID string) bool {
	for _, id := range s.KnownThreads {
		if id == threadID {
			return true
		}
	}
	return false
}

// StartPage returns the page the sync engine should resume fetching from
// for a thread that has already processed count replies.
func StartPage(count int) int {
	page := (count + PageSize - 1) / PageSize
	if page < 1 {
		return 1
	}
	return page
}

// MaxPage returns the last page of a thread with total replies.
func MaxPage(total int) int {
	return (total + PageSize - 1) / PageSize
}

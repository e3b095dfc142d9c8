// Package format renders forum content as Telegram-safe HTML messages.
//
// Forum bodies arrive as a small HTML dialect (entities, <br>, decorative
// font tags, [h]…[/h] spoilers, >>No.xxx references). Rendering strips the
// markup down to text, re-escapes it, and reintroduces only the tags the
// sink understands: anchors and spoilers.
package format

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"island-watcher/pkg/watch"
)

const (
	noTitle = "无标题"
	noName  = "无名氏"

	titleRuneLimit = 20
)

// Site supplies frontend URLs and the thread-vs-reference lookup used when
// linking >>No.xxx references.
type Site interface {
	ThreadURL(threadID string) string
	PageURL(threadID string, page int) string
	RefURL(postID string) string
	ImageURL(img, ext string) string
	IsThread(ctx context.Context, id string) (bool, error)
}

// Formatter renders thread and reply messages for one forum site.
type Formatter struct {
	site   Site
	logger *slog.Logger

	// Reference targets never change kind, so lookups are cached for the
	// process lifetime.
	mu      sync.Mutex
	refKind map[string]bool
}

// New creates a formatter.
func New(site Site, logger *slog.Logger) *Formatter {
	return &Formatter{
		site:    site,
		logger:  logger,
		refKind: make(map[string]bool),
	}
}

var (
	breakPattern   = regexp.MustCompile(`(?i)<br\s*/?>`)
	spoilerPattern = regexp.MustCompile(`\[h\]([^\[]+)\[/h\]`)
	refPattern     = regexp.MustCompile(`&gt;&gt;No\.(\d+)`)
	blankPattern   = regexp.MustCompile(`\n{3,}`)
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	entityPattern  = regexp.MustCompile(`&[a-zA-Z0-9#]+;`)
)

// ThreadMessage renders the opening post of a newly detected thread.
func (f *Formatter) ThreadMessage(ctx context.Context, t *watch.FeedThread) string {
	var b strings.Builder
	if t.HasImage() {
		fmt.Fprintf(&b, "<a href=%q>%s</a>\n", f.site.ImageURL(t.Img, t.Ext), escape(t.Img))
	}
	fmt.Fprintf(&b, "<a href=%q>%s</a> | #%s", f.site.ThreadURL(t.ID), t.ID, escape(t.UserHash))
	if t.Title != "" && t.Title != noTitle {
		b.WriteString(" | " + escape(t.Title))
	}
	if t.Name != "" && t.Name != noName {
		b.WriteString(" | " + escape(t.Name))
	}
	b.WriteString(" | " + escape(t.Now) + " \n")
	b.WriteString(f.processContent(ctx, t.Content))
	return b.String()
}

// ReplyMessage renders one reply, linking back to the page it sits on.
func (f *Formatter) ReplyMessage(ctx context.Context, r *watch.Reply, threadID string, page int) string {
	var b strings.Builder
	if r.HasImage() {
		fmt.Fprintf(&b, "<a href=%q>%s</a>\n", f.site.ImageURL(r.Img, r.Ext), escape(r.Img))
	}
	fmt.Fprintf(&b, "<a href=%q>%d</a> | #%s", f.site.PageURL(threadID, page), r.ID, escape(r.UserHash))
	if r.Title != "" && r.Title != noTitle {
		b.WriteString(" | " + escape(r.Title))
	}
	if r.Name != "" && r.Name != noName {
		b.WriteString(" | " + escape(r.Name))
	}
	b.WriteString(" | " + escape(r.Now) + " \n")
	b.WriteString(f.processContent(ctx, r.Content))
	return b.String()
}

// TopicTitle derives the destination topic title for a thread: its title if
// it has a real one, else the author's name, else the first line of the
// opening post, else a numeric placeholder.
func (f *Formatter) TopicTitle(t *watch.FeedThread) string {
	if t.Title != "" && t.Title != noTitle {
		return t.Title
	}
	if t.Name != "" && t.Name != noName {
		return t.Name
	}
	if title := titleFromContent(t.Content); title != "" {
		return title
	}
	return "Thread " + t.ID
}

func titleFromContent(content string) string {
	if content == "" {
		return ""
	}
	text := breakPattern.ReplaceAllString(content, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = entityPattern.ReplaceAllString(text, "")
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	runes := []rune(line)
	if len(runes) > titleRuneLimit {
		line = string(runes[:titleRuneLimit])
	}
	if line == "" || line == noTitle {
		return ""
	}
	return line
}

// processContent converts a forum HTML body to sink-safe HTML: markup is
// flattened to text, text is re-escaped, then spoilers and post references
// come back as tags the sink renders.
func (f *Formatter) processContent(ctx context.Context, content string) string {
	text := breakPattern.ReplaceAllString(content, "\n")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		f.logger.Warn("Failed to parse content HTML, stripping tags instead", "error", err)
		text = tagPattern.ReplaceAllString(text, "")
	} else {
		text = doc.Text()
	}

	text = escape(text)
	text = spoilerPattern.ReplaceAllString(text, "<spoiler>$1</spoiler>")
	text = f.linkRefs(ctx, text)
	text = blankPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// linkRefs turns >>No.xxx references into links, pointing at the thread when
// the id is a thread and at the single-post reference view otherwise.
func (f *Formatter) linkRefs(ctx context.Context, text string) string {
	return refPattern.ReplaceAllStringFunc(text, func(match string) string {
		id := refPattern.FindStringSubmatch(match)[1]
		var target string
		if f.isThread(ctx, id) {
			target = f.site.ThreadURL(id)
		} else {
			target = f.site.RefURL(id)
		}
		return fmt.Sprintf("<a href=%q>&gt;&gt;No.%s</a>", target, id)
	})
}

func (f *Formatter) isThread(ctx context.Context, id string) bool {
	f.mu.Lock()
	kind, ok := f.refKind[id]
	f.mu.Unlock()
	if ok {
		return kind
	}

	kind, err := f.site.IsThread(ctx, id)
	if err != nil {
		// Leave uncached so a later render can retry the lookup.
		f.logger.Warn("Reference lookup failed, linking as post reference", "id", id, "error", err)
		return false
	}

	f.mu.Lock()
	f.refKind[id] = kind
	f.mu.Unlock()
	return kind
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

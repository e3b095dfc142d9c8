package monitor

import (
	"context"
	"fmt"
	"strings"

	"island-watcher/format"
	"island-watcher/pkg/watch"
)

const (
	// maxMessageLength is the sink's message size ceiling.
	maxMessageLength = 4000
	// maxCaptionLength is the sink's photo caption ceiling.
	maxCaptionLength = 1024

	batchSeparator = "\n---\n"
)

// deliverPage fans one page's filtered replies out to every binding. Each
// binding batches independently; a failure on any binding fails the page so
// its checkpoint is not advanced.
func (m *Monitor) deliverPage(ctx context.Context, threadID string, st *watch.ThreadState, replies []*watch.Reply, page int) error {
	for _, b := range st.Bindings {
		if err := m.deliverToBinding(ctx, threadID, b, replies, page); err != nil {
			return fmt.Errorf("group %d: %w", b.GroupID, err)
		}
	}
	return nil
}

// deliverToBinding sends replies in order: text replies are packed into
// batches up to the message ceiling, image replies flush the pending batch
// (to keep order) and go out individually so the destination renders a
// preview. A single oversize reply is pre-split at safe boundaries.
func (m *Monitor) deliverToBinding(ctx context.Context, threadID string, b watch.Binding, replies []*watch.Reply, page int) error {
	var parts []string
	var length int

	flush := func() error {
		if len(parts) == 0 {
			return nil
		}
		_, err := m.sink.SendMessage(ctx, b.GroupID, b.TopicID, strings.Join(parts, batchSeparator), true)
		parts = nil
		length = 0
		return err
	}

	for _, r := range replies {
		msg := m.render.ReplyMessage(ctx, r, threadID, page)

		if r.HasImage() {
			if err := flush(); err != nil {
				return err
			}
			if err := m.sendImageReply(ctx, b, r, msg); err != nil {
				return err
			}
			continue
		}

		for _, chunk := range format.Split(msg, maxMessageLength) {
			need := len(chunk)
			if len(parts) > 0 {
				need += len(batchSeparator)
			}
			if length+need > maxMessageLength {
				if err := flush(); err != nil {
					return err
				}
				need = len(chunk)
			}
			parts = append(parts, chunk)
			length += need
		}
	}

	return flush()
}

// sendImageReply uploads the reply's image with as much of the message as
// fits in a caption; any overflow follows as ordinary messages.
func (m *Monitor) sendImageReply(ctx context.Context, b watch.Binding, r *watch.Reply, msg string) error {
	imageURL := m.forum.ImageURL(r.Img, r.Ext)

	var data []byte
	if m.images != nil {
		fetched, _, err := m.images.Fetch(ctx, imageURL, r.Img+r.Ext)
		if err != nil {
			m.logger.Warn("Image fetch failed, sending by URL",
				"image", r.Img+r.Ext,
				"error", err)
		} else {
			data = fetched
		}
	}

	chunks := format.Split(msg, maxCaptionLength)
	if _, err := m.sink.SendPhoto(ctx, b.GroupID, b.TopicID, imageURL, data, chunks[0]); err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if _, err := m.sink.SendMessage(ctx, b.GroupID, b.TopicID, chunk, true); err != nil {
			return err
		}
	}
	return nil
}

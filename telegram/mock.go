package telegram

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Mock is a sink for local development: it logs every call instead of
// talking to the Bot API and hands out fake topic and message ids.
type Mock struct {
	logger *slog.Logger
	nextID atomic.Int64
}

// NewMock creates a mock sink.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// CreateTopic logs the topic creation and returns a fake topic id.
func (m *Mock) CreateTopic(_ context.Context, chatID int64, title string) (int64, error) {
	id := m.nextID.Add(1)
	m.logger.Info("MOCK createForumTopic", "chat_id", chatID, "title", title, "topic_id", id)
	return id, nil
}

// SendMessage logs the message instead of sending it.
func (m *Mock) SendMessage(_ context.Context, chatID, topicID int64, html string, disablePreview bool) (int64, error) {
	id := m.nextID.Add(1)
	m.logger.Info("MOCK sendMessage",
		"chat_id", chatID,
		"topic_id", topicID,
		"length", len(html),
		"disable_preview", disablePreview)
	return id, nil
}

// SendPhoto logs the photo send instead of performing it.
func (m *Mock) SendPhoto(_ context.Context, chatID, topicID int64, photoURL string, data []byte, caption string) (int64, error) {
	id := m.nextID.Add(1)
	m.logger.Info("MOCK sendPhoto",
		"chat_id", chatID,
		"topic_id", topicID,
		"photo_url", photoURL,
		"uploaded_bytes", len(data),
		"caption_length", len(caption))
	return id, nil
}

// Pin logs the pin instead of performing it.
func (m *Mock) Pin(_ context.Context, chatID, messageID int64) error {
	m.logger.Info("MOCK pinChatMessage", "chat_id", chatID, "message_id", messageID)
	return nil
}

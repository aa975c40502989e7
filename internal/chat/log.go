package chat

import (
	"fmt"
	"log/slog"
	"sync"
)

// LogMessenger renders outbound traffic into the structured log. It stands
// in where a real platform client would plug into the Messenger boundary,
// and keeps thread identity coherent so routing behaves the same way.
type LogMessenger struct {
	log *slog.Logger

	mu  sync.Mutex
	seq int
}

func NewLogMessenger(log *slog.Logger) *LogMessenger {
	return &LogMessenger{log: log.With("component", "chat")}
}

func (m *LogMessenger) nextID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("local-%d", m.seq)
}

func (m *LogMessenger) Post(channelID, text string) (PostResult, error) {
	id := m.nextID()
	m.log.Info("chat post", "channel_id", channelID, "message_id", id, "text", text)
	return PostResult{MessageID: id, ThreadID: id}, nil
}

func (m *LogMessenger) ReplyInThread(channelID, threadID, text string) (PostResult, error) {
	id := m.nextID()
	m.log.Info("chat reply", "channel_id", channelID, "thread_id", threadID, "message_id", id, "text", text)
	return PostResult{MessageID: id, ThreadID: threadID}, nil
}

func (m *LogMessenger) Update(channelID, messageID, text string) error {
	m.log.Info("chat update", "channel_id", channelID, "message_id", messageID, "text", text)
	return nil
}

var _ Messenger = (*LogMessenger)(nil)

package chat

import (
	"fmt"
	"sync"
)

// RecordedMessage is one send captured by MemoryMessenger.
type RecordedMessage struct {
	ChannelID string
	ThreadID  string // empty for top-level posts
	MessageID string
	Text      string
}

// MemoryMessenger is an in-memory Messenger for tests. Failures can be
// injected per call via the Fail* hooks.
type MemoryMessenger struct {
	mu       sync.Mutex
	seq      int
	Messages []RecordedMessage

	// FailPost, FailReply and FailUpdate, when set, are consulted before
	// each call; a non-nil return is surfaced as the send error.
	FailPost   func(channelID string) error
	FailReply  func(channelID, threadID string) error
	FailUpdate func(channelID, messageID string) error
}

func NewMemoryMessenger() *MemoryMessenger {
	return &MemoryMessenger{}
}

func (m *MemoryMessenger) Post(channelID, text string) (PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPost != nil {
		if err := m.FailPost(channelID); err != nil {
			return PostResult{}, err
		}
	}
	m.seq++
	id := fmt.Sprintf("m%d", m.seq)
	m.Messages = append(m.Messages, RecordedMessage{
		ChannelID: channelID,
		MessageID: id,
		Text:      text,
	})
	// A top-level message opens its own thread.
	return PostResult{MessageID: id, ThreadID: id}, nil
}

func (m *MemoryMessenger) ReplyInThread(channelID, threadID, text string) (PostResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReply != nil {
		if err := m.FailReply(channelID, threadID); err != nil {
			return PostResult{}, err
		}
	}
	m.seq++
	id := fmt.Sprintf("m%d", m.seq)
	m.Messages = append(m.Messages, RecordedMessage{
		ChannelID: channelID,
		ThreadID:  threadID,
		MessageID: id,
		Text:      text,
	})
	return PostResult{MessageID: id, ThreadID: threadID}, nil
}

func (m *MemoryMessenger) Update(channelID, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		if err := m.FailUpdate(channelID, messageID); err != nil {
			return err
		}
	}
	for i := range m.Messages {
		if m.Messages[i].MessageID == messageID && m.Messages[i].ChannelID == channelID {
			m.Messages[i].Text = text
			return nil
		}
	}
	return fmt.Errorf("message %s not found in channel %s", messageID, channelID)
}

// Recorded returns a snapshot of everything sent so far.
func (m *MemoryMessenger) Recorded() []RecordedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

var _ Messenger = (*MemoryMessenger)(nil)

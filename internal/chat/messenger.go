// Package chat is the bridge's outbound surface to the operator: a chat
// platform boundary, a rate-limited send queue, and desktop notification
// fallback.
package chat

import "errors"

// ErrRateLimited is returned by a Messenger when the platform pushed back;
// the queue retries after a delay.
var ErrRateLimited = errors.New("chat: rate limited")

// ErrThreadFull is returned when the platform refuses more replies in a
// thread. The caller falls back to a top-level message; the session's
// thread binding never changes.
var ErrThreadFull = errors.New("chat: thread reply limit reached")

// PostResult identifies the message a send produced.
type PostResult struct {
	MessageID string
	ThreadID  string
}

// Messenger is the chat platform boundary. Implementations post to a
// channel, reply in a thread, and edit previously posted messages.
type Messenger interface {
	// Post sends a top-level channel message and returns ids the caller
	// can thread replies under.
	Post(channelID, text string) (PostResult, error)

	// ReplyInThread appends to an existing thread. Returns ErrThreadFull
	// when the platform will not take more replies there.
	ReplyInThread(channelID, threadID, text string) (PostResult, error)

	// Update edits a previously posted message in place.
	Update(channelID, messageID, text string) error
}

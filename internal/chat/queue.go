package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queue wraps a Messenger with a token bucket and rate-limit retry, so
// event bursts (a chatty agent, a stall sweep) never trip the platform's
// limits. Sends are synchronous; callers already run on the daemon's
// consumer goroutine.
type Queue struct {
	inner Messenger
	log   *slog.Logger

	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	retryDelay time.Duration
	maxRetries int
}

// QueueConfig tunes the outbound queue. Zero values pick safe defaults.
type QueueConfig struct {
	Burst      int           // bucket size, default 5
	PerSecond  float64       // sustained rate, default 1/s
	RetryDelay time.Duration // wait after ErrRateLimited, default 2s
	MaxRetries int           // rate-limit retries per send, default 3
}

func NewQueue(inner Messenger, cfg QueueConfig, log *slog.Logger) *Queue {
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{
		inner:      inner,
		log:        log,
		tokens:     float64(cfg.Burst),
		maxTokens:  float64(cfg.Burst),
		refillRate: cfg.PerSecond,
		lastRefill: time.Now(),
		retryDelay: cfg.RetryDelay,
		maxRetries: cfg.MaxRetries,
	}
}

func (q *Queue) take() {
	for {
		q.mu.Lock()
		now := time.Now()
		q.tokens += now.Sub(q.lastRefill).Seconds() * q.refillRate
		if q.tokens > q.maxTokens {
			q.tokens = q.maxTokens
		}
		q.lastRefill = now
		if q.tokens >= 1 {
			q.tokens--
			q.mu.Unlock()
			return
		}
		deficit := 1 - q.tokens
		q.mu.Unlock()
		time.Sleep(time.Duration(deficit / q.refillRate * float64(time.Second)))
	}
}

func (q *Queue) withRetry(send func() error) error {
	var err error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		q.take()
		err = send()
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		q.log.Warn("chat send rate limited, backing off", "attempt", attempt+1)
		time.Sleep(q.retryDelay)
	}
	return err
}

func (q *Queue) Post(channelID, text string) (PostResult, error) {
	var result PostResult
	err := q.withRetry(func() error {
		var err error
		result, err = q.inner.Post(channelID, text)
		return err
	})
	return result, err
}

// ReplyInThread appends to the thread; when the platform refuses more
// replies it falls back to a top-level post so the message still lands.
func (q *Queue) ReplyInThread(channelID, threadID, text string) (PostResult, error) {
	var result PostResult
	err := q.withRetry(func() error {
		var err error
		result, err = q.inner.ReplyInThread(channelID, threadID, text)
		return err
	})
	if errors.Is(err, ErrThreadFull) {
		q.log.Info("thread full, continuing at top level", "channel_id", channelID, "thread_id", threadID)
		return q.Post(channelID, text)
	}
	return result, err
}

func (q *Queue) Update(channelID, messageID, text string) error {
	return q.withRetry(func() error {
		return q.inner.Update(channelID, messageID, text)
	})
}

var _ Messenger = (*Queue)(nil)

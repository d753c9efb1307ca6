package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/pkg/api"
)

// Outbox queues messages for the connection writer. Messages leave in the
// order they were queued; the returned channel reports the write result.
type Outbox interface {
	Send(msg api.ServerEnvelope) <-chan error
}

// Bridge is the agent.Callback of one turn. It runs on the worker goroutine
// and only ever talks to the Outbox.
type Bridge struct {
	signal      *Signal
	out         Outbox
	sendTimeout time.Duration
	logger      *slog.Logger
	started     time.Time

	mu     sync.Mutex
	sealed bool
	tokens int
	ttft   time.Duration
	text   strings.Builder
}

func NewBridge(signal *Signal, out Outbox, sendTimeout time.Duration, logger *slog.Logger) *Bridge {
	return &Bridge{
		signal:      signal,
		out:         out,
		sendTimeout: sendTimeout,
		logger:      logger,
		started:     time.Now(),
	}
}

// Callback aborts with agent.ErrCancelled once the signal is set or the
// bridge is sealed. Otherwise each non-empty chunk becomes a token message
// and the call waits, bounded by the send timeout, for it to be written.
func (b *Bridge) Callback(c agent.Chunk) error {
	b.mu.Lock()
	if b.sealed || b.signal.IsSet() {
		b.mu.Unlock()
		return agent.ErrCancelled
	}
	if c.Data == "" {
		b.mu.Unlock()
		return nil
	}
	if b.tokens == 0 {
		b.ttft = time.Since(b.started)
		b.logger.Debug("first token", "ttft", b.ttft)
	}
	b.tokens++
	b.text.WriteString(c.Data)
	res := b.out.Send(api.Token(c.Data))
	b.mu.Unlock()

	timer := time.NewTimer(b.sendTimeout)
	defer timer.Stop()
	select {
	case err := <-res:
		if err != nil {
			b.logger.Debug("token send failed", "error", err)
		}
	case <-timer.C:
		b.logger.Warn("token send timed out, stopped waiting; token stays queued", "timeout", b.sendTimeout)
	case <-b.signal.Done():
		return agent.ErrCancelled
	}
	return nil
}

// Seal stops the bridge for good. Anything queued after Seal returns is
// guaranteed to follow every token of this turn.
func (b *Bridge) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

func (b *Bridge) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Text is the concatenation of every token sent so far.
func (b *Bridge) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

func (b *Bridge) TTFT() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttft
}

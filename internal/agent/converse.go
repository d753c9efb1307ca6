package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Request is one model round: the full conversation so far plus settings.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// Response is the assistant message produced by one round.
type Response struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
}

// Model performs a single streaming round against a provider. onText is
// called for every text delta, in order; a non-nil return must abort the
// round and be returned.
type Model interface {
	Stream(ctx context.Context, req Request, onText func(string) error) (Response, error)
}

const DefaultMaxToolRounds = 8

type Options struct {
	System        string
	MaxTokens     int
	Temperature   float64
	Tools         *Toolbox
	MaxToolRounds int

	// Closers are released when the agent is closed (MCP sessions and the
	// like).
	Closers []io.Closer
	Logger  *slog.Logger
}

// ConverseAgent keeps the conversation history for a Model and runs the
// tool loop on top of it.
type ConverseAgent struct {
	model Model
	opts  Options

	history []Message
	usage   Usage

	closeOnce sync.Once
	closeErr  error
}

var _ Agent = (*ConverseAgent)(nil)

func NewConverseAgent(model Model, opts Options) *ConverseAgent {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ConverseAgent{model: model, opts: opts}
}

// Invoke appends msg to the conversation and runs model rounds until the
// model stops without requesting tools. The callback is consulted once before
// every round, so an abort is observed between tool rounds even when no
// text is streaming. On any error the conversation is rolled back to its
// state before the call.
func (a *ConverseAgent) Invoke(ctx context.Context, msg Message, cb Callback) (string, error) {
	mark := len(a.history)
	a.history = append(a.history, msg)

	out, err := a.run(ctx, cb)
	if err != nil {
		a.history = a.history[:mark]
		return "", err
	}
	return out, nil
}

func (a *ConverseAgent) run(ctx context.Context, cb Callback) (string, error) {
	var text strings.Builder
	for round := 0; round < a.opts.MaxToolRounds; round++ {
		if err := cb(Chunk{}); err != nil {
			return "", err
		}

		resp, err := a.model.Stream(ctx, Request{
			System:      a.opts.System,
			Messages:    a.history,
			Tools:       a.opts.Tools.Specs(),
			MaxTokens:   a.opts.MaxTokens,
			Temperature: a.opts.Temperature,
		}, func(delta string) error {
			return cb(Chunk{Data: delta})
		})
		if err != nil {
			return "", err
		}
		resp.Message.Role = RoleAssistant
		a.history = append(a.history, resp.Message)
		a.usage.Add(resp.Usage)
		text.WriteString(resp.Message.Text())

		uses := resp.Message.ToolUses()
		if resp.StopReason != StopToolUse || len(uses) == 0 {
			if err := cb(Chunk{Complete: true}); err != nil {
				return "", err
			}
			return text.String(), nil
		}

		results := Message{Role: RoleUser}
		for _, use := range uses {
			a.opts.Logger.Debug("running tool", "tool", use.Name, "tool_use_id", use.ID)
			res := a.opts.Tools.Run(ctx, use)
			results.Parts = append(results.Parts, Part{ToolResult: &res})
		}
		a.history = append(a.history, results)
	}
	return "", fmt.Errorf("%w: %d rounds", ErrTooManyToolRounds, a.opts.MaxToolRounds)
}

// History returns a copy of the conversation.
func (a *ConverseAgent) History() []Message {
	return append([]Message(nil), a.history...)
}

func (a *ConverseAgent) Usage() Usage {
	return a.usage
}

func (a *ConverseAgent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		for _, c := range a.opts.Closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

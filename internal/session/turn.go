package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/prompt"
)

// TurnState tracks where a connection is in the request/response cycle.
type TurnState int

const (
	StateIdle TurnState = iota
	StateAwaitingRequest
	StateRunning
	StateDraining
	StateResolved
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a turn.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeCancelled
	OutcomeTimeout
	OutcomeError
	// OutcomeSilent resolves a turn whose connection is gone.
	OutcomeSilent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	case OutcomeSilent:
		return "silent"
	default:
		return "unknown"
	}
}

type result struct {
	text string
	err  error
}

// Turn is one generation: its worker goroutine, cancellation signal,
// streaming bridge and the control events seen while it ran. Everything
// except the worker itself is owned by the connection goroutine.
type Turn struct {
	ID       string
	Started  time.Time
	ModeType prompt.ModeType
	Signal   *Signal
	Bridge   *Bridge

	ctx    context.Context
	cancel context.CancelFunc
	done   chan result
	state  TurnState

	clientCancelled bool
	resetPending    bool
	timedOut        bool
	disconnected    bool
	drainUntil      time.Time

	logger *slog.Logger
}

func newTurn(ctx context.Context, modeType prompt.ModeType, out Outbox, sendTimeout time.Duration, logger *slog.Logger) *Turn {
	id := uuid.NewString()
	logger = logger.With("turn_id", id)
	sig := NewSignal()
	workerCtx, cancel := context.WithCancel(ctx)
	return &Turn{
		ID:       id,
		Started:  time.Now(),
		ModeType: modeType,
		Signal:   sig,
		Bridge:   NewBridge(sig, out, sendTimeout, logger),
		ctx:      workerCtx,
		cancel:   cancel,
		done:     make(chan result, 1),
		state:    StateAwaitingRequest,
		logger:   logger,
	}
}

func (t *Turn) State() TurnState {
	return t.state
}

func (t *Turn) setState(s TurnState) {
	if t.state == s {
		return
	}
	t.logger.Debug("turn state", "from", t.state, "to", s)
	t.state = s
}

// start runs handle.Invoke on a new goroutine. Its result, or a panic turned
// into an error, is delivered on t.done, which never blocks the worker.
func (t *Turn) start(handle agent.Agent, msg agent.Message) {
	t.setState(StateRunning)
	go func() {
		var res result
		defer func() {
			if r := recover(); r != nil {
				res = result{err: fmt.Errorf("agent panic: %v", r)}
			}
			t.done <- res
		}()
		text, err := handle.Invoke(t.ctx, msg, t.Bridge.Callback)
		res = result{text: text, err: err}
	}()
}

// drain moves a running turn to Draining with the given deadline. An
// earlier deadline is kept.
func (t *Turn) drain(until time.Time) {
	if t.state == StateDraining && t.drainUntil.Before(until) {
		return
	}
	t.drainUntil = until
	t.setState(StateDraining)
}

// drainExpired reports whether a draining turn ran out of grace.
func (t *Turn) drainExpired(now time.Time) bool {
	return t.state == StateDraining && !now.Before(t.drainUntil)
}

// Cleanup cancels the worker context. The worker sees it on its next
// blocking call into the backend.
func (t *Turn) Cleanup() {
	t.cancel()
}

// decide maps the worker result and the control events seen during the turn
// onto exactly one outcome.
func (t *Turn) decide(err error) Outcome {
	switch {
	case t.disconnected:
		return OutcomeSilent
	case err == nil:
		if t.clientCancelled {
			return OutcomeCancelled
		}
		return OutcomeDone
	case t.clientCancelled:
		return OutcomeCancelled
	case t.timedOut:
		return OutcomeTimeout
	case agent.IsCancelled(err):
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

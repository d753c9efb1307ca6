// Package session runs the per-connection conversation: it validates each
// request, keeps the agent handle across turns and drives one generation at
// a time while the connection stays responsive to control messages.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/prompt"
	"github.com/ricochet1k/ghosttype/pkg/api"
)

// Inbound is one frame from the connection reader. Err is set when the frame
// was not valid JSON. The reader closes its channel on disconnect.
type Inbound struct {
	Msg api.ClientEnvelope
	Err error
}

var errDisconnected = errors.New("client disconnected")

// Session is the state of one connection. It is driven by Serve and must
// not be shared between connections.
type Session struct {
	id     string
	cfg    *config.Config
	cache  *Cache
	out    Outbox
	logger *slog.Logger

	turns int
}

func New(id string, cfg *config.Config, builder Builder, out Outbox, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conn_id", id)
	return &Session{
		id:     id,
		cfg:    cfg,
		cache:  NewCache(builder, logger),
		out:    out,
		logger: logger,
	}
}

func (s *Session) ID() string {
	return s.id
}

// Serve handles inbound frames until the channel is closed or ctx is done.
// The agent handle is released on return.
func (s *Session) Serve(ctx context.Context, inbound <-chan Inbound) error {
	defer s.cache.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				s.logger.Info("client disconnected")
				return nil
			}
			err := s.handle(ctx, in, inbound)
			if errors.Is(err, errDisconnected) {
				s.logger.Info("client disconnected during generation")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, in Inbound, inbound <-chan Inbound) error {
	if in.Err != nil {
		s.logger.Warn("invalid JSON from client", "error", in.Err)
		s.send(api.Error("Invalid JSON: " + in.Err.Error()))
		return nil
	}

	if !in.Msg.IsControl() {
		return s.runTurn(ctx, in.Msg, inbound)
	}
	switch in.Msg.Type {
	case api.ClientMessageTypeCancel:
		s.logger.Debug("cancel with no active generation, ignoring")
	case api.ClientMessageTypeNewConversation:
		s.logger.Info("new conversation requested, resetting agent")
		s.cache.Reset()
		s.send(api.ConversationReset())
	default:
		s.logger.Warn("unknown message type", "type", in.Msg.Type)
		s.send(api.Error("Unknown message type: " + string(in.Msg.Type)))
	}
	return nil
}

func (s *Session) send(msg api.ServerEnvelope) {
	s.out.Send(msg)
}

// runTurn drives one generation from request to terminal message.
func (s *Session) runTurn(ctx context.Context, req api.ClientEnvelope, inbound <-chan Inbound) error {
	prepared, err := prompt.Prepare(req, s.logger)
	if err != nil {
		s.logger.Debug("rejected request", "error", err)
		if prompt.IsRequestError(err) {
			s.send(api.Error(err.Error()))
		} else {
			s.send(api.Error(FriendlyError(err)))
		}
		return nil
	}

	binding := s.cfg.Resolve(prepared.Config)
	s.turns++
	turn := newTurn(ctx, prepared.ModeType, s.out, s.cfg.SendTimeout, s.logger)
	defer turn.Cleanup()
	logger := turn.logger

	logger.Info("generating",
		"turn", s.turns,
		"mode", prepared.Mode,
		"mode_type", prepared.ModeType,
		"provider", binding.Provider,
		"model", binding.ModelID,
		"prompt_len", prepared.PromptLen,
		"context_len", prepared.ContextLen,
		"screenshot", prepared.HasScreenshot)

	handle, rebuilt, err := s.cache.GetOrBuild(ctx, binding, prepared.ModeType)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		s.send(api.Error(FriendlyError(err)))
		return nil
	}
	if rebuilt {
		logger.Info("created agent", "provider", binding.Provider, "mode_type", prepared.ModeType)
	}

	turn.start(handle, prepared.Message)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-turn.done:
			return s.resolve(turn, res)

		case in, ok := <-inbound:
			if !ok {
				logger.Info("client disconnected, stopping generation")
				turn.disconnected = true
				turn.Signal.Set(ReasonDisconnect)
				turn.drain(time.Now().Add(s.cfg.GracePeriod))
				inbound = nil
				continue
			}
			s.control(turn, in)

		case now := <-ticker.C:
			if turn.State() == StateRunning && now.Sub(turn.Started) >= s.cfg.GenerationTimeout {
				logger.Warn("generation timed out", "elapsed", now.Sub(turn.Started))
				turn.timedOut = true
				turn.Signal.Set(ReasonTimeout)
				turn.drain(now.Add(s.cfg.GracePeriod))
			}
			if turn.drainExpired(now) {
				return s.abandon(turn)
			}

		case <-ctx.Done():
			turn.Signal.Set(ReasonDisconnect)
			turn.Cleanup()
			turn.Bridge.Seal()
			return ctx.Err()
		}
	}
}

// control applies a frame received while a turn is in flight.
func (s *Session) control(turn *Turn, in Inbound) {
	logger := turn.logger
	if in.Err != nil {
		logger.Warn("ignoring invalid JSON during generation", "error", in.Err)
		return
	}
	if !in.Msg.IsControl() {
		logger.Warn("ignoring generation request while another is in flight")
		return
	}
	switch in.Msg.Type {
	case api.ClientMessageTypeCancel:
		logger.Info("cancel requested by client")
		turn.clientCancelled = true
		turn.Signal.Set(ReasonClient)
	case api.ClientMessageTypeNewConversation:
		logger.Info("new conversation requested during generation")
		turn.clientCancelled = true
		turn.resetPending = true
		turn.Signal.Set(ReasonNewConversation)
	default:
		logger.Warn("ignoring unknown message during generation", "type", in.Msg.Type)
	}
}

// resolve sends the single terminal message for a finished worker.
func (s *Session) resolve(turn *Turn, res result) error {
	turn.Bridge.Seal()
	turn.setState(StateResolved)
	logger := turn.logger
	outcome := turn.decide(res.err)

	switch outcome {
	case OutcomeSilent:
		logger.Debug("generation finished after disconnect", "error", res.err)
		return errDisconnected
	case OutcomeDone:
		text := res.text
		if text == "" {
			text = turn.Bridge.Text()
		}
		logger.Info("generation complete",
			"tokens", turn.Bridge.Tokens(),
			"ttft", turn.Bridge.TTFT(),
			"elapsed", time.Since(turn.Started))
		s.send(api.Done(text))
	case OutcomeCancelled:
		logger.Info("generation cancelled", "reason", turn.Signal.Reason(), "tokens", turn.Bridge.Tokens())
		s.send(api.Cancelled())
	case OutcomeTimeout:
		logger.Warn("generation stopped after timeout", "error", res.err)
		s.send(api.Error(TimeoutMessage))
		s.cache.Reset()
	case OutcomeError:
		logger.Error("generation error", "error", res.err)
		s.send(api.Error(FriendlyError(res.err)))
	}
	s.afterResolve(turn)
	return nil
}

// abandon resolves a turn whose worker ignored the signal for the whole
// grace period. The worker context is cancelled and whatever it still
// produces is discarded; the handle is presumed broken.
func (s *Session) abandon(turn *Turn) error {
	turn.Cleanup()
	turn.Bridge.Seal()
	turn.setState(StateResolved)
	turn.logger.Warn("generation worker did not stop, abandoning", "grace", s.cfg.GracePeriod)
	s.cache.Reset()
	if turn.disconnected {
		return errDisconnected
	}
	s.send(api.Error(TimeoutMessage))
	s.afterResolve(turn)
	return nil
}

func (s *Session) afterResolve(turn *Turn) {
	if turn.resetPending {
		s.cache.Reset()
		s.send(api.ConversationReset())
	}
}

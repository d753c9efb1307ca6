package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/prompt"
	"github.com/ricochet1k/ghosttype/pkg/api"
)

type recordingOutbox struct {
	mu   sync.Mutex
	msgs []api.ServerEnvelope
}

func (o *recordingOutbox) Send(msg api.ServerEnvelope) <-chan error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	res := make(chan error, 1)
	res <- nil
	return res
}

func (o *recordingOutbox) messages() []api.ServerEnvelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]api.ServerEnvelope(nil), o.msgs...)
}

func (o *recordingOutbox) waitFor(t *testing.T, cond func([]api.ServerEnvelope) bool) []api.ServerEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := o.messages(); cond(msgs) {
			return msgs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met, messages = %s", describe(o.messages()))
	return nil
}

// waitTerminals waits until n terminal messages were sent.
func (o *recordingOutbox) waitTerminals(t *testing.T, n int) []api.ServerEnvelope {
	t.Helper()
	return o.waitFor(t, func(msgs []api.ServerEnvelope) bool { return countTerminals(msgs) >= n })
}

func countTerminals(msgs []api.ServerEnvelope) int {
	n := 0
	for _, m := range msgs {
		if m.Type.IsTerminal() {
			n++
		}
	}
	return n
}

func describe(msgs []api.ServerEnvelope) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.Type)
		if m.Content != nil {
			parts[i] += "(" + *m.Content + ")"
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type invokeFunc func(ctx context.Context, msg agent.Message, cb agent.Callback) (string, error)

type fakeAgent struct {
	invoke invokeFunc
	calls  atomic.Int32
	closed atomic.Bool
}

func (a *fakeAgent) Invoke(ctx context.Context, msg agent.Message, cb agent.Callback) (string, error) {
	a.calls.Add(1)
	return a.invoke(ctx, msg, cb)
}

func (a *fakeAgent) Close() error {
	a.closed.Store(true)
	return nil
}

type fakeBuilder struct {
	invoke invokeFunc
	err    error

	mu       sync.Mutex
	agents   []*fakeAgent
	bindings []config.Resolved
	modes    []prompt.ModeType
}

func (b *fakeBuilder) Build(_ context.Context, binding config.Resolved, modeType prompt.ModeType) (agent.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	a := &fakeAgent{invoke: b.invoke}
	b.agents = append(b.agents, a)
	b.bindings = append(b.bindings, binding)
	b.modes = append(b.modes, modeType)
	return a, nil
}

func (b *fakeBuilder) builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.agents)
}

func (b *fakeBuilder) agent(i int) *fakeAgent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agents[i]
}

// streamText sends each piece as a token and returns their concatenation.
func streamText(pieces ...string) invokeFunc {
	return func(_ context.Context, _ agent.Message, cb agent.Callback) (string, error) {
		for _, p := range pieces {
			if err := cb(agent.Chunk{Data: p}); err != nil {
				return "", err
			}
		}
		if err := cb(agent.Chunk{Complete: true}); err != nil {
			return "", err
		}
		return strings.Join(pieces, ""), nil
	}
}

// streamUntilStopped sends one token and then keeps consulting the callback
// until it aborts.
func streamUntilStopped(first string) invokeFunc {
	return func(ctx context.Context, _ agent.Message, cb agent.Callback) (string, error) {
		if err := cb(agent.Chunk{Data: first}); err != nil {
			return "", err
		}
		for {
			if err := cb(agent.Chunk{}); err != nil {
				return "", err
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(2 * time.Millisecond):
			}
		}
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.GenerationTimeout = 5 * time.Second
	cfg.GracePeriod = 200 * time.Millisecond
	cfg.SendTimeout = 200 * time.Millisecond
	return cfg
}

type harness struct {
	in      chan Inbound
	out     *recordingOutbox
	builder *fakeBuilder
	served  chan error
}

func startSession(t *testing.T, cfg *config.Config, b *fakeBuilder) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		in:      make(chan Inbound, 8),
		out:     &recordingOutbox{},
		builder: b,
		served:  make(chan error, 1),
	}
	s := New("conn-1", cfg, b, h.out, slog.New(slog.DiscardHandler))
	go func() { h.served <- s.Serve(ctx, h.in) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) request(req api.ClientEnvelope) {
	h.in <- Inbound{Msg: req}
}

func (h *harness) generate(p string) {
	h.request(api.ClientEnvelope{Prompt: p})
}

func (h *harness) control(typ api.ClientMessageType) {
	h.in <- Inbound{Msg: api.ClientEnvelope{Type: typ}}
}

func (h *harness) waitServed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.served:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func hasToken(msgs []api.ServerEnvelope) bool {
	for _, m := range msgs {
		if m.Type == api.ServerMessageTypeToken {
			return true
		}
	}
	return false
}

func last(msgs []api.ServerEnvelope) api.ServerEnvelope {
	return msgs[len(msgs)-1]
}

func TestSession_StreamsTokensThenDone(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("Hel", "lo")})

	h.generate("Hello")
	msgs := h.out.waitTerminals(t, 1)

	if got := describe(msgs); got != "[token(Hel) token(lo) done(Hello)]" {
		t.Errorf("messages = %s", got)
	}
	if h.builder.builds() != 1 {
		t.Errorf("builds = %d, want 1", h.builder.builds())
	}
	if h.builder.modes[0] != prompt.ModeTypeChat {
		t.Errorf("mode type = %q, want chat", h.builder.modes[0])
	}
}

func TestSession_DoneFallsBackToStreamedText(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: func(_ context.Context, _ agent.Message, cb agent.Callback) (string, error) {
		_ = cb(agent.Chunk{Data: "partial"})
		return "", nil
	}})

	h.generate("Hello")
	msgs := h.out.waitTerminals(t, 1)
	if m := last(msgs); m.Type != api.ServerMessageTypeDone || m.Text() != "partial" {
		t.Errorf("messages = %s", describe(msgs))
	}
}

func TestSession_ReusesHandleForSameBinding(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.generate("one")
	h.out.waitTerminals(t, 1)
	h.generate("two")
	h.out.waitTerminals(t, 2)

	if h.builder.builds() != 1 {
		t.Fatalf("builds = %d, want 1", h.builder.builds())
	}
	if calls := h.builder.agent(0).calls.Load(); calls != 2 {
		t.Errorf("invoke calls = %d, want 2", calls)
	}
}

func TestSession_RebuildsOnBindingChange(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.generate("one")
	h.out.waitTerminals(t, 1)
	h.request(api.ClientEnvelope{Prompt: "two", ModeType: "draft"})
	h.out.waitTerminals(t, 2)
	h.request(api.ClientEnvelope{Prompt: "three", ModeType: "draft", Config: &api.ModelConfig{AWSRegion: "eu-west-1"}})
	h.out.waitTerminals(t, 3)

	if h.builder.builds() != 3 {
		t.Fatalf("builds = %d, want 3", h.builder.builds())
	}
	if !h.builder.agent(0).closed.Load() || !h.builder.agent(1).closed.Load() {
		t.Error("replaced handles not closed")
	}
	if h.builder.bindings[2].AWSRegion != "eu-west-1" {
		t.Errorf("binding = %+v", h.builder.bindings[2])
	}
}

func TestSession_CancelDuringGeneration(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamUntilStopped("first")})

	h.generate("long")
	h.out.waitFor(t, hasToken)
	h.control(api.ClientMessageTypeCancel)
	msgs := h.out.waitTerminals(t, 1)

	if got := describe(msgs); got != "[token(first) cancelled]" {
		t.Errorf("messages = %s", got)
	}
	if h.builder.agent(0).closed.Load() {
		t.Error("cancel must not discard the handle")
	}
}

func TestSession_CancelWhileIdleIsSilent(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.control(api.ClientMessageTypeCancel)
	h.generate("hi")
	msgs := h.out.waitTerminals(t, 1)

	if got := describe(msgs); got != "[token(ok) done(ok)]" {
		t.Errorf("messages = %s", got)
	}
}

func TestSession_InvalidJSONKeepsConnection(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.in <- Inbound{Err: errors.New("unexpected character")}
	h.generate("hi")
	msgs := h.out.waitTerminals(t, 2)

	if msgs[0].Type != api.ServerMessageTypeError || msgs[0].Text() != "Invalid JSON: unexpected character" {
		t.Errorf("first message = %s", describe(msgs[:1]))
	}
	if last(msgs).Type != api.ServerMessageTypeDone {
		t.Errorf("messages = %s", describe(msgs))
	}
}

func TestSession_ValidationErrors(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("fixed")})

	h.generate("")
	h.request(api.ClientEnvelope{Prompt: "x", Mode: "shout"})
	h.request(api.ClientEnvelope{Mode: "fix", Context: "Ths has errros"})
	msgs := h.out.waitTerminals(t, 3)

	if got := describe(msgs); got != "[error(Empty prompt) error(Invalid mode: shout) token(fixed) done(fixed)]" {
		t.Errorf("messages = %s", got)
	}
	if h.builder.builds() != 1 || h.builder.modes[0] != prompt.ModeTypeDraft {
		t.Errorf("builds = %d modes = %v", h.builder.builds(), h.builder.modes)
	}
}

func TestSession_UnknownControlType(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.control("pause")
	msgs := h.out.waitTerminals(t, 1)
	if got := describe(msgs); got != "[error(Unknown message type: pause)]" {
		t.Errorf("messages = %s", got)
	}
}

func TestSession_NewConversationWhileIdle(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})

	h.generate("one")
	h.out.waitTerminals(t, 1)
	h.control(api.ClientMessageTypeNewConversation)
	h.out.waitFor(t, func(msgs []api.ServerEnvelope) bool {
		return last(msgs).Type == api.ServerMessageTypeConversationReset
	})
	if !h.builder.agent(0).closed.Load() {
		t.Error("handle not discarded")
	}

	h.generate("two")
	h.out.waitTerminals(t, 2)
	if h.builder.builds() != 2 {
		t.Errorf("builds = %d, want 2", h.builder.builds())
	}
}

func TestSession_NewConversationDuringGeneration(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamUntilStopped("first")})

	h.generate("long")
	h.out.waitFor(t, hasToken)
	h.control(api.ClientMessageTypeNewConversation)
	msgs := h.out.waitFor(t, func(msgs []api.ServerEnvelope) bool {
		return last(msgs).Type == api.ServerMessageTypeConversationReset
	})

	if got := describe(msgs); got != "[token(first) cancelled conversation_reset]" {
		t.Errorf("messages = %s", got)
	}
	if !h.builder.agent(0).closed.Load() {
		t.Error("handle not discarded")
	}
}

func TestSession_RequestDuringGenerationIsDropped(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamUntilStopped("first")})

	h.generate("long")
	h.out.waitFor(t, hasToken)
	h.generate("another")
	h.in <- Inbound{Err: errors.New("garbage")}
	h.control(api.ClientMessageTypeCancel)
	msgs := h.out.waitTerminals(t, 1)

	if got := describe(msgs); got != "[token(first) cancelled]" {
		t.Errorf("messages = %s", got)
	}
	if calls := h.builder.agent(0).calls.Load(); calls != 1 {
		t.Errorf("invoke calls = %d, want 1", calls)
	}
}

func TestSession_TimeoutForcesRebuild(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationTimeout = 40 * time.Millisecond
	b := &fakeBuilder{invoke: streamUntilStopped("first")}
	h := startSession(t, cfg, b)

	h.generate("long")
	msgs := h.out.waitTerminals(t, 1)
	if m := last(msgs); m.Type != api.ServerMessageTypeError || m.Text() != TimeoutMessage {
		t.Fatalf("messages = %s", describe(msgs))
	}
	if !b.agent(0).closed.Load() {
		t.Error("timed out handle not discarded")
	}

	b.mu.Lock()
	b.invoke = streamText("ok")
	b.mu.Unlock()
	h.generate("again")
	msgs = h.out.waitTerminals(t, 2)
	if last(msgs).Type != api.ServerMessageTypeDone || b.builds() != 2 {
		t.Errorf("messages = %s builds = %d", describe(msgs), b.builds())
	}
}

func TestSession_AbandonsStuckWorker(t *testing.T) {
	cfg := testConfig()
	cfg.GenerationTimeout = 30 * time.Millisecond
	cfg.GracePeriod = 30 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	b := &fakeBuilder{invoke: func(_ context.Context, _ agent.Message, cb agent.Callback) (string, error) {
		<-release
		return "late", cb(agent.Chunk{Data: "late"})
	}}
	h := startSession(t, cfg, b)

	h.generate("stuck")
	msgs := h.out.waitTerminals(t, 1)
	if got := describe(msgs); got != "[error("+TimeoutMessage+")]" {
		t.Errorf("messages = %s", got)
	}
	if !b.agent(0).closed.Load() {
		t.Error("abandoned handle not discarded")
	}
}

func TestSession_BackendErrorKeepsHandle(t *testing.T) {
	b := &fakeBuilder{invoke: func(context.Context, agent.Message, agent.Callback) (string, error) {
		return "", errors.New("Rate limit exceeded for model")
	}}
	h := startSession(t, testConfig(), b)

	h.generate("one")
	h.out.waitTerminals(t, 1)
	h.generate("two")
	msgs := h.out.waitTerminals(t, 2)

	for _, m := range msgs {
		if m.Type != api.ServerMessageTypeError || m.Text() != msgRateLimit {
			t.Errorf("messages = %s", describe(msgs))
			break
		}
	}
	if b.builds() != 1 || b.agent(0).closed.Load() {
		t.Errorf("builds = %d, closed = %v", b.builds(), b.agent(0).closed.Load())
	}
}

func TestSession_PanicBecomesError(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: func(context.Context, agent.Message, agent.Callback) (string, error) {
		panic("boom")
	}})

	h.generate("hi")
	msgs := h.out.waitTerminals(t, 1)
	if m := last(msgs); m.Type != api.ServerMessageTypeError || !strings.Contains(m.Text(), "agent panic: boom") {
		t.Errorf("messages = %s", describe(msgs))
	}
}

type userError struct{}

func (userError) Error() string       { return "no such provider" }
func (userError) UserMessage() string { return "Unknown model provider: nope" }

func TestSession_BuildFailureLeavesSessionUsable(t *testing.T) {
	b := &fakeBuilder{err: userError{}}
	h := startSession(t, testConfig(), b)

	h.generate("one")
	msgs := h.out.waitTerminals(t, 1)
	if got := describe(msgs); got != "[error(Unknown model provider: nope)]" {
		t.Errorf("messages = %s", got)
	}

	b.mu.Lock()
	b.err = nil
	b.invoke = streamText("ok")
	b.mu.Unlock()
	h.generate("two")
	msgs = h.out.waitTerminals(t, 2)
	if last(msgs).Type != api.ServerMessageTypeDone {
		t.Errorf("messages = %s", describe(msgs))
	}
}

func TestSession_DisconnectDuringGeneration(t *testing.T) {
	b := &fakeBuilder{invoke: streamUntilStopped("first")}
	h := startSession(t, testConfig(), b)

	h.generate("long")
	h.out.waitFor(t, hasToken)
	close(h.in)

	if err := h.waitServed(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := describe(h.out.messages()); got != "[token(first)]" {
		t.Errorf("messages after disconnect = %s", got)
	}
	if !b.agent(0).closed.Load() {
		t.Error("handle not released on disconnect")
	}
}

func TestSession_DisconnectWhileIdle(t *testing.T) {
	h := startSession(t, testConfig(), &fakeBuilder{invoke: streamText("ok")})
	close(h.in)
	if err := h.waitServed(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestTurn_Decide(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name            string
		clientCancelled bool
		timedOut        bool
		disconnected    bool
		err             error
		want            Outcome
	}{
		{"success", false, false, false, nil, OutcomeDone},
		{"success during timeout grace", false, true, false, nil, OutcomeDone},
		{"success after cancel", true, false, false, nil, OutcomeCancelled},
		{"cancelled", true, false, false, agent.ErrCancelled, OutcomeCancelled},
		{"error after cancel", true, false, false, boom, OutcomeCancelled},
		{"cancel beats timeout", true, true, false, agent.ErrCancelled, OutcomeCancelled},
		{"timeout", false, true, false, agent.ErrCancelled, OutcomeTimeout},
		{"error during timeout", false, true, false, boom, OutcomeTimeout},
		{"stray cancel error", false, false, false, fmt.Errorf("wrapped: %w", agent.ErrCancelled), OutcomeCancelled},
		{"backend error", false, false, false, boom, OutcomeError},
		{"disconnect", true, true, true, nil, OutcomeSilent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := &Turn{clientCancelled: tt.clientCancelled, timedOut: tt.timedOut, disconnected: tt.disconnected}
			if got := turn.decide(tt.err); got != tt.want {
				t.Errorf("decide = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTurn_DrainKeepsEarliestDeadline(t *testing.T) {
	turn := newTurn(context.Background(), prompt.ModeTypeChat, &recordingOutbox{}, time.Second, slog.New(slog.DiscardHandler))
	defer turn.Cleanup()
	turn.setState(StateRunning)

	now := time.Now()
	turn.drain(now.Add(time.Second))
	turn.drain(now.Add(time.Hour))

	if turn.State() != StateDraining {
		t.Fatalf("state = %v", turn.State())
	}
	if turn.drainExpired(now) {
		t.Error("expired before deadline")
	}
	if !turn.drainExpired(now.Add(2 * time.Second)) {
		t.Error("deadline moved later")
	}
}

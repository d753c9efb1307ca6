// Package gemini runs conversations on Gemini through an ADK runner. MCP
// servers are attached as ADK toolsets.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	adkagent "google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	adkgemini "google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/mcptoolset"
	"google.golang.org/genai"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/provider"
)

var (
	ErrAPIKey = errors.New("Google API key not configured")
	errClosed = errors.New("agent closed")
)

const (
	DefaultModel = "gemini-2.5-flash"

	appName = "ghosttype"
	userID  = "ghosttype-user"
)

type Config struct {
	APIKey      string
	ProjectID   string
	Location    string
	UseVertexAI bool
}

func (c Config) clientConfig() *genai.ClientConfig {
	if c.UseVertexAI && c.ProjectID != "" {
		return &genai.ClientConfig{Project: c.ProjectID, Location: c.Location, Backend: genai.BackendVertexAI}
	}
	return &genai.ClientConfig{APIKey: c.APIKey}
}

// Creator returns the provider.CreateFunc for Gemini. Register it with
// NativeMCP so MCP servers arrive in Spec.MCPServers.
func Creator(cfg Config) provider.CreateFunc {
	return func(ctx context.Context, spec provider.Spec) (agent.Agent, error) {
		if cfg.APIKey == "" && !cfg.UseVertexAI {
			return nil, ErrAPIKey
		}
		modelID := spec.Binding.ModelID
		if modelID == "" {
			modelID = DefaultModel
		}
		llm, err := adkgemini.NewModel(ctx, modelID, cfg.clientConfig())
		if err != nil {
			return nil, fmt.Errorf("create gemini model: %w", err)
		}
		return New(ctx, llm, spec)
	}
}

// Agent keeps one ADK session, so history persists across Invoke calls.
type Agent struct {
	runner *runner.Runner
	sessID string

	conns   connSet
	closers []func() error

	closeOnce sync.Once
	closeErr  error
}

var _ agent.Agent = (*Agent)(nil)

func New(ctx context.Context, llm model.LLM, spec provider.Spec) (*Agent, error) {
	a := &Agent{}
	for _, c := range spec.Closers {
		a.closers = append(a.closers, c.Close)
	}

	var toolsets []tool.Toolset
	for _, s := range spec.MCPServers {
		ts, err := mcptoolset.New(mcptoolset.Config{Transport: &trackedTransport{
			inner: &mcp.CommandTransport{Command: s.Cmd()},
			conns: &a.conns,
		}})
		if err != nil {
			spec.Logger.Warn("failed to create MCP toolset, skipping", "server", s.Name, "error", err)
			continue
		}
		toolsets = append(toolsets, ts)
	}

	genCfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(spec.Temperature))}
	if spec.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(spec.MaxTokens)
	}
	llmAgent, err := llmagent.New(llmagent.Config{
		Name:                  appName,
		Model:                 llm,
		Description:           "GhostType writing assistant",
		Instruction:           spec.System,
		Toolsets:              toolsets,
		GenerateContentConfig: genCfg,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create agent: %w", err)
	}

	svc := session.InMemoryService()
	r, err := runner.New(runner.Config{AppName: appName, Agent: llmAgent, SessionService: svc})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create runner: %w", err)
	}
	created, err := svc.Create(ctx, &session.CreateRequest{AppName: appName, UserID: userID})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create ADK session: %w", err)
	}
	a.runner = r
	a.sessID = created.Session.ID()
	return a, nil
}

func (a *Agent) Invoke(ctx context.Context, msg agent.Message, cb agent.Callback) (string, error) {
	if err := cb(agent.Chunk{}); err != nil {
		return "", err
	}

	var st turnState
	for ev, err := range a.runner.Run(ctx, userID, a.sessID, toContent(msg), adkagent.RunConfig{
		StreamingMode: adkagent.StreamingModeSSE,
	}) {
		if err != nil {
			return "", err
		}
		if err := st.handle(ev, cb); err != nil {
			return "", err
		}
	}
	if err := cb(agent.Chunk{Complete: true}); err != nil {
		return "", err
	}
	return st.result(), nil
}

func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		a.conns.closeAll()
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// trackedTransport hands every connection the toolset opens to conns. The
// toolset connects lazily on the worker goroutine, so Close can race with a
// server that is still starting.
type trackedTransport struct {
	inner mcp.Transport
	conns *connSet
}

func (t *trackedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.inner.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if !t.conns.add(conn) {
		_ = conn.Close()
		return nil, errClosed
	}
	return conn, nil
}

type connSet struct {
	mu     sync.Mutex
	closed bool
	conns  []mcp.Connection
}

// add reports false once closeAll has run.
func (s *connSet) add(c mcp.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns = append(s.conns, c)
	return true
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.closed = true
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// turnState tracks the text of one Invoke. Partial events carry the
// streamed deltas; the final aggregated events repeat them in full.
type turnState struct {
	streamed strings.Builder
	final    strings.Builder
}

func (st *turnState) handle(ev *session.Event, cb agent.Callback) error {
	if ev == nil || ev.Content == nil {
		return nil
	}
	for _, part := range ev.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			// Tool rounds produce no text; give the callback a chance to
			// abort between them.
			if err := cb(agent.Chunk{}); err != nil {
				return err
			}
			continue
		}
		if part.Text == "" {
			continue
		}
		if ev.Partial {
			st.streamed.WriteString(part.Text)
			if err := cb(agent.Chunk{Data: part.Text}); err != nil {
				return err
			}
		} else {
			st.final.WriteString(part.Text)
		}
	}
	return nil
}

func (st *turnState) result() string {
	if st.final.Len() > 0 {
		return st.final.String()
	}
	return st.streamed.String()
}

func toContent(msg agent.Message) *genai.Content {
	c := &genai.Content{Role: genai.RoleUser}
	for _, p := range msg.Parts {
		switch {
		case p.Image != nil:
			c.Parts = append(c.Parts, &genai.Part{InlineData: &genai.Blob{
				MIMEType: "image/" + string(p.Image.Format),
				Data:     p.Image.Data,
			}})
		case p.Text != "":
			c.Parts = append(c.Parts, genai.NewPartFromText(p.Text))
		}
	}
	return c
}

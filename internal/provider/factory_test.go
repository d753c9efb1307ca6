package provider

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/mcp"
	"github.com/ricochet1k/ghosttype/internal/prompt"
	"github.com/ricochet1k/ghosttype/internal/provider/circuit"
)

type stubAgent struct{ closed bool }

func (s *stubAgent) Invoke(context.Context, agent.Message, agent.Callback) (string, error) {
	return "", nil
}

func (s *stubAgent) Close() error {
	s.closed = true
	return nil
}

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	cfg := config.Default()
	cfg.PromptsDir = t.TempDir()
	return NewFactory(cfg, mcp.NewManager(filepath.Join(t.TempDir(), "none.json"), nil), nil)
}

func TestFactory_SupportedTypes(t *testing.T) {
	f := newTestFactory(t)
	create := func(context.Context, Spec) (agent.Agent, error) { return &stubAgent{}, nil }
	f.Register("openai", Registration{Create: create})
	f.Register("bedrock", Registration{Create: create})

	if got := f.SupportedTypes(); !reflect.DeepEqual(got, []string{"bedrock", "openai"}) {
		t.Errorf("SupportedTypes = %v", got)
	}
}

func TestFactory_Build(t *testing.T) {
	f := newTestFactory(t)
	var got Spec
	f.Register("bedrock", Registration{Create: func(_ context.Context, spec Spec) (agent.Agent, error) {
		got = spec
		return &stubAgent{}, nil
	}})

	binding := config.Resolved{Provider: "bedrock", ModelID: "m", AWSRegion: "us-west-2"}
	a, err := f.Build(context.Background(), binding, prompt.ModeTypeChat)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a == nil {
		t.Fatal("Build returned nil agent")
	}
	if got.Binding != binding || got.ModeType != prompt.ModeTypeChat {
		t.Errorf("spec = %+v", got)
	}
	if got.System == "" {
		t.Error("system prompt should fall back to built-in text")
	}
	if got.Tools.Len() != len(agent.BuiltinTools()) {
		t.Errorf("tools = %d, want %d", got.Tools.Len(), len(agent.BuiltinTools()))
	}
	if got.MaxTokens != config.DefaultMaxTokens {
		t.Errorf("MaxTokens = %d", got.MaxTokens)
	}
}

func TestFactory_UnknownProvider(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Build(context.Background(), config.Resolved{Provider: "nope"}, prompt.ModeTypeDraft)
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
	if err.Error() != "Unknown model provider: nope" {
		t.Errorf("err = %q", err.Error())
	}
}

func TestFactory_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newTestFactory(t)
	calls := 0
	boom := errors.New("no credentials")
	f.Register("bedrock", Registration{Create: func(context.Context, Spec) (agent.Agent, error) {
		calls++
		return nil, boom
	}})

	binding := config.Resolved{Provider: "bedrock"}
	for i := 0; i < BreakerThreshold; i++ {
		if _, err := f.Build(context.Background(), binding, prompt.ModeTypeDraft); !errors.Is(err, boom) {
			t.Fatalf("build %d: err = %v, want %v", i, err, boom)
		}
	}

	_, err := f.Build(context.Background(), binding, prompt.ModeTypeDraft)
	var open *circuit.OpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want *circuit.OpenError", err)
	}
	if calls != BreakerThreshold {
		t.Errorf("create called %d times, want %d", calls, BreakerThreshold)
	}
}

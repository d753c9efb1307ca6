// Package openai streams replies through the OpenAI Responses API. Tools are
// offered as function tools; the tool loop itself runs in agent.ConverseAgent.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/provider"
)

const DefaultModel = openai.ChatModelGPT5_2

type Config struct {
	APIKey  string
	BaseURL string
}

func (c Config) clientOptions() []option.RequestOption {
	var opts []option.RequestOption
	if c.APIKey != "" {
		opts = append(opts, option.WithAPIKey(c.APIKey))
	}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	return opts
}

type Model struct {
	client  openai.Client
	modelID string
}

var _ agent.Model = (*Model)(nil)

func NewModel(client openai.Client, modelID string) *Model {
	if modelID == "" {
		modelID = DefaultModel
	}
	return &Model{client: client, modelID: modelID}
}

// Creator returns the provider.CreateFunc for OpenAI.
func Creator(cfg Config, extra ...option.RequestOption) provider.CreateFunc {
	return func(_ context.Context, spec provider.Spec) (agent.Agent, error) {
		client := openai.NewClient(append(cfg.clientOptions(), extra...)...)
		return agent.NewConverseAgent(NewModel(client, spec.Binding.ModelID), agent.Options{
			System:      spec.System,
			MaxTokens:   spec.MaxTokens,
			Temperature: spec.Temperature,
			Tools:       spec.Tools,
			Closers:     spec.Closers,
			Logger:      spec.Logger,
		}), nil
	}
}

func (m *Model) Stream(ctx context.Context, req agent.Request, onText func(string) error) (agent.Response, error) {
	params := responses.ResponseNewParams{
		Model: m.modelID,
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: toInput(req.Messages)},
	}
	if req.System != "" {
		params.Instructions = param.NewOpt(req.System)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature >= 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = toTools(req.Tools)
	}

	stream := m.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text  []byte
		calls []agent.Part
		usage agent.Usage
		stop  = agent.StopEndTurn
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if ev.Delta == "" {
				continue
			}
			text = append(text, ev.Delta...)
			if err := onText(ev.Delta); err != nil {
				return agent.Response{}, err
			}
		case responses.ResponseOutputItemDoneEvent:
			if ev.Item.Type != "function_call" {
				continue
			}
			use, err := toToolUse(ev.Item.AsFunctionCall())
			if err != nil {
				return agent.Response{}, err
			}
			calls = append(calls, agent.Part{ToolUse: use})
		case responses.ResponseCompletedEvent:
			usage.InputTokens = ev.Response.Usage.InputTokens
			usage.OutputTokens = ev.Response.Usage.OutputTokens
		case responses.ResponseIncompleteEvent:
			stop = agent.StopMaxTokens
		case responses.ResponseErrorEvent:
			return agent.Response{}, fmt.Errorf("openai stream error %s: %s", ev.Code, ev.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return agent.Response{}, err
	}

	msg := agent.Message{Role: agent.RoleAssistant}
	if len(text) > 0 {
		msg.Parts = []agent.Part{{Text: string(text)}}
	}
	if len(calls) > 0 {
		msg.Parts = append(msg.Parts, calls...)
		stop = agent.StopToolUse
	}
	return agent.Response{Message: msg, StopReason: stop, Usage: usage}, nil
}

func toTools(specs []agent.ToolSpec) []responses.ToolUnionParam {
	tools := make([]responses.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		fn := &responses.FunctionToolParam{
			Name:       spec.Name,
			Parameters: spec.SchemaMap(),
			Strict:     param.NewOpt(false),
		}
		if spec.Description != "" {
			fn.Description = param.NewOpt(spec.Description)
		}
		tools = append(tools, responses.ToolUnionParam{OfFunction: fn})
	}
	return tools
}

func toToolUse(call responses.ResponseFunctionToolCall) (*agent.ToolUse, error) {
	input := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			return nil, fmt.Errorf("decode arguments of %s: %w", call.Name, err)
		}
	}
	return &agent.ToolUse{ID: call.CallID, Name: call.Name, Input: input}, nil
}

// toInput maps the conversation onto Responses input items. Tool requests
// and results become function_call and function_call_output items next to
// the message they belong to.
func toInput(msgs []agent.Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == agent.RoleUser && hasImage(m) {
			var content responses.ResponseInputMessageContentListParam
			for _, p := range m.Parts {
				switch {
				case p.Image != nil:
					content = append(content, responses.ResponseInputContentUnionParam{
						OfInputImage: &responses.ResponseInputImageParam{
							ImageURL: param.NewOpt(dataURL(p.Image)),
							Detail:   responses.ResponseInputImageDetailAuto,
						},
					})
				case p.Text != "":
					content = append(content, responses.ResponseInputContentUnionParam{
						OfInputText: &responses.ResponseInputTextParam{Text: p.Text},
					})
				}
			}
			items = append(items, responses.ResponseInputItemUnionParam{
				OfInputMessage: &responses.ResponseInputItemMessageParam{Role: "user", Content: content},
			})
			continue
		}

		if text := m.Text(); text != "" {
			role := responses.EasyInputMessageRoleUser
			if m.Role == agent.RoleAssistant {
				role = responses.EasyInputMessageRoleAssistant
			}
			items = append(items, responses.ResponseInputItemUnionParam{
				OfMessage: &responses.EasyInputMessageParam{
					Role:    role,
					Content: responses.EasyInputMessageContentUnionParam{OfString: param.NewOpt(text)},
				},
			})
		}
		for _, p := range m.Parts {
			switch {
			case p.ToolUse != nil:
				args, err := json.Marshal(p.ToolUse.Input)
				if err != nil {
					args = []byte("{}")
				}
				items = append(items, responses.ResponseInputItemUnionParam{
					OfFunctionCall: &responses.ResponseFunctionToolCallParam{
						CallID:    p.ToolUse.ID,
						Name:      p.ToolUse.Name,
						Arguments: string(args),
					},
				})
			case p.ToolResult != nil:
				out := p.ToolResult.Content
				if p.ToolResult.IsError {
					out = "Error: " + out
				}
				items = append(items, responses.ResponseInputItemUnionParam{
					OfFunctionCallOutput: &responses.ResponseInputItemFunctionCallOutputParam{
						CallID: p.ToolResult.ToolUseID,
						Output: responses.ResponseInputItemFunctionCallOutputOutputUnionParam{OfString: param.NewOpt(out)},
					},
				})
			}
		}
	}
	return items
}

func hasImage(m agent.Message) bool {
	for _, p := range m.Parts {
		if p.Image != nil {
			return true
		}
	}
	return false
}

func dataURL(img *agent.Image) string {
	return "data:image/" + string(img.Format) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Package bedrock streams conversations through the Amazon Bedrock Converse
// API.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/config"
	"github.com/ricochet1k/ghosttype/internal/provider"
)

var ErrNoModelID = errors.New("bedrock model id not configured")

// Client is the subset of the Bedrock runtime API used here. The
// *bedrockruntime.Client type satisfies it.
type Client interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// eventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

type Model struct {
	client  Client
	modelID string
}

var _ agent.Model = (*Model)(nil)

func NewModel(client Client, modelID string) *Model {
	return &Model{client: client, modelID: modelID}
}

// LoadClient builds a runtime client for the binding's region and optional
// shared config profile.
func LoadClient(ctx context.Context, binding config.Resolved) (*bedrockruntime.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(binding.AWSRegion),
	}
	if binding.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(binding.AWSProfile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// Create is the provider.CreateFunc for Bedrock.
func Create(ctx context.Context, spec provider.Spec) (agent.Agent, error) {
	if spec.Binding.ModelID == "" {
		return nil, ErrNoModelID
	}
	client, err := LoadClient(ctx, spec.Binding)
	if err != nil {
		return nil, err
	}
	spec.Logger.Debug("bedrock client ready", "region", spec.Binding.AWSRegion, "profile", profileLabel(spec.Binding.AWSProfile))
	return agent.NewConverseAgent(NewModel(client, spec.Binding.ModelID), agent.Options{
		System:      spec.System,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Tools:       spec.Tools,
		Closers:     spec.Closers,
		Logger:      spec.Logger,
	}), nil
}

func profileLabel(p string) string {
	if p == "" {
		return "(default)"
	}
	return p
}

func (m *Model) Stream(ctx context.Context, req agent.Request, onText func(string) error) (agent.Response, error) {
	msgs, err := toMessages(req.Messages)
	if err != nil {
		return agent.Response{}, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(m.modelID),
		Messages: msgs,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(req.MaxTokens)),
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toToolConfig(req.Tools)
	}

	out, err := m.client.ConverseStream(ctx, input)
	if err != nil {
		return agent.Response{}, err
	}
	return consume(out.GetStream(), onText)
}

// consume drains the event stream into a Response, passing text deltas to
// onText as they arrive.
func consume(stream eventReader, onText func(string) error) (agent.Response, error) {
	defer stream.Close()

	acc := newAccumulator()
	for ev := range stream.Events() {
		switch v := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				acc.startTool(index(v.Value.ContentBlockIndex), aws.ToString(start.Value.ToolUseId), aws.ToString(start.Value.Name))
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if d.Value == "" {
					continue
				}
				acc.text(index(v.Value.ContentBlockIndex), d.Value)
				if err := onText(d.Value); err != nil {
					return agent.Response{}, err
				}
			case *types.ContentBlockDeltaMemberToolUse:
				acc.toolInput(index(v.Value.ContentBlockIndex), aws.ToString(d.Value.Input))
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			acc.stop = stopReason(v.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			if u := v.Value.Usage; u != nil {
				acc.usage.InputTokens += int64(aws.ToInt32(u.InputTokens))
				acc.usage.OutputTokens += int64(aws.ToInt32(u.OutputTokens))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return agent.Response{}, err
	}
	return acc.response()
}

func index(p *int32) int {
	return int(aws.ToInt32(p))
}

func stopReason(r types.StopReason) agent.StopReason {
	switch r {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return agent.StopEndTurn
	case types.StopReasonToolUse:
		return agent.StopToolUse
	case types.StopReasonMaxTokens:
		return agent.StopMaxTokens
	default:
		return agent.StopOther
	}
}

package bedrock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ricochet1k/ghosttype/internal/agent"
)

// Converse rejects blank text blocks, so an otherwise empty message carries
// this placeholder.
const emptyContent = "(no content)"

func toMessages(msgs []agent.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for i, m := range msgs {
		var role types.ConversationRole
		switch m.Role {
		case agent.RoleUser:
			role = types.ConversationRoleUser
		case agent.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, m.Role)
		}
		content := toContent(m.Parts)
		if len(content) == 0 {
			content = append(content, &types.ContentBlockMemberText{Value: emptyContent})
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out, nil
}

func toContent(parts []agent.Part) []types.ContentBlock {
	var blocks []types.ContentBlock
	for _, p := range parts {
		switch {
		case p.Image != nil:
			blocks = append(blocks, &types.ContentBlockMemberImage{Value: types.ImageBlock{
				Format: types.ImageFormat(p.Image.Format),
				Source: &types.ImageSourceMemberBytes{Value: p.Image.Data},
			}})
		case p.ToolUse != nil:
			input := p.ToolUse.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(p.ToolUse.ID),
				Name:      aws.String(p.ToolUse.Name),
				Input:     document.NewLazyDocument(input),
			}})
		case p.ToolResult != nil:
			status := types.ToolResultStatusSuccess
			if p.ToolResult.IsError {
				status = types.ToolResultStatusError
			}
			text := p.ToolResult.Content
			if strings.TrimSpace(text) == "" {
				text = emptyContent
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(p.ToolResult.ToolUseID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
				Status:    status,
			}})
		case strings.TrimSpace(p.Text) != "":
			blocks = append(blocks, &types.ContentBlockMemberText{Value: p.Text})
		}
	}
	return blocks
}

func toToolConfig(specs []agent.ToolSpec) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(specs))
	for _, s := range specs {
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(s.SchemaMap())},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}
}

// accumulator rebuilds the assistant message from indexed content block
// events.
type accumulator struct {
	blocks map[int]*block
	stop   agent.StopReason
	usage  agent.Usage
}

type block struct {
	text    strings.Builder
	toolID  string
	tool    string
	isTool  bool
	rawArgs strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{blocks: make(map[int]*block), stop: agent.StopEndTurn}
}

func (a *accumulator) get(i int) *block {
	b, ok := a.blocks[i]
	if !ok {
		b = &block{}
		a.blocks[i] = b
	}
	return b
}

func (a *accumulator) startTool(i int, id, name string) {
	b := a.get(i)
	b.isTool = true
	b.toolID = id
	b.tool = name
}

func (a *accumulator) text(i int, s string) { a.get(i).text.WriteString(s) }

func (a *accumulator) toolInput(i int, s string) { a.get(i).rawArgs.WriteString(s) }

func (a *accumulator) response() (agent.Response, error) {
	idx := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	msg := agent.Message{Role: agent.RoleAssistant}
	for _, i := range idx {
		b := a.blocks[i]
		if !b.isTool {
			msg.Parts = append(msg.Parts, agent.Part{Text: b.text.String()})
			continue
		}
		input := map[string]any{}
		if raw := b.rawArgs.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return agent.Response{}, fmt.Errorf("decode %s tool input: %w", b.tool, err)
			}
		}
		msg.Parts = append(msg.Parts, agent.Part{ToolUse: &agent.ToolUse{ID: b.toolID, Name: b.tool, Input: input}})
	}
	return agent.Response{Message: msg, StopReason: a.stop, Usage: a.usage}, nil
}

// Package agent defines the backend contract the session layer drives: a
// stateful handle that turns one user message into a final reply while
// reporting incremental text through a callback.
package agent

import (
	"context"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageFormat is the encoding of an attached image. Screenshots are always
// sent as JPEG.
type ImageFormat string

const ImageFormatJPEG ImageFormat = "jpeg"

type Image struct {
	Format ImageFormat
	Data   []byte
}

// ToolUse is a model request to run a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Part is one content block of a message. Exactly one field is set.
type Part struct {
	Text       string
	Image      *Image
	ToolUse    *ToolUse
	ToolResult *ToolResult
}

type Message struct {
	Role  Role
	Parts []Part
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Image == nil && p.ToolUse == nil && p.ToolResult == nil {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool requests contained in the message.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, p := range m.Parts {
		if p.ToolUse != nil {
			uses = append(uses, *p.ToolUse)
		}
	}
	return uses
}

// Chunk is one callback invocation. Data is the incremental text, possibly
// empty; Complete marks the final invocation of a successful run.
type Chunk struct {
	Data     string
	Complete bool
}

// Callback receives streaming progress on the goroutine running Invoke. A
// non-nil return aborts generation and is returned from Invoke unchanged;
// returning ErrCancelled is how callers stop a run mid-flight.
type Callback func(Chunk) error

// Agent is a stateful backend handle. Conversation history persists across
// Invoke calls until the handle is closed. Invoke is not safe for concurrent
// use; callers run at most one Invoke at a time.
type Agent interface {
	Invoke(ctx context.Context, msg Message, cb Callback) (string, error)
	Close() error
}

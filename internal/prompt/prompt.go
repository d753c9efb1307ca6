// Package prompt turns a generation request into the message sent to the
// model: it classifies the request as chat or draft, picks the instruction
// template for the requested mode and packs an optional screenshot.
package prompt

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/pkg/api"
)

type Mode string

const (
	ModeGenerate  Mode = "generate"
	ModeRewrite   Mode = "rewrite"
	ModeFix       Mode = "fix"
	ModeTranslate Mode = "translate"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeGenerate, ModeRewrite, ModeFix, ModeTranslate:
		return true
	default:
		return false
	}
}

// ModeType is the coarse classification that selects the system prompt.
type ModeType string

const (
	ModeTypeChat  ModeType = "chat"
	ModeTypeDraft ModeType = "draft"
)

func (t ModeType) Valid() bool {
	return t == ModeTypeChat || t == ModeTypeDraft
}

// Classify reports draft for editing modes or when the user selected text,
// chat otherwise.
func Classify(mode Mode, context string) ModeType {
	switch mode {
	case ModeRewrite, ModeFix, ModeTranslate:
		return ModeTypeDraft
	}
	if context != "" {
		return ModeTypeDraft
	}
	return ModeTypeChat
}

// Resolve returns the explicit mode type when one was given, else the
// classification.
func Resolve(explicit ModeType, mode Mode, context string) ModeType {
	if explicit != "" {
		return explicit
	}
	return Classify(mode, context)
}

// BuildText renders the user instruction for a mode. The editing templates
// need context; without it they fall back to the bare prompt.
func BuildText(prompt, context string, mode Mode) string {
	switch {
	case mode == ModeRewrite && context != "":
		return fmt.Sprintf("Rewrite the following text:\n\n%s\n\nInstructions: %s", context, prompt)
	case mode == ModeFix && context != "":
		return "Fix grammar and spelling in the following text:\n\n" + context
	case mode == ModeTranslate && context != "":
		return fmt.Sprintf("Translate the following text. %s\n\n%s", prompt, context)
	case context != "":
		return fmt.Sprintf("Context (selected text from user's application):\n\"\"\"\n%s\n\"\"\"\n\nTask: %s", context, prompt)
	default:
		return prompt
	}
}

// BuildMessage packs text and an optional base64 JPEG screenshot into a user
// message, image first. An undecodable screenshot is dropped and reported
// through the returned warning; the message is still usable.
func BuildMessage(text string, screenshotB64 *string) (agent.Message, error) {
	if screenshotB64 == nil || *screenshotB64 == "" {
		return agent.UserText(text), nil
	}
	data, err := base64.StdEncoding.DecodeString(*screenshotB64)
	if err != nil {
		return agent.UserText(text), fmt.Errorf("decode screenshot: %w", err)
	}
	return agent.Message{
		Role: agent.RoleUser,
		Parts: []agent.Part{
			{Image: &agent.Image{Format: agent.ImageFormatJPEG, Data: data}},
			{Text: text},
		},
	}, nil
}

// Turn is a validated generation request ready for the orchestrator.
type Turn struct {
	Mode     Mode
	ModeType ModeType
	Text     string
	Message  agent.Message
	Config   *api.ModelConfig

	PromptLen     int
	ContextLen    int
	HasScreenshot bool
}

// Prepare validates a generation request and builds its message. Screenshot
// decode failures are logged on logger and do not fail the request.
func Prepare(req api.ClientEnvelope, logger *slog.Logger) (*Turn, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	mode := Mode(req.Mode)
	if mode == "" {
		mode = ModeGenerate
	}
	text := BuildText(req.Prompt, req.Context, mode)
	msg, warn := BuildMessage(text, req.Screenshot)
	if warn != nil && logger != nil {
		logger.Warn("failed to decode screenshot base64, sending text only", "error", warn)
	}
	return &Turn{
		Mode:          mode,
		ModeType:      Resolve(ModeType(req.ModeType), mode, req.Context),
		Text:          text,
		Message:       msg,
		Config:        req.Config,
		PromptLen:     len(req.Prompt),
		ContextLen:    len(req.Context),
		HasScreenshot: req.Screenshot != nil && warn == nil && *req.Screenshot != "",
	}, nil
}

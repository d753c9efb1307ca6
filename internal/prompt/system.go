package prompt

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	fallbackChat = "You are GhostType, an AI assistant embedded in macOS. " +
		"Be concise but thorough. Use markdown formatting when it helps readability."
	fallbackDraft = "You are GhostType, an AI writing assistant. " +
		"Output ONLY the requested text. No explanations or markdown."
)

// SystemPrompts reads per mode type system prompts from a directory:
// chat.txt for chat, system.txt for draft.
type SystemPrompts struct {
	Dir    string
	Logger *slog.Logger
}

func (s SystemPrompts) For(t ModeType) string {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := "system.txt"
	if t == ModeTypeChat {
		name = "chat.txt"
	}
	path := filepath.Join(s.Dir, name)
	data, err := os.ReadFile(path)
	if err == nil {
		text := strings.TrimSpace(string(data))
		logger.Debug("loaded system prompt", "path", path, "chars", len(text))
		return text
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("system prompt file not found, using fallback", "path", path)
	} else {
		logger.Warn("failed to read system prompt, using fallback", "path", path, "error", err)
	}
	if t == ModeTypeChat {
		return fallbackChat
	}
	return fallbackDraft
}

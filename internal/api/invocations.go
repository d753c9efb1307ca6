package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ricochet1k/ghosttype/internal/agent"
	"github.com/ricochet1k/ghosttype/internal/prompt"
	"github.com/ricochet1k/ghosttype/internal/session"
	apiTypes "github.com/ricochet1k/ghosttype/pkg/api"
)

// invocations runs one generation to completion and replies with the full
// text. Every call gets a fresh agent handle; there is no cancel channel and
// the generation timeout bounds the call.
func (h *Handler) invocations(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ClientEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiTypes.Error("Invalid JSON: "+err.Error()))
		return
	}

	prepared, err := prompt.Prepare(req, h.logger)
	if err != nil {
		if prompt.IsRequestError(err) {
			writeJSON(w, http.StatusBadRequest, apiTypes.Error(err.Error()))
		} else {
			writeJSON(w, http.StatusInternalServerError, apiTypes.Error(session.FriendlyError(err)))
		}
		return
	}
	binding := h.cfg.Resolve(prepared.Config)
	logger := h.logger.With("endpoint", "invocations")
	logger.Info("generating",
		"mode", prepared.Mode,
		"mode_type", prepared.ModeType,
		"provider", binding.Provider,
		"model", binding.ModelID,
		"prompt_len", prepared.PromptLen,
		"context_len", prepared.ContextLen)

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.GenerationTimeout)
	defer cancel()
	start := time.Now()

	handle, err := h.builder.Build(ctx, binding, prepared.ModeType)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		writeJSON(w, http.StatusInternalServerError, apiTypes.Error(session.FriendlyError(err)))
		return
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("failed to close agent", "error", err)
		}
	}()

	text, err := handle.Invoke(ctx, prepared.Message, func(agent.Chunk) error { return nil })
	if err != nil {
		logger.Error("generation error", "elapsed", time.Since(start), "error", err)
		msg := session.FriendlyError(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = session.TimeoutMessage
		}
		writeJSON(w, http.StatusInternalServerError, apiTypes.Error(msg))
		return
	}

	logger.Info("generation complete", "elapsed", time.Since(start), "response_len", len(text))
	writeJSON(w, http.StatusOK, apiTypes.Done(text))
}

package prompt

import (
	"errors"

	"github.com/ricochet1k/ghosttype/pkg/api"
)

// RequestError is a protocol-level rejection. Its text is sent to the client
// verbatim.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

// IsRequestError reports whether err is a client-facing rejection.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// Validate checks the generation fields of req.
func Validate(req api.ClientEnvelope) error {
	mode := Mode(req.Mode)
	if mode == "" {
		mode = ModeGenerate
	}
	if !mode.Valid() {
		return &RequestError{Msg: "Invalid mode: " + req.Mode}
	}
	if req.ModeType != "" && !ModeType(req.ModeType).Valid() {
		return &RequestError{Msg: "Invalid mode_type"}
	}
	if req.Prompt == "" && mode == ModeGenerate {
		return &RequestError{Msg: "Empty prompt"}
	}
	return nil
}

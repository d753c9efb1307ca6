package session

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"unicode"

	"github.com/aws/smithy-go"
	"github.com/openai/openai-go/v3"
)

// TimeoutMessage is the error content sent when a turn exceeds the
// generation timeout.
const TimeoutMessage = "Generation timed out. Try a shorter conversation or start a new one."

const (
	msgRateLimit = "Rate limit exceeded. Please wait a moment and try again."
	msgAuth      = "Authentication error. Check your AWS credentials."
	msgTimeout   = "Request timed out. The model may be overloaded — try again."
	msgExpired   = "AWS credentials expired. Run tokenmaster to refresh."
)

type userMessager interface {
	UserMessage() string
}

// FriendlyError turns a backend failure into the text shown to the user.
// Errors that carry their own user message are passed through; the rest are
// matched against known failure categories, falling back to "<kind>: <msg>".
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}
	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var status int
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		status = oaErr.StatusCode
	}

	switch {
	case strings.Contains(lower, "rate") && strings.Contains(lower, "limit"),
		status == http.StatusTooManyRequests,
		code == "ThrottlingException":
		return msgRateLimit
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "credentials"),
		status == http.StatusUnauthorized, status == http.StatusForbidden:
		return msgAuth
	case strings.Contains(lower, "timeout"):
		return msgTimeout
	case strings.Contains(msg, "ExpiredToken"), code == "ExpiredTokenException":
		return msgExpired
	}
	return errorKind(err, code) + ": " + msg
}

// errorKind names the failure: the API error code when there is one, else
// the type of the innermost wrapped error.
func errorKind(err error, code string) string {
	if code != "" {
		return code
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	t := reflect.TypeOf(root)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || unicode.IsLower(rune(name[0])) {
		return "Error"
	}
	return name
}

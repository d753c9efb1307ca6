package agent

import "errors"

var (
	// ErrCancelled is returned by a Callback to abort a run, and by Invoke
	// when a run was aborted that way.
	ErrCancelled = errors.New("generation cancelled")

	ErrTooManyToolRounds = errors.New("tool round limit reached")
	ErrUnknownTool       = errors.New("unknown tool")
)

// IsCancelled reports whether err stems from a callback abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

package session

import (
	"sync"
	"sync/atomic"
)

// CancelReason records why a turn's signal was set.
type CancelReason int32

const (
	ReasonNone CancelReason = iota
	ReasonClient
	ReasonNewConversation
	ReasonTimeout
	ReasonDisconnect
)

func (r CancelReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClient:
		return "cancel"
	case ReasonNewConversation:
		return "new_conversation"
	case ReasonTimeout:
		return "timeout"
	case ReasonDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Signal is the cancellation token of a single turn. A fresh Signal is made
// for every turn; once set it stays set. The first reason wins.
type Signal struct {
	set    atomic.Bool
	reason atomic.Int32
	done   chan struct{}
	once   sync.Once
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Set marks the signal and reports whether this call was the first.
func (s *Signal) Set(r CancelReason) bool {
	first := false
	s.once.Do(func() {
		s.reason.Store(int32(r))
		s.set.Store(true)
		close(s.done)
		first = true
	})
	return first
}

func (s *Signal) IsSet() bool {
	return s.set.Load()
}

func (s *Signal) Reason() CancelReason {
	return CancelReason(s.reason.Load())
}

// Done is closed once the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

package mcp

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrNotAllowed  = errors.New("MCP server not allowed")
	ErrInvalidPath = errors.New("MCP command path is not absolute")
	ErrArgsTooMany = errors.New("MCP command has too many arguments")
	ErrArgTooLong  = errors.New("MCP argument exceeds maximum length")
	ErrInvalidArg  = errors.New("MCP argument contains invalid characters")
)

const (
	DefaultMaxArgs      = 50
	DefaultMaxArgLength = 4096
)

// Allowed is one allowlist entry, keyed by server name in the config file.
// An empty Args list admits any arguments.
type Allowed struct {
	Command      string   `json:"command"`
	Args         []string `json:"args,omitempty"`
	MaxArgs      int      `json:"max_args,omitempty"`
	MaxArgLength int      `json:"max_arg_length,omitempty"`
}

// Policy decides which configured servers may be spawned. Without an
// allowlist any absolute command passes the argument checks; with one, a
// server must be listed under its name with the same command.
//
// The config file belongs to the operator, so this catches mistakes and
// runaway argument lists rather than sandboxing anything.
type Policy struct {
	allow map[string]Allowed
}

// NewPolicy resolves the allowlist commands on PATH. A nil or empty
// allowlist yields the permissive policy.
func NewPolicy(allowlist map[string]Allowed) (*Policy, error) {
	if len(allowlist) == 0 {
		return &Policy{}, nil
	}
	p := &Policy{allow: make(map[string]Allowed, len(allowlist))}
	for name, a := range allowlist {
		path, err := lookPath(a.Command)
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %s: %w", name, err)
		}
		a.Command = path
		if a.MaxArgs == 0 {
			a.MaxArgs = DefaultMaxArgs
		}
		if a.MaxArgLength == 0 {
			a.MaxArgLength = DefaultMaxArgLength
		}
		p.allow[name] = a
	}
	return p, nil
}

// Strict reports whether an allowlist is in force.
func (p *Policy) Strict() bool {
	return p.allow != nil
}

// Check validates a server whose Command has already been resolved to an
// absolute path.
func (p *Policy) Check(s ServerConfig) error {
	if !filepath.IsAbs(s.Command) {
		return fmt.Errorf("%w: %s", ErrInvalidPath, s.Command)
	}
	if !p.Strict() {
		return checkArgs(s.Args, DefaultMaxArgs, DefaultMaxArgLength)
	}

	a, ok := p.allow[s.Name]
	if !ok {
		return fmt.Errorf("%w: %s is not in the allowlist", ErrNotAllowed, s.Name)
	}
	if s.Command != a.Command {
		return fmt.Errorf("%w: %s must run %s, not %s", ErrNotAllowed, s.Name, a.Command, s.Command)
	}
	if err := checkArgs(s.Args, a.MaxArgs, a.MaxArgLength); err != nil {
		return err
	}
	if len(a.Args) == 0 {
		return nil
	}
	for _, arg := range s.Args {
		if !slices.Contains(a.Args, arg) {
			return fmt.Errorf("%w: argument %q for %s", ErrNotAllowed, arg, s.Name)
		}
	}
	return nil
}

func checkArgs(args []string, maxArgs, maxArgLength int) error {
	if len(args) > maxArgs {
		return fmt.Errorf("%w: got %d, max %d", ErrArgsTooMany, len(args), maxArgs)
	}
	for _, arg := range args {
		if len(arg) > maxArgLength {
			return fmt.Errorf("%w: length %d exceeds max %d", ErrArgTooLong, len(arg), maxArgLength)
		}
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("%w: contains NUL byte", ErrInvalidArg)
		}
	}
	return nil
}

// Package mcp provisions tools from external Model Context Protocol servers.
// Servers are declared in a JSON file, validated, spawned over stdio and
// their tools exposed to agents.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
)

// ServerConfig is one entry of the servers map.
type ServerConfig struct {
	Name    string            `json:"-"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// IsEnabled reports the enabled flag, which defaults to true.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Cmd builds the subprocess for the server. Env entries are layered on
// top of the current process environment.
func (c ServerConfig) Cmd() *exec.Cmd {
	cmd := exec.Command(c.Command, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envMapToSlice(c.Env)...)
	}
	return cmd
}

type File struct {
	Servers map[string]ServerConfig `json:"servers"`
	// Allowlist, when present, restricts which servers may be spawned.
	Allowlist map[string]Allowed `json:"allowlist,omitempty"`
}

// LoadFile reads the MCP config at path. A missing file yields an empty
// config and no error.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read MCP config: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse MCP config %s: %w", path, err)
	}
	for name, s := range f.Servers {
		s.Name = name
		f.Servers[name] = s
	}
	return &f, nil
}

// Enabled returns the enabled servers sorted by name.
func (f *File) Enabled() []ServerConfig {
	var out []ServerConfig
	for _, s := range f.Servers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func envMapToSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

package config

import (
	"strings"

	"github.com/ricochet1k/ghosttype/pkg/api"
)

// Resolved is the effective backend binding for one request: per-request
// overrides with server defaults filled in. Two requests share an agent
// handle only when their Resolved values are equal.
type Resolved struct {
	Provider   string
	ModelID    string
	AWSProfile string
	AWSRegion  string
}

// Resolve fills the empty fields of mc from the server defaults. A nil mc
// resolves to the defaults.
func (c *Config) Resolve(mc *api.ModelConfig) Resolved {
	var req api.ModelConfig
	if mc != nil {
		req = *mc
	}
	r := Resolved{
		Provider:   req.Provider,
		ModelID:    req.ModelID,
		AWSProfile: req.AWSProfile,
		AWSRegion:  req.AWSRegion,
	}
	if r.Provider == "" {
		r.Provider = c.Provider
	}
	r.Provider = strings.ToLower(r.Provider)
	// The configured model id belongs to the configured provider. Another
	// provider without an explicit model id falls back to its own default.
	if r.ModelID == "" && r.Provider == strings.ToLower(c.Provider) {
		r.ModelID = c.ModelID
	}
	if r.AWSProfile == "" {
		r.AWSProfile = c.AWSProfile
	}
	if r.AWSRegion == "" {
		r.AWSRegion = c.AWSRegion
	}
	return r
}

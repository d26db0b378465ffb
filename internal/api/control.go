package api

import (
	"errors"
	"net/http"
	"strings"
)

var ErrInvalidToken = errors.New("invalid control token")

// controlHeader carries the token on mutating requests. A bearer
// Authorization header is accepted too.
const controlHeader = "X-Control-Token"

// ControlStatus is reported to the UI so it can hide the command buttons.
type ControlStatus struct {
	Enabled    bool `json:"enabled"`
	Authorized bool `json:"authorized"`
}

// Control gates the commands that change transmitter state. With no tokens
// configured every request may issue commands.
type Control struct {
	tokens map[string]bool
}

// NewControl creates a gate accepting the given tokens.
func NewControl(tokens []string) *Control {
	set := make(map[string]bool)
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = true
		}
	}
	return &Control{tokens: set}
}

// IsEnabled returns true when tokens are required.
func (c *Control) IsEnabled() bool {
	return c != nil && len(c.tokens) > 0
}

// IsValidToken checks a token against the configured set.
func (c *Control) IsValidToken(token string) bool {
	if !c.IsEnabled() {
		return false
	}
	return c.tokens[token]
}

// Authorize checks the request's token.
func (c *Control) Authorize(r *http.Request) error {
	if !c.IsEnabled() {
		return nil
	}
	if !c.IsValidToken(requestToken(r)) {
		return ErrInvalidToken
	}
	return nil
}

// GetStatus reports whether the request may issue commands.
func (c *Control) GetStatus(r *http.Request) ControlStatus {
	return ControlStatus{
		Enabled:    c.IsEnabled(),
		Authorized: c.Authorize(r) == nil,
	}
}

func requestToken(r *http.Request) string {
	if t := r.Header.Get(controlHeader); t != "" {
		return t
	}
	if auth, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(auth)
	}
	return ""
}

package static

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/validq/pkg/auth"
)

type tokenConfig struct {
	// Token is the exact bearer token value expected by this entry.
	Token string `json:"token"`

	// Subject is returned as claims.Subject; validq expects a 0x address here.
	Subject string `json:"subject,omitempty"`

	Email  string   `json:"email,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Roles  []string `json:"roles,omitempty"`

	// Raw is returned as claims.Raw.
	Raw map[string]any `json:"raw,omitempty"`
}

type validatorConfig struct {
	tokenConfig
	Tokens []tokenConfig `json:"tokens,omitempty"`
}

type validator struct {
	tokens []tokenConfig
}

// NewValidatorFromJSON accepts a bare token string, a single token object,
// or {"tokens":[...]} for several principals.
func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var cfg validatorConfig
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &cfg.Token); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	}

	entries := cfg.Tokens
	if strings.TrimSpace(cfg.Token) != "" {
		entries = append([]tokenConfig{cfg.tokenConfig}, entries...)
	}
	if len(entries) == 0 {
		return nil, errors.New("static auth: token is required")
	}

	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		e.Token = strings.TrimSpace(e.Token)
		if e.Token == "" {
			return nil, fmt.Errorf("static auth: tokens[%d]: token is required", i)
		}
		if seen[e.Token] {
			return nil, fmt.Errorf("static auth: tokens[%d]: duplicate token", i)
		}
		seen[e.Token] = true
		e.Subject = strings.TrimSpace(e.Subject)
		if e.Subject == "" {
			e.Subject = "static"
		}
		if e.Raw == nil {
			e.Raw = map[string]any{}
		}
	}

	return &validator{tokens: entries}, nil
}

func (v *validator) Validate(token string) (*auth.Claims, error) {
	token = strings.TrimSpace(token)
	for _, e := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(e.Token)) == 1 {
			return &auth.Claims{
				Subject: e.Subject,
				Email:   e.Email,
				Scopes:  e.Scopes,
				Roles:   e.Roles,
				Raw:     e.Raw,
			}, nil
		}
	}
	return nil, errors.New("invalid token")
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}

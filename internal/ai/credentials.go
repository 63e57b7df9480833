// Package ai adapts chat-completion providers into the typed operations
// the receipt pipeline needs: triage, parse, duplicate detection, and
// categorization.
package ai

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/budgetly/mailsync/internal/config"
	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/internal/secrets"
	"github.com/budgetly/mailsync/pkg/llm"
)

// ErrNoCredentials means neither the user nor the server holds a usable
// API key for any configured provider.
var ErrNoCredentials = eris.New("ai: no usable api key")

// KeySource records where a resolved API key came from.
type KeySource string

const (
	KeySourceUser   KeySource = "user"
	KeySourceServer KeySource = "server"
)

// Credentials is a resolved provider choice: which provider to call, with
// which key, and where that key came from.
type Credentials struct {
	Provider string
	Config   config.ProviderConfig
	APIKey   string
	Source   KeySource
}

// ResolveCredentials picks the provider and API key for a sync run.
// Priority: the user's own (encrypted) key for the requested provider,
// then the server key for that provider, then the first server key of any
// provider in stable id order. requested defaults to cfg.DefaultProvider.
func ResolveCredentials(cfg config.AIConfig, user *model.User, cipher *secrets.Cipher, requested string) (*Credentials, error) {
	if requested == "" {
		requested = cfg.DefaultProvider
	}

	if pc, ok := cfg.Providers[requested]; ok {
		if key := decryptUserKey(user, cipher, requested); key != "" {
			return &Credentials{Provider: requested, Config: pc, APIKey: key, Source: KeySourceUser}, nil
		}
		if pc.APIKey != "" {
			return &Credentials{Provider: requested, Config: pc, APIKey: pc.APIKey, Source: KeySourceServer}, nil
		}
	}

	for _, id := range sortedProviderIDs(cfg) {
		pc := cfg.Providers[id]
		if pc.APIKey != "" {
			return &Credentials{Provider: id, Config: pc, APIKey: pc.APIKey, Source: KeySourceServer}, nil
		}
	}

	return nil, ErrNoCredentials
}

func decryptUserKey(user *model.User, cipher *secrets.Cipher, provider string) string {
	if user == nil || cipher == nil {
		return ""
	}
	enc, ok := user.APIKeys[provider]
	if !ok || enc == "" {
		return ""
	}
	key, err := cipher.Decrypt(enc)
	if err != nil {
		zap.L().Warn("failed to decrypt user api key, falling back to server key",
			zap.String("user_id", user.ID),
			zap.String("provider", provider),
			zap.Error(err),
		)
		return ""
	}
	return key
}

func sortedProviderIDs(cfg config.AIConfig) []string {
	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProviderStatus describes one configured provider for the control surface.
type ProviderStatus struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Model      string `json:"model"`
	HasUserKey bool   `json:"has_user_key"`
	ServerKey  string `json:"server_key,omitempty"` // masked
	IsDefault  bool   `json:"is_default"`
}

// ListProviders reports the configured providers and which keys are
// available for the given user. Server keys are masked for display.
func ListProviders(cfg config.AIConfig, user *model.User) []ProviderStatus {
	out := make([]ProviderStatus, 0, len(cfg.Providers))
	for _, id := range sortedProviderIDs(cfg) {
		pc := cfg.Providers[id]
		st := ProviderStatus{
			ID:        id,
			Label:     pc.Label,
			Model:     pc.Model,
			IsDefault: id == cfg.DefaultProvider,
		}
		if user != nil && user.APIKeys[id] != "" {
			st.HasUserKey = true
		}
		if pc.APIKey != "" {
			st.ServerKey = secrets.MaskKey(pc.APIKey)
		}
		out = append(out, st)
	}
	return out
}

// NewClient builds the llm.Client for resolved credentials.
func NewClient(creds *Credentials) llm.Client {
	if creds.Config.Kind == "anthropic" {
		return llm.NewAnthropicClient(creds.APIKey, creds.Config.Model)
	}
	return llm.NewOpenAIClient(creds.Config.BaseURL, creds.APIKey, llm.WithModel(creds.Config.Model))
}

// Package resolver turns a bot id into everything needed to launch it:
// command line, working directory, environment, model, endpoint and credential.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/botvisr/internal/env"
)

var (
	ErrUnknownBot        = errors.New("unknown bot")
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownEndpoint   = errors.New("unknown endpoint")
	ErrInvalidConfig     = errors.New("invalid bot config")
)

// LaunchConfig is a fully resolved launch description.
type LaunchConfig struct {
	BotID      string   `json:"bot_id"`
	BotName    string   `json:"bot_name"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
	Env        []string `json:"-"`
	Model      string   `json:"model,omitempty"`
	Endpoint   string   `json:"endpoint,omitempty"`
	Credential string   `json:"-"`
}

// Resolver resolves launch configuration for a bot.
type Resolver interface {
	Resolve(ctx context.Context, botID string) (LaunchConfig, error)
}

// Lister is implemented by resolvers that know their bots up front.
type Lister interface {
	BotIDs() []string
}

// BotSpec is a bot entry of the config file.
type BotSpec struct {
	ID            string   `json:"id" mapstructure:"id"`
	Name          string   `json:"name" mapstructure:"name"`
	Command       string   `json:"command" mapstructure:"command"`
	Args          []string `json:"args" mapstructure:"args"`
	WorkDir       string   `json:"work_dir" mapstructure:"work_dir"`
	Env           []string `json:"env" mapstructure:"env"`
	Model         string   `json:"model" mapstructure:"model"`
	Endpoint      string   `json:"endpoint" mapstructure:"endpoint"`
	CredentialKey string   `json:"credential_key" mapstructure:"credential_key"`
}

// Endpoint is a model provider the bots talk to.
type Endpoint struct {
	Name          string `json:"name" mapstructure:"name"`
	URL           string `json:"url" mapstructure:"url"`
	CredentialKey string `json:"credential_key" mapstructure:"credential_key"`
}

// Static resolves from a fixed set of bots and endpoints.
type Static struct {
	bots      map[string]BotSpec
	endpoints map[string]Endpoint
	creds     CredentialStore
	env       *env.Env
}

// NewStatic validates bots and endpoints. creds may be nil when no bot needs
// a credential; e may be nil to use the daemon environment.
func NewStatic(bots []BotSpec, endpoints []Endpoint, creds CredentialStore, e *env.Env) (*Static, error) {
	s := &Static{
		bots:      make(map[string]BotSpec, len(bots)),
		endpoints: make(map[string]Endpoint, len(endpoints)),
		creds:     creds,
		env:       e,
	}
	if s.env == nil {
		s.env = env.New()
	}
	for _, ep := range endpoints {
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: endpoint without name", ErrInvalidConfig)
		}
		if _, dup := s.endpoints[name]; dup {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidConfig, name)
		}
		s.endpoints[name] = ep
	}
	for _, b := range bots {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: bot without id", ErrInvalidConfig)
		}
		if _, dup := s.bots[id]; dup {
			return nil, fmt.Errorf("%w: duplicate bot %q", ErrInvalidConfig, id)
		}
		b.ID = id
		s.bots[id] = b
	}
	return s, nil
}

func (s *Static) BotIDs() []string {
	ids := make([]string, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Bot returns the configured entry for id.
func (s *Static) Bot(id string) (BotSpec, bool) {
	b, ok := s.bots[id]
	return b, ok
}

func (s *Static) Resolve(ctx context.Context, botID string) (LaunchConfig, error) {
	b, ok := s.bots[botID]
	if !ok {
		return LaunchConfig{}, fmt.Errorf("%w: %q", ErrUnknownBot, botID)
	}
	if strings.TrimSpace(b.Command) == "" {
		return LaunchConfig{}, fmt.Errorf("%w: bot %q has no command", ErrInvalidConfig, botID)
	}

	lc := LaunchConfig{
		BotID:   b.ID,
		BotName: b.Name,
		Command: b.Command,
		Args:    append([]string(nil), b.Args...),
		WorkDir: b.WorkDir,
		Model:   b.Model,
	}
	if lc.BotName == "" {
		lc.BotName = b.ID
	}

	credKey := b.CredentialKey
	if b.Endpoint != "" {
		ep, ok := s.endpoints[b.Endpoint]
		if !ok {
			return LaunchConfig{}, fmt.Errorf("%w: bot %q references %q", ErrUnknownEndpoint, botID, b.Endpoint)
		}
		lc.Endpoint = ep.URL
		if credKey == "" {
			credKey = ep.CredentialKey
		}
	}
	if credKey != "" {
		if s.creds == nil {
			return LaunchConfig{}, fmt.Errorf("%w: bot %q needs %q but no credential store is configured", ErrMissingCredential, botID, credKey)
		}
		cred, err := s.creds.Credential(ctx, credKey)
		if err != nil {
			return LaunchConfig{}, fmt.Errorf("bot %q: %w", botID, err)
		}
		lc.Credential = cred
	}

	resolved := []string{
		"BOT_ID=" + lc.BotID,
		"BOT_NAME=" + lc.BotName,
	}
	if lc.Model != "" {
		resolved = append(resolved, "BOT_MODEL="+lc.Model)
	}
	if lc.Endpoint != "" {
		resolved = append(resolved, "BOT_ENDPOINT="+lc.Endpoint)
	}
	if lc.Credential != "" {
		resolved = append(resolved, "BOT_API_KEY="+lc.Credential)
	}
	lc.Env = s.env.Merge(b.Env, resolved)
	return lc, nil
}

// Package config centralises runtime configuration helpers for Tably services.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// GenericTokenKey holds the fallback credential used when no role-specific
// token is configured.
const GenericTokenKey = "default"

// Settings contains the gateway configuration tree loaded from defaults,
// environment variables, an optional YAML file, and Option overrides.
type Settings struct {
	Environment    Environment
	Venue          string
	Role           string
	SocketURL      string
	Tokens         map[string]string
	Offline        bool
	Landing        bool
	ReconnectDelay time.Duration
	FanoutWorkers  int
	OTLPEndpoint   string
	ServiceName    string
	Debug          bool
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment:    EnvProd,
		Venue:          "",
		Role:           "",
		SocketURL:      "",
		Tokens:         make(map[string]string),
		Offline:        false,
		Landing:        false,
		ReconnectDelay: 2 * time.Second,
		FanoutWorkers:  4,
		OTLPEndpoint:   "",
		ServiceName:    "tably-gateway",
		Debug:          false,
	}
}

var knownRoles = []string{"customer", "cook", "waiter", "manager", "admin"}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("TABLY_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if venue := strings.TrimSpace(os.Getenv("TABLY_VENUE")); venue != "" {
		cfg.Venue = venue
	}
	if role := strings.TrimSpace(os.Getenv("TABLY_ROLE")); role != "" {
		cfg.Role = strings.ToLower(role)
	}
	if u := strings.TrimSpace(os.Getenv("TABLY_WS_URL")); u != "" {
		cfg.SocketURL = u
	}
	if token := strings.TrimSpace(os.Getenv("TABLY_TOKEN")); token != "" {
		cfg.Tokens[GenericTokenKey] = token
	}
	for _, role := range knownRoles {
		key := "TABLY_TOKEN_" + strings.ToUpper(role)
		if token := strings.TrimSpace(os.Getenv(key)); token != "" {
			cfg.Tokens[role] = token
		}
	}
	cfg.Offline = boolEnv("TABLY_OFFLINE")
	cfg.Landing = boolEnv("TABLY_LANDING")
	if endpoint := strings.TrimSpace(os.Getenv("TABLY_OTLP_ENDPOINT")); endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
	cfg.Debug = boolEnv("TABLY_DEBUG")
	return cfg
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type fileSettings struct {
	Environment    string            `yaml:"environment"`
	Venue          string            `yaml:"venue"`
	Role           string            `yaml:"role"`
	SocketURL      string            `yaml:"socket_url"`
	Tokens         map[string]string `yaml:"tokens"`
	Offline        *bool             `yaml:"offline"`
	Landing        *bool             `yaml:"landing"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	FanoutWorkers  int               `yaml:"fanout_workers"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint"`
	ServiceName    string            `yaml:"service_name"`
	Debug          *bool             `yaml:"debug"`
}

// LoadFile overlays YAML file settings onto base. The boolean return reports
// whether a file was found; a missing file is not an error.
func LoadFile(base Settings, path string) (Settings, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, false, nil
		}
		return base, false, fmt.Errorf("read config %s: %w", path, err)
	}
	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return base, true, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := base.clone()
	if v := strings.TrimSpace(fs.Environment); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(fs.Venue); v != "" {
		cfg.Venue = v
	}
	if v := strings.TrimSpace(fs.Role); v != "" {
		cfg.Role = strings.ToLower(v)
	}
	if v := strings.TrimSpace(fs.SocketURL); v != "" {
		cfg.SocketURL = v
	}
	for role, token := range fs.Tokens {
		role = strings.ToLower(strings.TrimSpace(role))
		token = strings.TrimSpace(token)
		if role == "" || token == "" {
			continue
		}
		cfg.Tokens[role] = token
	}
	if fs.Offline != nil {
		cfg.Offline = *fs.Offline
	}
	if fs.Landing != nil {
		cfg.Landing = *fs.Landing
	}
	if fs.ReconnectDelay > 0 {
		cfg.ReconnectDelay = fs.ReconnectDelay
	}
	if fs.FanoutWorkers > 0 {
		cfg.FanoutWorkers = fs.FanoutWorkers
	}
	if v := strings.TrimSpace(fs.OTLPEndpoint); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(fs.ServiceName); v != "" {
		cfg.ServiceName = v
	}
	if fs.Debug != nil {
		cfg.Debug = *fs.Debug
	}
	return cfg, true, nil
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithVenue configures the tenant slug.
func WithVenue(venue string) Option {
	venue = strings.TrimSpace(venue)
	return func(s *Settings) {
		if venue != "" {
			s.Venue = venue
		}
	}
}

// WithRole configures the acting dashboard role.
func WithRole(role string) Option {
	role = strings.ToLower(strings.TrimSpace(role))
	return func(s *Settings) {
		if role != "" {
			s.Role = role
		}
	}
}

// WithSocketURL configures the live channel endpoint.
func WithSocketURL(raw string) Option {
	raw = strings.TrimSpace(raw)
	return func(s *Settings) {
		if raw != "" {
			s.SocketURL = raw
		}
	}
}

// WithToken registers a credential for a role; use GenericTokenKey for the
// fallback credential.
func WithToken(role, token string) Option {
	role = strings.ToLower(strings.TrimSpace(role))
	token = strings.TrimSpace(token)
	return func(s *Settings) {
		if role == "" || token == "" {
			return
		}
		s.Tokens[role] = token
	}
}

// WithOffline forces the simulated strategy regardless of network availability.
func WithOffline(offline bool) Option {
	return func(s *Settings) {
		s.Offline = offline
	}
}

// WithLanding keeps the realtime subsystem fully disconnected.
func WithLanding(landing bool) Option {
	return func(s *Settings) {
		s.Landing = landing
	}
}

// WithReconnectDelay configures the fixed reconnect backoff.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.ReconnectDelay = d
		}
	}
}

// Token resolves the credential for a role, falling back to the generic one.
func (s Settings) Token(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if token, ok := s.Tokens[role]; ok && token != "" {
		return token
	}
	return s.Tokens[GenericTokenKey]
}

// Sandbox reports whether the socket endpoint looks like a non-production
// host. The heuristic mirrors the backend's host layout: sandbox, staging and
// loopback hosts never carry production traffic.
func (s Settings) Sandbox() bool {
	if s.Environment != EnvProd {
		return true
	}
	parsed, err := url.Parse(s.SocketURL)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.Contains(host, "sandbox") || strings.Contains(host, "staging")
}

func (s Settings) clone() Settings {
	out := s
	out.Tokens = make(map[string]string, len(s.Tokens))
	for k, v := range s.Tokens {
		out.Tokens[k] = v
	}
	return out
}

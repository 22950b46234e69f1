package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/voxgate/voxgate/internal/tools/mcpattach"
	"github.com/voxgate/voxgate/pkg/upstream/gemini"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// GEMINI_API_KEY environment fallback, and validates the result. Unknown
// fields are rejected so typos fail loudly instead of being ignored. An
// empty document is allowed; such a config runs entirely on defaults and
// environment credentials.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults and
// pulls the upstream credential from the environment when the file omits it.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = gemini.DefaultModel
	}
	if cfg.Tools.ExecTimeout == 0 {
		cfg.Tools.ExecTimeout = Duration(30 * time.Second)
	}
	if cfg.Token.TTL == 0 {
		cfg.Token.TTL = Duration(30 * time.Minute)
	}
	if cfg.Token.NewSessionWindow == 0 {
		cfg.Token.NewSessionWindow = Duration(5 * time.Minute)
	}
	if cfg.Token.Uses == 0 {
		cfg.Token.Uses = 10
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}
	if slices.Contains(cfg.Server.AllowedOrigins, "*") {
		slog.Warn("server.allowed_origins contains \"*\"; any origin may open sessions")
	}

	// Upstream
	if cfg.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream.api_key is required (set it or the GEMINI_API_KEY environment variable)"))
	}

	// Tools
	if cfg.Tools.ExecTimeout.Std() <= 0 {
		errs = append(errs, fmt.Errorf("tools.exec_timeout %v must be positive", cfg.Tools.ExecTimeout.Std()))
	}
	mcpNamesSeen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpattach.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpattach.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Token
	if cfg.Token.Enabled {
		if cfg.Token.TTL.Std() <= 0 {
			errs = append(errs, fmt.Errorf("token.ttl %v must be positive", cfg.Token.TTL.Std()))
		}
		if cfg.Token.NewSessionWindow.Std() <= 0 {
			errs = append(errs, fmt.Errorf("token.new_session_window %v must be positive", cfg.Token.NewSessionWindow.Std()))
		}
		if cfg.Token.NewSessionWindow.Std() > cfg.Token.TTL.Std() {
			errs = append(errs, fmt.Errorf("token.new_session_window %v must not exceed token.ttl %v", cfg.Token.NewSessionWindow.Std(), cfg.Token.TTL.Std()))
		}
		if cfg.Token.Uses <= 0 {
			errs = append(errs, fmt.Errorf("token.uses %d must be positive", cfg.Token.Uses))
		}
	}

	return errors.Join(errs...)
}

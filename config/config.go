// Package config loads mcpcheck.yaml, applies environment overrides and
// validates the result. Command-line flags are applied by the cli package
// on top of what Load returns.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "mcpcheck.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".mcpcheck"

	EnvBaseURL = "MCPCHECK_BASE_URL"
	EnvCommand = "MCPCHECK_COMMAND"

	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses values like "90s" or "3m".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"90s\"", node.Line)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the resolved harness configuration.
type Config struct {
	Transport     string   `yaml:"transport"`
	BaseURL       string   `yaml:"base_url"`
	Timeout       Duration `yaml:"timeout"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	Output        string   `yaml:"output"`
	Suite         string   `yaml:"suite"`
	CasesFile     string   `yaml:"cases_file,omitempty"`
	Parallelism   int      `yaml:"parallelism"`
	RequireHealth bool     `yaml:"require_health"`
	HistoryDB     string   `yaml:"history_db,omitempty"`
	OTLPEndpoint  string   `yaml:"otlp_endpoint,omitempty"`
	Schedule      string   `yaml:"schedule,omitempty"`

	Client ClientConfig `yaml:"client"`
	Stdio  StdioConfig  `yaml:"stdio"`
}

// ClientConfig is announced as clientInfo during the stdio handshake.
type ClientConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// StdioConfig describes how to spawn the server for the stdio transport.
type StdioConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Session string            `yaml:"session,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Transport:     TransportHTTP,
		BaseURL:       "http://localhost:5001",
		Timeout:       Duration(180 * time.Second),
		ProbeTimeout:  Duration(30 * time.Second),
		Output:        "mcpcheck-report.json",
		Suite:         "release",
		Parallelism:   1,
		RequireHealth: true,
		Client: ClientConfig{
			Name:    "mcpcheck",
			Version: "dev",
		},
		Stdio: StdioConfig{
			Session: "per_case",
		},
	}
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and reads the config file, then applies environment
// overrides. A missing file yields the defaults.
func Load(explicitPath string) (Config, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg := Default()
	if found {
		cfg, err = LoadFile(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, path, nil
}

// LoadFile reads one config file on top of the defaults. Relative paths in
// the file resolve against the file's directory.
func LoadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes a config document on top of the defaults and expands
// $VAR references in string fields.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.expandEnv()
	return cfg, nil
}

// ApplyEnv overlays MCPCHECK_BASE_URL and MCPCHECK_COMMAND. A command
// override also selects the stdio transport.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if value, ok := lookup(EnvBaseURL); ok && strings.TrimSpace(value) != "" {
		c.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := lookup(EnvCommand); ok && strings.TrimSpace(value) != "" {
		c.SetCommandLine(value)
		c.Transport = TransportStdio
	}
}

// SetCommandLine splits a whitespace-separated command line into the stdio
// command and its arguments.
func (c *Config) SetCommandLine(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	c.Stdio.Command = fields[0]
	c.Stdio.Args = fields[1:]
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportHTTP:
		if strings.TrimSpace(c.BaseURL) == "" {
			return errors.New("config: base_url is required for the http transport")
		}
	case TransportStdio:
		if strings.TrimSpace(c.Stdio.Command) == "" {
			return errors.New("config: stdio.command is required for the stdio transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (want http or stdio)", c.Transport)
	}
	if c.Timeout <= 0 {
		return errors.New("config: timeout must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("config: probe_timeout must be positive")
	}
	if c.Parallelism < 1 {
		return errors.New("config: parallelism must be at least 1")
	}
	switch c.Stdio.Session {
	case "", "per_case", "per_run":
	default:
		return fmt.Errorf("config: unknown stdio.session %q (want per_case or per_run)", c.Stdio.Session)
	}
	if strings.TrimSpace(c.Output) == "" {
		return errors.New("config: output is required")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.BaseURL = os.ExpandEnv(c.BaseURL)
	c.Output = os.ExpandEnv(c.Output)
	c.CasesFile = os.ExpandEnv(c.CasesFile)
	c.HistoryDB = os.ExpandEnv(c.HistoryDB)
	c.OTLPEndpoint = os.ExpandEnv(c.OTLPEndpoint)
	c.Stdio.Command = os.ExpandEnv(c.Stdio.Command)
	c.Stdio.Dir = os.ExpandEnv(c.Stdio.Dir)
	for i, arg := range c.Stdio.Args {
		c.Stdio.Args[i] = os.ExpandEnv(arg)
	}
	for key, value := range c.Stdio.Env {
		c.Stdio.Env[key] = os.ExpandEnv(value)
	}
}

func (c *Config) resolvePaths(baseDir string) {
	if c.CasesFile != "" {
		c.CasesFile = resolveConfigRelative(baseDir, c.CasesFile)
	}
	if c.HistoryDB != "" && !strings.HasPrefix(c.HistoryDB, "file:") {
		c.HistoryDB = resolveConfigRelative(baseDir, c.HistoryDB)
	}
	if c.Stdio.Dir != "" {
		c.Stdio.Dir = resolveConfigRelative(baseDir, c.Stdio.Dir)
	}
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}

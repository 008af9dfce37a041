// Package config provides configuration management for rescale-upload.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/rescale/rescale-upload/internal/constants"
)

// Environment overrides, applied after the file and before CLI flags.
const (
	EnvEndpoint      = "RESCALE_UPLOAD_ENDPOINT"
	EnvMaxConcurrent = "RESCALE_UPLOAD_MAX_CONCURRENT"
)

// Config is the upload client configuration.
//
// Config file location:
//   - Windows: %USERPROFILE%\.config\rescale\upload.ini
//   - Unix: ~/.config/rescale/upload.ini
//
// INI format:
//
//	[upload]
//	endpoint = https://uploads.example.com/api/upload
//	max_concurrent = 3
//
//	[upload.headers]
//	Authorization = Bearer <token>
//
//	[upload.fields]
//	project = p-123
//
//	[proxy]
//	mode = basic
//	host = proxy.corp
//	port = 8080
//	user = alice
//	password = secret
//	no_proxy = *.internal.corp,10.0.0.0/8
type Config struct {
	Endpoint      string
	MaxConcurrent int
	Headers       map[string]string // Sent on every upload request
	Fields        map[string]string // Extra multipart form fields

	Proxy ProxyConfig
}

// ProxyConfig selects how the upload HTTP client reaches the endpoint.
type ProxyConfig struct {
	// Mode is one of no-proxy, system, basic or ntlm. Empty means no-proxy.
	Mode     string
	Host     string
	Port     int
	User     string
	Password string
	// NoProxy is a comma-separated bypass list (hosts, *.domains, CIDRs).
	NoProxy string
}

// Validation errors
var (
	ErrMissingEndpoint      = errors.New("endpoint is required")
	ErrInvalidEndpoint      = errors.New("endpoint must be an absolute http or https URL")
	ErrInvalidMaxConcurrent = fmt.Errorf("max_concurrent must be between %d and %d",
		constants.MinMaxConcurrent, constants.MaxMaxConcurrent)
	ErrInvalidProxyMode = errors.New("proxy mode must be one of no-proxy, system, basic, ntlm")
)

var proxyModes = map[string]bool{
	"":         true,
	"no-proxy": true,
	"system":   true,
	"basic":    true,
	"ntlm":     true,
}

// DefaultConfigPath returns the default path for the config file.
func DefaultConfigPath() (string, error) {
	var configDir string

	if runtime.GOOS == "windows" {
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", errors.New("USERPROFILE environment variable not set")
		}
		configDir = filepath.Join(userProfile, ".config", "rescale")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config", "rescale")
	}

	return filepath.Join(configDir, "upload.ini"), nil
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConcurrent: constants.DefaultMaxConcurrent,
		Headers:       make(map[string]string),
		Fields:        make(map[string]string),
		Proxy: ProxyConfig{
			Mode: "no-proxy",
		},
	}
}

// Load reads configuration from an INI file.
// If the file doesn't exist, returns defaults and no error.
// If path is empty the default path is used.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	uploadSection := iniFile.Section("upload")
	cfg.Endpoint = uploadSection.Key("endpoint").String()
	cfg.MaxConcurrent = uploadSection.Key("max_concurrent").MustInt(constants.DefaultMaxConcurrent)

	for _, key := range iniFile.Section("upload.headers").Keys() {
		cfg.Headers[key.Name()] = key.String()
	}
	for _, key := range iniFile.Section("upload.fields").Keys() {
		cfg.Fields[key.Name()] = key.String()
	}

	proxySection := iniFile.Section("proxy")
	cfg.Proxy.Mode = strings.ToLower(proxySection.Key("mode").MustString("no-proxy"))
	cfg.Proxy.Host = proxySection.Key("host").String()
	cfg.Proxy.Port = proxySection.Key("port").MustInt(0)
	cfg.Proxy.User = proxySection.Key("user").String()
	cfg.Proxy.Password = proxySection.Key("password").String()
	cfg.Proxy.NoProxy = proxySection.Key("no_proxy").String()

	return cfg, nil
}

// Save writes configuration to an INI file, creating parent directories.
// The proxy password and auth headers are stored in the file, so it is
// written with user-only permissions.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	iniFile := ini.Empty()

	uploadSection, err := iniFile.NewSection("upload")
	if err != nil {
		return fmt.Errorf("failed to create upload section: %w", err)
	}
	uploadSection.Key("endpoint").SetValue(cfg.Endpoint)
	uploadSection.Key("max_concurrent").SetValue(strconv.Itoa(cfg.MaxConcurrent))

	if err := writeMap(iniFile, "upload.headers", cfg.Headers); err != nil {
		return err
	}
	if err := writeMap(iniFile, "upload.fields", cfg.Fields); err != nil {
		return err
	}

	proxySection, err := iniFile.NewSection("proxy")
	if err != nil {
		return fmt.Errorf("failed to create proxy section: %w", err)
	}
	proxySection.Key("mode").SetValue(cfg.Proxy.Mode)
	proxySection.Key("host").SetValue(cfg.Proxy.Host)
	proxySection.Key("port").SetValue(strconv.Itoa(cfg.Proxy.Port))
	proxySection.Key("user").SetValue(cfg.Proxy.User)
	proxySection.Key("password").SetValue(cfg.Proxy.Password)
	proxySection.Key("no_proxy").SetValue(cfg.Proxy.NoProxy)

	// Temporary file + rename for atomicity
	tmpPath := path + ".tmp"
	if err := iniFile.SaveTo(tmpPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpPath, 0600); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to set config permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config: %w", err)
	}

	return nil
}

func writeMap(iniFile *ini.File, name string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	section, err := iniFile.NewSection(name)
	if err != nil {
		return fmt.Errorf("failed to create %s section: %w", name, err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		section.Key(k).SetValue(values[k])
	}
	return nil
}

// ApplyEnv overlays the RESCALE_UPLOAD_* environment variables.
func (cfg *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		cfg.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrent)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxConcurrent, v, err)
		}
		cfg.MaxConcurrent = n
	}
	return nil
}

// Validate checks settings that do not depend on the command being run.
func (cfg *Config) Validate() error {
	if cfg.MaxConcurrent < constants.MinMaxConcurrent || cfg.MaxConcurrent > constants.MaxMaxConcurrent {
		return ErrInvalidMaxConcurrent
	}
	if !proxyModes[strings.ToLower(cfg.Proxy.Mode)] {
		return fmt.Errorf("%w: got %q", ErrInvalidProxyMode, cfg.Proxy.Mode)
	}
	return nil
}

// ValidateForUpload additionally requires a usable endpoint.
func (cfg *Config) ValidateForUpload() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return ErrMissingEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidEndpoint
	}
	return nil
}

// ParseKeyValues turns repeated K=V flag values into a map. Later values win.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

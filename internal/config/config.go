// Package config loads and validates the treesync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvAccessToken overrides access_token when set, either in the
	// environment or in a .env file.
	EnvAccessToken = "TREESYNC_ACCESS_TOKEN"

	// DefaultAPIURL is the production TreeMapper API.
	DefaultAPIURL = "https://app.plant-for-the-planet.org/treemapper"

	defaultPollInterval = 15 * time.Minute
	minPollInterval     = time.Minute
	maxPollInterval     = 24 * time.Hour
	defaultMaxFixAge    = 10 * time.Minute
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the TreeMapper API, without a trailing slash.
	APIURL string `yaml:"api_url"`

	// AccessToken authenticates every request. It may be left empty here and
	// supplied through TREESYNC_ACCESS_TOKEN instead.
	AccessToken string `yaml:"access_token,omitempty"`

	// PlantProject is sent as plantProject on new plant locations. Empty
	// sends null.
	PlantProject string `yaml:"plant_project,omitempty"`

	// DBPath is the inventory database. Defaults to
	// ~/.local/share/treesync/inventory.db when empty.
	DBPath string `yaml:"db_path,omitempty"`

	// ImageDir is the directory relative image references resolve against.
	ImageDir string `yaml:"image_dir,omitempty"`

	// PollInterval controls how often the daemon starts a sync run.
	// Minimum 1m, maximum 24h. Defaults to 15m if unset.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// Location is a fixed device position. Exactly one of Location and
	// LocationFile must be set.
	Location *LocationConfig `yaml:"location,omitempty"`

	// LocationFile is a JSON last-known-fix file written by the capture device.
	LocationFile string `yaml:"location_file,omitempty"`

	// MaxFixAge rejects LocationFile fixes older than this. Defaults to 10m.
	MaxFixAge time.Duration `yaml:"max_fix_age,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// LocationConfig is a fixed latitude/longitude pair.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "treesync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/treesync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "treesync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. A .env
// file next to the config and one in the working directory are loaded
// first; variables already in the environment win.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if tok := os.Getenv(EnvAccessToken); tok != "" {
		cfg.AccessToken = tok
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves cfg to path, creating the directory if needed. The file holds
// the access token and is written owner-only.
func Write(path string, cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// loadDotEnv loads each existing file in order. Missing files are skipped.
func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", abs, err)
		}
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}

	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollInterval < minPollInterval {
		return fmt.Errorf("poll_interval %v is too short (minimum 1m)", c.PollInterval)
	}
	if c.PollInterval > maxPollInterval {
		return fmt.Errorf("poll_interval %v is too long (maximum 24h)", c.PollInterval)
	}

	switch {
	case c.Location == nil && c.LocationFile == "":
		return fmt.Errorf("one of location or location_file is required")
	case c.Location != nil && c.LocationFile != "":
		return fmt.Errorf("location and location_file are mutually exclusive")
	case c.Location != nil:
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
			return fmt.Errorf("location.latitude %v is out of range", c.Location.Latitude)
		}
		if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return fmt.Errorf("location.longitude %v is out of range", c.Location.Longitude)
		}
	}
	if c.MaxFixAge == 0 {
		c.MaxFixAge = defaultMaxFixAge
	}
	if c.MaxFixAge < 0 {
		return fmt.Errorf("max_fix_age %v must be positive", c.MaxFixAge)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

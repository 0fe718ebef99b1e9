package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/config"
	"github.com/treemapper/treesync/internal/session"
)

// PingFunc checks that the API at apiURL accepts token.
type PingFunc func(ctx context.Context, apiURL, token string) error

// APIPing returns a PingFunc backed by [api.Client.Ping].
func APIPing(logger *slog.Logger) PingFunc {
	return func(ctx context.Context, apiURL, token string) error {
		client, err := api.NewClient(apiURL, logger)
		if err != nil {
			return err
		}
		creds, err := session.NewProvider(token).Credentials(ctx)
		if err != nil {
			return err
		}
		return client.Ping(ctx, creds)
	}
}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	ping    PingFunc
}

// NewWizard creates a Wizard that writes the config to cfgPath.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger, cfgPath string, ping PingFunc) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		ping:    ping,
	}
}

// Run executes the interactive setup wizard: API connection, device
// location, storage, then the config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to treesync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes the configuration used by sync-once and daemon.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: API connection.
	fmt.Fprintf(wiz.w, "Step 1/4: TreeMapper API\n")

	apiURL := wiz.prompt.String("API URL", config.DefaultAPIURL)
	token := wiz.prompt.Secret("Access token")

	fmt.Fprintf(wiz.w, "  Checking credentials...")
	if err := wiz.ping(ctx, apiURL, token); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return fmt.Errorf("cannot reach the API: %w\n\n  Check the URL and token, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n\n")

	cfg := &config.Config{APIURL: apiURL, AccessToken: token}

	// Step 2: Device location.
	fmt.Fprintf(wiz.w, "Step 2/4: Device Location\n")
	if err := wiz.askLocation(cfg); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: Storage and schedule.
	fmt.Fprintf(wiz.w, "Step 3/4: Storage and Schedule\n")
	cfg.DBPath = wiz.prompt.Optional("Inventory database path", "")
	cfg.ImageDir = wiz.prompt.Optional("Image directory", "")
	cfg.PlantProject = wiz.prompt.Optional("Plant project ID", "")
	cfg.PollInterval = wiz.prompt.Duration("Daemon sync interval (1m to 24h)", 15*time.Minute)
	fmt.Fprintf(wiz.w, "\n")

	// Step 4: Write config.
	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")
	if err := config.Write(wiz.cfgPath, cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	wiz.logger.Debug("config written", "path", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete!\n")
	fmt.Fprintf(wiz.w, "  Check:   treesync check\n")
	fmt.Fprintf(wiz.w, "  Sync:    treesync sync-once\n")
	fmt.Fprintf(wiz.w, "  Daemon:  treesync daemon\n\n")
	return nil
}

// askLocation fills either the fixed position or the fix file.
func (wiz *Wizard) askLocation(cfg *config.Config) error {
	idx, err := wiz.prompt.Select("Where does the device position come from", []string{
		"Fixed coordinates",
		"Last-known-fix file written by the capture device",
	})
	if err != nil {
		return fmt.Errorf("selecting location source: %w", err)
	}

	if idx == 1 {
		cfg.LocationFile = wiz.prompt.String("Fix file path", "")
		cfg.MaxFixAge = wiz.prompt.Duration("Maximum fix age", 10*time.Minute)
		return nil
	}

	lat, err := wiz.prompt.Float("Latitude", -90, 90)
	if err != nil {
		return fmt.Errorf("reading latitude: %w", err)
	}
	lon, err := wiz.prompt.Float("Longitude", -180, 180)
	if err != nil {
		return fmt.Errorf("reading longitude: %w", err)
	}
	cfg.Location = &config.LocationConfig{Latitude: lat, Longitude: lon}
	return nil
}

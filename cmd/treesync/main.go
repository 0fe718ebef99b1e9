// Treesync uploads tree-planting inventory records captured offline to the
// TreeMapper plant-location API, resuming interrupted uploads on the next run.
//
// Usage:
//
//	treesync setup                         # interactive first-run wizard
//	treesync sync-once [--config <path>]   # single upload run then exit
//	treesync daemon [--config <path>]      # upload run on every poll interval
//	treesync import [--config ...] <file>  # store captured records as pending
//	treesync status [--config <path>]      # record counts and config state
//	treesync clear [--incomplete]          # delete uploaded (or incomplete) records
//	treesync delete <inventory-id>         # delete one record
//	treesync set-date <id> <YYYY-MM-DD>    # change a record's plantation date
//	treesync species [--config <path>]     # list the account's species
//	treesync check [--config <path>]       # verify API reachability and token
//	treesync version                       # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/config"
	"github.com/treemapper/treesync/internal/geo"
	"github.com/treemapper/treesync/internal/model"
	"github.com/treemapper/treesync/internal/photo"
	"github.com/treemapper/treesync/internal/session"
	"github.com/treemapper/treesync/internal/setup"
	"github.com/treemapper/treesync/internal/state"
	syncp "github.com/treemapper/treesync/internal/sync"
	"github.com/treemapper/treesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "setup":
		return runSetup(args)
	case "daemon":
		return runSync(args, true)
	case "sync-once":
		return runSync(args, false)
	case "import":
		return runImport(args)
	case "status":
		return runStatus(args)
	case "clear":
		return runClear(args)
	case "delete":
		return runDelete(args)
	case "set-date":
		return runSetDate(args)
	case "species":
		return runSpecies(args)
	case "check":
		return runCheck(args)
	case "version":
		fmt.Println("treesync", version)
		return nil
	}

	return fmt.Errorf("unknown command %q: run 'treesync' for usage", os.Args[1])
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "treesync: upload offline tree inventories to TreeMapper")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  treesync setup                     Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  treesync sync-once [--config ...]  Single upload run then exit")
	fmt.Fprintln(os.Stderr, "  treesync daemon [--config ...]     Upload on every poll interval")
	fmt.Fprintln(os.Stderr, "  treesync import <file.json>        Store captured records as pending")
	fmt.Fprintln(os.Stderr, "  treesync status                    Show record counts and config")
	fmt.Fprintln(os.Stderr, "  treesync clear [--incomplete]      Delete uploaded (or incomplete) records")
	fmt.Fprintln(os.Stderr, "  treesync delete <id>               Delete one record")
	fmt.Fprintln(os.Stderr, "  treesync set-date <id> <date>      Change a record's plantation date")
	fmt.Fprintln(os.Stderr, "  treesync species                   List species on the account")
	fmt.Fprintln(os.Stderr, "  treesync check                     Verify API URL and token")
	fmt.Fprintln(os.Stderr, "  treesync version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "No config file found. Run 'treesync setup' to get started.")
	}
}

// --- Shared wiring -----------------------------------------------------------

// commonFlags holds the flags every config-reading subcommand accepts.
type commonFlags struct {
	cfgPath string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := &commonFlags{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&cf.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&cf.verbose, "verbose", false, "enable debug logging")
	return fs, cf
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(cfgPath string) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	return cfg, nil
}

// dbPath returns the configured database path or the default one.
func dbPath(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return p, nil
}

// openStore opens the record store; the returned func closes it.
func openStore(cfg *config.Config, logger *slog.Logger) (*state.Store, func(), error) {
	path, err := dbPath(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state DB at %q: %w", path, err)
	}
	logger.Debug("state DB opened", "path", path)
	return store, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}, nil
}

// locationProvider picks the fixed position or the last-known-fix file.
func locationProvider(cfg *config.Config) syncp.LocationProvider {
	if cfg.Location != nil {
		return geo.Fixed{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}
	}
	return geo.NewLastFix(cfg.LocationFile, cfg.MaxFixAge)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, cf := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger, cf.cfgPath, setup.APIPing(logger))
	return wiz.Run(ctx)
}

// runSync handles both "daemon" and "sync-once".
func runSync(args []string, daemon bool) error {
	fs, cf := newFlagSet("sync")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(cf.verbose)

	// --- Config --------------------------------------------------------------

	cfg, err := loadConfig(cf.cfgPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded",
		"api_url", cfg.APIURL,
		"poll_interval", cfg.PollInterval,
		"fixed_location", cfg.Location != nil,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version); ok {
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- State DB ------------------------------------------------------------

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Pipeline ------------------------------------------------------------

	client, err := api.NewClient(cfg.APIURL, logger)
	if err != nil {
		return fmt.Errorf("initialising API client: %w", err)
	}
	sess := session.NewProvider(cfg.AccessToken)
	if exp, ok := sess.Expiry(); ok {
		logger.Debug("access token expiry", "expires", exp)
	}

	var opts []syncp.Option
	if cfg.PlantProject != "" {
		opts = append(opts, syncp.WithPlantProject(cfg.PlantProject))
	}
	if !daemon {
		opts = append(opts, syncp.WithProgress(func(p syncp.Progress) {
			logger.Info("progress",
				"inventory", p.InventoryID,
				"records", fmt.Sprintf("%d/%d", p.RecordsDone, p.RecordsTotal),
				"images", fmt.Sprintf("%d/%d", p.ImagesDone, p.ImagesTotal),
				"percent", int(p.Fraction()*100),
			)
		}))
	}

	orch := syncp.NewOrchestrator(store, client, sess, locationProvider(cfg),
		photo.FileSource{Root: cfg.ImageDir}, logger, opts...)
	engine := syncp.NewEngine(orch, store, cfg.PollInterval, logger)

	ctx, stop := signalContext()
	defer stop()

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		logger.Info("running single sync pass")
		res, err := engine.RunOnce(ctx)
		logger.Info("sync complete",
			"records", res.Total,
			"completed", len(res.Completed),
			"remaining", len(res.Remaining),
			"created", res.Created,
			"resumed", res.Resumed,
			"images_uploaded", res.ImagesUploaded,
			"images_failed", res.ImagesFailed(),
		)
		for _, f := range res.Failures {
			logger.Warn("record not finished", "error", f)
		}
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return fmt.Errorf("%d record(s) still pending upload", len(res.Remaining))
		}
		return nil
	}

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync engine: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runImport validates captured records from a JSON file and stores them as
// pending so the next run uploads them.
func runImport(args []string) error {
	fs, cf := newFlagSet("import")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: treesync import [--config <path>] <file.json>")
	}
	logger := newLogger(cf.verbose)

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("opening %q: %w", fs.Arg(0), err)
	}
	defer f.Close()

	records, err := decodeInventories(f)
	if err != nil {
		return fmt.Errorf("reading %q: %w", fs.Arg(0), err)
	}

	cfg, err := optionalConfig(cf.cfgPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signalContext()
	defer stop()

	if err := store.CreateInventories(ctx, records); err != nil {
		return fmt.Errorf("storing records (none imported): %w", err)
	}
	for _, inv := range records {
		fmt.Printf("  ✓ %s (%s, %d coordinate(s))\n", inv.ID, inv.TreeType, len(inv.Coordinates))
	}
	fmt.Printf("Imported %d record(s) as pending.\n", len(records))
	return nil
}

// decodeInventories reads one record or an array of records, validates each
// and marks them pending. Stored state from the file is discarded.
func decodeInventories(r io.Reader) ([]*model.Inventory, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var records []*model.Inventory
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(data, &records)
	} else {
		var one model.Inventory
		err = json.Unmarshal(data, &one)
		records = []*model.Inventory{&one}
	}
	if err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("no records in file")
	}

	for i, inv := range records {
		if inv == nil {
			return nil, fmt.Errorf("record %d is null", i)
		}
		if err := inv.Validate(); err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, inv.ID, err)
		}
		inv.Status = model.StatusPending
		inv.RemoteResponse = nil
		for j := range inv.Coordinates {
			inv.Coordinates[j].ImageUploaded = false
		}
	}
	return records, nil
}

// optionalConfig loads the config when the file exists. Offline commands
// fall back to defaults without one.
func optionalConfig(cfgPath string) (*config.Config, error) {
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return loadConfig(cfgPath)
}

// runStatus prints record counts and configuration state.
func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("treesync status")
	fmt.Println("───────────────")

	var cfg *config.Config
	if _, err := os.Stat(cf.cfgPath); err == nil {
		if loaded, loadErr := config.Load(cf.cfgPath); loadErr == nil {
			cfg = loaded
			fmt.Printf("  Config:    %s ✓\n", cf.cfgPath)
			fmt.Printf("  API URL:   %s\n", cfg.APIURL)
			fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
			if exp, ok := session.NewProvider(cfg.AccessToken).Expiry(); ok {
				fmt.Printf("  Token:     expires %s\n", exp.Local().Format(time.RFC1123))
			} else if cfg.AccessToken == "" {
				fmt.Printf("  Token:     not set\n")
			}
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cf.cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cf.cfgPath)
	}

	path, err := dbPath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("  State DB:  not found\n")
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", path, humanSize(info.Size()))

	store, err := state.Open(path)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", path, err)
	}
	defer store.Close()

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		return err
	}
	for _, s := range []model.Status{model.StatusIncomplete, model.StatusPending, model.StatusUploading, model.StatusComplete} {
		fmt.Printf("  %-10s %d\n", string(s)+":", counts[s])
	}
	return nil
}

// runClear deletes every uploaded record, or every incomplete one with
// --incomplete.
func runClear(args []string) error {
	fs, cf := newFlagSet("clear")
	incomplete := fs.Bool("incomplete", false, "delete incomplete records instead of uploaded ones")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := newLogger(cf.verbose)

	cfg, err := optionalConfig(cf.cfgPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	status := model.StatusComplete
	if *incomplete {
		status = model.StatusIncomplete
	}
	n, err := store.DeleteByStatus(context.Background(), status)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d %s record(s).\n", n, status)
	return nil
}

// runDelete removes one record.
func runDelete(args []string) error {
	fs, cf := newFlagSet("delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: treesync delete <inventory-id>")
	}
	logger := newLogger(cf.verbose)

	cfg, err := optionalConfig(cf.cfgPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeleteInventory(context.Background(), fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("Deleted %s.\n", fs.Arg(0))
	return nil
}

// runSetDate changes the plantation date of one record.
func runSetDate(args []string) error {
	fs, cf := newFlagSet("set-date")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: treesync set-date <inventory-id> <YYYY-MM-DD>")
	}
	date, err := time.Parse(time.DateOnly, fs.Arg(1))
	if err != nil {
		return fmt.Errorf("parsing date %q: %w", fs.Arg(1), err)
	}
	logger := newLogger(cf.verbose)

	cfg, err := optionalConfig(cf.cfgPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.UpdatePlantationDate(context.Background(), fs.Arg(0), date); err != nil {
		return err
	}
	fmt.Printf("Plantation date of %s set to %s.\n", fs.Arg(0), date.Format(time.DateOnly))
	return nil
}

// apiFromConfig builds the API client and credentials for online commands.
func apiFromConfig(cf *commonFlags) (*api.Client, api.Credentials, error) {
	logger := newLogger(cf.verbose)
	cfg, err := loadConfig(cf.cfgPath)
	if err != nil {
		return nil, api.Credentials{}, err
	}
	client, err := api.NewClient(cfg.APIURL, logger)
	if err != nil {
		return nil, api.Credentials{}, err
	}
	creds, err := session.NewProvider(cfg.AccessToken).Credentials(context.Background())
	if err != nil {
		return nil, api.Credentials{}, err
	}
	return client, creds, nil
}

// runSpecies lists the species stored on the account.
func runSpecies(args []string) error {
	fs, cf := newFlagSet("species")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, creds, err := apiFromConfig(cf)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	list, err := client.ListSpecies(ctx, creds)
	if err != nil {
		return err
	}
	for _, sp := range list {
		name := sp.ScientificName
		if name == "" {
			name = sp.ScientificSpecies
		}
		if sp.Aliases != "" {
			fmt.Printf("  %s  %s (%s)\n", sp.ID, name, sp.Aliases)
		} else {
			fmt.Printf("  %s  %s\n", sp.ID, name)
		}
	}
	fmt.Printf("%d species.\n", len(list))
	return nil
}

// runCheck verifies that the API accepts the configured token.
func runCheck(args []string) error {
	fs, cf := newFlagSet("check")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, creds, err := apiFromConfig(cf)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := client.Ping(ctx, creds); err != nil {
		return fmt.Errorf("API check failed: %w", err)
	}
	fmt.Println("✓ API reachable and token accepted.")
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

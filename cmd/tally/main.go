package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/fang"
	serveradapter "github.com/evanschultz/tally/internal/adapters/server"
	servercommon "github.com/evanschultz/tally/internal/adapters/server/common"
	"github.com/evanschultz/tally/internal/adapters/storage/sqlite"
	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/config"
	"github.com/evanschultz/tally/internal/platform"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=X.Y.Z".
var version = "dev"

// serveCommandRunner starts the HTTP+MCP serve flow.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// clipboardWriter copies export text to the system clipboard.
var clipboardWriter = clipboard.WriteAll

// main handles main.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(os.Stdin, os.Stderr)
	if err := fang.Execute(ctx, root, fang.WithVersion(version)); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes one command line without fang styling.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(strings.NewReader(""), stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true
	return root.ExecuteContext(ctx)
}

// globalOptions holds flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	stdin      io.Reader
	stderr     io.Writer
}

// newRootCommand builds the tally command tree.
func newRootCommand(stdin io.Reader, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{
		appName: platform.DefaultAppName,
		devMode: version == "dev",
		stdin:   stdin,
		stderr:  stderr,
	}
	if envDev, ok := parseBoolEnv("TALLY_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("TALLY_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}

	root := &cobra.Command{
		Use:   "tally",
		Short: "Count physical inventory against an imported roster",
		Long: `tally imports a roster (CSV, TSV or XLSX), records counts for scanned or
typed identifiers, and archives finished sessions for export.

Quick start:
  tally import stock.xlsx        Start a session from a roster file
  tally count SKU-123 4          Record a count
  tally status                   Show progress
  tally complete                 Archive the session
  tally export --out week1.csv   Export counts and variances`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		newImportCommand(opts),
		newCountCommand(opts),
		newSearchCommand(opts),
		newStatusCommand(opts),
		newCompleteCommand(opts),
		newCancelCommand(opts),
		newHistoryCommand(opts),
		newCleanupCommand(opts),
		newExportCommand(opts),
		newBackupCommand(opts),
		newPrefsCommand(opts),
		newAuditCommand(opts),
		newResetCommand(opts),
		newServeCommand(opts),
		newPathsCommand(opts),
	)
	return root
}

// runtimeEnv is the opened state one command works against.
type runtimeEnv struct {
	appName    string
	configPath string
	paths      platform.Paths
	cfg        config.Config
	logger     *runtimeLogger
	repo       *sqlite.Repository
	svc        *app.Service
	adapter    *servercommon.AppServiceAdapter
	stderr     io.Writer
}

// resolvePaths resolves platform paths for the selected app name and mode.
func (o *globalOptions) resolvePaths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
}

// open loads config, configures logging, and opens the repository.
func (o *globalOptions) open(command string) (*runtimeEnv, error) {
	paths, err := o.resolvePaths()
	if err != nil {
		return nil, err
	}

	configPath := strings.TrimSpace(o.configPath)
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("TALLY_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(o.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("TALLY_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Path = dbPath
	}

	rootLogger, err := newRuntimeLogger(o.stderr, o.appName, o.devMode, cfg.Logging, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	logger := rootLogger.With("command", command)
	logger.Info("startup configuration resolved", "app", o.appName, "dev_mode", o.devMode)
	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Info("dev file logging enabled", "path", devPath)
	}

	logger.Debug("opening sqlite repository", "db_path", cfg.Database.Path)
	repo, err := sqlite.Open(cfg.Database.Path, sqlite.WithMaxDocumentBytes(cfg.Storage.MaxDocumentBytes))
	if err != nil {
		logger.Error("sqlite open failed", "db_path", cfg.Database.Path, "err", err)
		_ = logger.Close()
		return nil, fmt.Errorf("open sqlite repository: %w", err)
	}

	svc := app.NewService(repo, uuid.NewString, nil, app.ServiceConfig{
		HistoryLimit: cfg.History.Limit,
		Logger:       logger,
		AuditSink:    repo,
	})
	return &runtimeEnv{
		appName:    o.appName,
		configPath: configPath,
		paths:      paths,
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		svc:        svc,
		adapter:    servercommon.NewAppServiceAdapter(svc),
		stderr:     o.stderr,
	}, nil
}

// Close releases the repository and the log file sink.
func (e *runtimeEnv) Close() {
	if closeErr := e.repo.Close(); closeErr != nil {
		e.logger.Warn("sqlite close failed", "db_path", e.cfg.Database.Path, "err", closeErr)
	}
	if closeErr := e.logger.Close(); closeErr != nil {
		_, _ = fmt.Fprintf(e.stderr, "warning: close runtime log sink: %v\n", closeErr)
	}
}

// commandFunc is one command body run against an opened environment.
type commandFunc func(cmd *cobra.Command, env *runtimeEnv, args []string) error

// withRuntime opens the environment around fn and logs the command flow.
func withRuntime(opts *globalOptions, name string, fn commandFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		env, err := opts.open(name)
		if err != nil {
			return err
		}
		defer env.Close()

		env.logger.Info("command flow start")
		if err := fn(cmd, env, args); err != nil {
			env.logger.Error("command flow failed", "err", err)
			return fmt.Errorf("run %s command: %w", name, err)
		}
		env.logger.Info("command flow complete")
		return nil
	}
}

// parseBoolEnv parses input into a normalized form.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	serveradapter "github.com/evanschultz/tally/internal/adapters/server"
	servercommon "github.com/evanschultz/tally/internal/adapters/server/common"
	"github.com/evanschultz/tally/internal/adapters/tabular"
	"github.com/evanschultz/tally/internal/app"
	"github.com/evanschultz/tally/internal/domain"
	"github.com/spf13/cobra"
)

// newImportCommand builds "tally import <file>".
func newImportCommand(opts *globalOptions) *cobra.Command {
	var (
		sheet   string
		replace bool
	)
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Start a counting session from a CSV, TSV or XLSX roster",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "XLSX sheet to read (defaults to import.default_sheet, then the active sheet)")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the active session if one exists")
	cmd.RunE = withRuntime(opts, "import", func(cmd *cobra.Command, env *runtimeEnv, args []string) error {
		ctx := cmd.Context()
		path := args[0]
		if sheet == "" {
			sheet = env.cfg.Import.DefaultSheet
		}
		if active, ok := env.svc.ActiveSession(ctx); ok && !replace {
			return fmt.Errorf("session %s from %q is still active (%d/%d counted): pass --replace to discard it",
				active.ID, active.UploadMetadata.Filename, active.CountProgress.Counted, active.CountProgress.Total)
		}

		doc, err := tabular.ReadFile(path, tabular.ReadOptions{Sheet: sheet})
		if err != nil {
			return fmt.Errorf("read roster %q: %w", path, err)
		}
		result, err := env.adapter.ImportRoster(ctx, servercommon.ImportRequest{
			Filename: filepath.Base(path),
			Sheet:    doc.Sheet,
			Table:    doc.Table,
		})
		if err != nil {
			if issues := servercommon.RowIssues(err); len(issues) > 0 {
				out := cmd.ErrOrStderr()
				for _, issue := range issues {
					_, _ = fmt.Fprintf(out, "  %s\n", issue)
				}
			}
			return err
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "imported %d items from %s", result.ItemCount, result.Session.UploadMetadata.Filename)
		if result.Session.UploadMetadata.Sheet != "" {
			_, _ = fmt.Fprintf(out, " [%s]", result.Session.UploadMetadata.Sheet)
		}
		_, _ = fmt.Fprintf(out, " (%d rows read, %d skipped)\n", result.RowCount, result.SkippedCount)
		_, _ = fmt.Fprintf(out, "session: %s\n", result.Session.ID)
		return nil
	})
	return cmd
}

// newCountCommand builds "tally count <identifier> [quantity]".
func newCountCommand(opts *globalOptions) *cobra.Command {
	var (
		notes  string
		source string
	)
	cmd := &cobra.Command{
		Use:   "count <identifier> [quantity]",
		Short: "Record a counted quantity for one identifier",
		Long:  "Record a counted quantity. The identifier matches the primary id, alternate id or barcode, case-insensitively. An omitted quantity uses the default_quantity preference.",
		Args:  cobra.RangeArgs(1, 2),
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes stored on the item")
	cmd.Flags().StringVar(&source, "source", "manual", "identifier source recorded in the audit log")
	cmd.RunE = withRuntime(opts, "count", func(cmd *cobra.Command, env *runtimeEnv, args []string) error {
		req := servercommon.CountItemRequest{
			Identifier: args[0],
			Notes:      notes,
			Source:     source,
		}
		if len(args) == 2 {
			req.Quantity = servercommon.Quantity(args[1])
		}
		result, err := env.adapter.CountItem(cmd.Context(), req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "counted"
		if result.WasAlreadyCounted {
			verb = "recounted"
		}
		_, _ = fmt.Fprintf(out, "%s %s: %d (expected %d)\n", verb, result.Item.PrimaryIdentifier, *result.Item.CountedQuantity, result.Item.ExpectedQuantity)
		progress := result.Session.CountProgress
		_, _ = fmt.Fprintf(out, "progress: %d/%d (%d%%)\n", progress.Counted, progress.Total, progress.Percentage)
		return nil
	})
	return cmd
}

// newSearchCommand builds "tally search <query>".
func newSearchCommand(opts *globalOptions) *cobra.Command {
	var (
		descriptions bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the active roster",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().BoolVar(&descriptions, "descriptions", true, "match descriptions too (defaults to the stored preference)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (defaults to the stored preference)")
	cmd.RunE = withRuntime(opts, "search", func(cmd *cobra.Command, env *runtimeEnv, args []string) error {
		req := servercommon.SearchRequest{
			Query: strings.Join(args, " "),
			Limit: limit,
		}
		if cmd.Flags().Changed("descriptions") {
			req.IncludeDescriptions = &descriptions
		}
		result, err := env.adapter.SearchItems(cmd.Context(), req)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if result.Total == 0 {
			_, _ = fmt.Fprintf(out, "no items match %q\n", result.Query)
			return nil
		}
		_, _ = fmt.Fprintln(out, renderItems(result.Items))
		if result.Truncated {
			_, _ = fmt.Fprintf(out, "showing %d of %d matches\n", len(result.Items), result.Total)
		}
		return nil
	})
	return cmd
}

// newStatusCommand builds "tally status".
func newStatusCommand(opts *globalOptions) *cobra.Command {
	var showItems bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active session and its progress",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&showItems, "items", false, "list every roster item")
	cmd.RunE = withRuntime(opts, "status", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		session, err := env.adapter.ActiveSession(ctx)
		if errors.Is(err, servercommon.ErrNoActiveSession) {
			_, _ = fmt.Fprintln(out, "no active session")
			if last, ok := env.svc.LastCompleted(ctx); ok {
				_, _ = fmt.Fprintf(out, "last completed: %s (%s)\n", last.UploadMetadata.Filename, last.ID)
			}
			return nil
		}
		if err != nil {
			return err
		}
		stats, err := env.adapter.Statistics(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, renderStatus(session, stats))
		if showItems {
			_, _ = fmt.Fprintln(out, renderItems(session.Items))
		}
		return nil
	})
	return cmd
}

// newCompleteCommand builds "tally complete".
func newCompleteCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete the active session and archive it",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "complete", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		session, err := env.adapter.CompleteSession(cmd.Context())
		if err != nil {
			return err
		}
		progress := session.CountProgress
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "completed %s: %d/%d counted in %s\n",
			session.ID, progress.Counted, progress.Total, formatDuration(progress.TimeSpent))
		return nil
	})
	return cmd
}

// newCancelCommand builds "tally cancel".
func newCancelCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Discard the active session without archiving it",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "cancel", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		session, err := env.adapter.CancelSession(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", session.ID)
		return nil
	})
	return cmd
}

// newHistoryCommand builds "tally history".
func newHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived sessions, most recent first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "history", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		ctx := cmd.Context()
		history, err := env.adapter.History(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(history) == 0 {
			_, _ = fmt.Fprintln(out, "history is empty")
			return nil
		}
		_, _ = fmt.Fprintln(out, renderHistory(history))
		state := env.svc.AppState(ctx)
		_, _ = fmt.Fprintf(out, "%d kept (limit %d), %d completed overall\n", len(history), env.svc.HistoryLimit(), state.TotalSessionsCompleted)
		return nil
	})
	return cmd
}

// newCleanupCommand builds "tally cleanup".
func newCleanupCommand(opts *globalOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop archived sessions older than a number of days",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days (defaults to history.retention_days)")
	cmd.RunE = withRuntime(opts, "cleanup", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		if !cmd.Flags().Changed("days") {
			days = env.cfg.History.RetentionDays
			if days <= 0 {
				return errors.New("no --days given and history.retention_days is not set")
			}
		}
		removed, err := env.svc.CleanupOlderThan(cmd.Context(), days)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions older than %d days\n", removed, days)
		return nil
	})
	return cmd
}

// exportOptions holds "tally export" flags.
type exportOptions struct {
	sessionID string
	format    string
	outPath   string
	all       bool
	clipboard bool
}

// newExportCommand builds "tally export".
func newExportCommand(opts *globalOptions) *cobra.Command {
	var eo exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export counts and variances for the active or an archived session",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.StringVar(&eo.sessionID, "session", "", "archived session id (defaults to the active session)")
	flags.StringVar(&eo.format, "format", "", "csv, xlsx or json (defaults to the export_format preference)")
	flags.StringVar(&eo.outPath, "out", "", "output path ('-' for stdout; xlsx defaults to the exports dir)")
	flags.BoolVar(&eo.all, "all", false, "export every archived session (xlsx: one sheet each)")
	flags.BoolVar(&eo.clipboard, "clipboard", false, "copy the CSV table to the clipboard")
	cmd.MarkFlagsMutuallyExclusive("session", "all")
	cmd.RunE = withRuntime(opts, "export", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		return runExport(cmd, env, eo)
	})
	return cmd
}

// runExport builds export results and writes them in the requested format.
func runExport(cmd *cobra.Command, env *runtimeEnv, eo exportOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var results []app.ExportResult
	if eo.all {
		results = env.svc.ExportHistory(ctx)
		if len(results) == 0 {
			return errors.New("history is empty")
		}
	} else {
		result, err := env.adapter.ExportSession(ctx, eo.sessionID)
		if err != nil {
			return err
		}
		results = []app.ExportResult{result}
	}

	if eo.clipboard {
		if len(results) != 1 {
			return errors.New("--clipboard copies one session")
		}
		text, err := app.ToDelimitedTable(results[0])
		if err != nil {
			return fmt.Errorf("encode export table: %w", err)
		}
		if err := clipboardWriter(text); err != nil {
			return fmt.Errorf("copy export to clipboard: %w", err)
		}
		_, _ = fmt.Fprintf(out, "copied %d rows to the clipboard\n", len(results[0].Results))
		return nil
	}

	format := strings.ToLower(strings.TrimSpace(eo.format))
	if format == "" {
		format = string(env.svc.Preferences(ctx).ExportFormat)
	}
	toStdout := eo.outPath == "-" || (eo.outPath == "" && format != string(domain.ExportFormatXLSX))

	switch format {
	case "json":
		var payload any = results
		if !eo.all {
			payload = results[0]
		}
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return fmt.Errorf("encode export json: %w", err)
		}
		encoded = append(encoded, '\n')
		if toStdout {
			_, err := out.Write(encoded)
			return err
		}
		return writeOutputFile(eo.outPath, encoded)
	case string(domain.ExportFormatCSV):
		if len(results) != 1 {
			return errors.New("csv export holds one session: use --format xlsx with --all")
		}
		if toStdout {
			return tabular.WriteCSV(out, results[0], ',')
		}
	case string(domain.ExportFormatXLSX):
		if eo.outPath == "-" {
			return tabular.WriteXLSX(out, results)
		}
		if eo.outPath == "" {
			name := exportFileName(results[0].SessionInfo)
			if eo.all {
				name = "history-count"
			}
			eo.outPath = env.paths.ExportFile(name, "xlsx")
		}
	default:
		return fmt.Errorf("%w: %q", app.ErrUnsupportedFormat, format)
	}

	if err := tabular.WriteFile(eo.outPath, domain.ExportFormat(format), results); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", eo.outPath)
	return nil
}

// exportFileName derives "<roster>-count" from the source filename.
func exportFileName(info app.SessionInfo) string {
	base := strings.TrimSuffix(filepath.Base(info.Filename), filepath.Ext(info.Filename))
	base = strings.Trim(strings.Map(func(r rune) rune {
		if strings.ContainsRune(`/\:*?"<>|`, r) || r < 0x20 {
			return '-'
		}
		return r
	}, base), "- .")
	if base == "" {
		base = "session"
	}
	return base + "-count"
}

// newBackupCommand builds "tally backup".
func newBackupCommand(opts *globalOptions) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a full-state JSON backup",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	cmd.RunE = withRuntime(opts, "backup", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		backup, err := env.adapter.Backup(cmd.Context())
		if err != nil {
			return err
		}
		encoded, err := json.MarshalIndent(backup, "", "  ")
		if err != nil {
			return fmt.Errorf("encode backup json: %w", err)
		}
		encoded = append(encoded, '\n')
		if outPath == "-" {
			_, err := cmd.OutOrStdout().Write(encoded)
			return err
		}
		if err := writeOutputFile(outPath, encoded); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
		return nil
	})
	return cmd
}

// writeOutputFile writes content to path, creating parent directories.
func writeOutputFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	return nil
}

// newPrefsCommand builds "tally prefs".
func newPrefsCommand(opts *globalOptions) *cobra.Command {
	var (
		descriptions    bool
		searchLimit     int
		defaultQuantity int
		exportFormat    string
	)
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show or update stored preferences",
		Args:  cobra.NoArgs,
	}
	flags := cmd.Flags()
	flags.BoolVar(&descriptions, "search-descriptions", true, "match descriptions when searching")
	flags.IntVar(&searchLimit, "search-limit", 0, "maximum search results")
	flags.IntVar(&defaultQuantity, "default-quantity", 0, "quantity used when a count omits one")
	flags.StringVar(&exportFormat, "export-format", "", "default export format (csv or xlsx)")
	cmd.RunE = withRuntime(opts, "prefs", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		ctx := cmd.Context()
		prefs := env.svc.Preferences(ctx)
		changed := false
		if flags.Changed("search-descriptions") {
			prefs.SearchIncludeDescriptions = descriptions
			changed = true
		}
		if flags.Changed("search-limit") {
			prefs.SearchLimit = searchLimit
			changed = true
		}
		if flags.Changed("default-quantity") {
			prefs.DefaultQuantity = defaultQuantity
			changed = true
		}
		if flags.Changed("export-format") {
			format, err := domain.ParseExportFormat(exportFormat)
			if err != nil {
				return fmt.Errorf("export format %q: %w", exportFormat, err)
			}
			prefs.ExportFormat = format
			changed = true
		}
		if changed {
			updated, err := env.svc.UpdatePreferences(ctx, prefs)
			if err != nil {
				return err
			}
			prefs = updated
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "search_descriptions: %t\n", prefs.SearchIncludeDescriptions)
		_, _ = fmt.Fprintf(out, "search_limit: %d\n", prefs.SearchLimit)
		_, _ = fmt.Fprintf(out, "default_quantity: %d\n", prefs.DefaultQuantity)
		_, _ = fmt.Fprintf(out, "export_format: %s\n", prefs.ExportFormat)
		return nil
	})
	return cmd
}

// newAuditCommand builds "tally audit".
func newAuditCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent audit events, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events")
	cmd.RunE = withRuntime(opts, "audit", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		events, err := env.svc.ListAuditEvents(cmd.Context(), limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(events) == 0 {
			_, _ = fmt.Fprintln(out, "no audit events")
			return nil
		}
		_, _ = fmt.Fprintln(out, renderAudit(events))
		return nil
	})
	return cmd
}

// newResetCommand builds "tally reset".
func newResetCommand(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the active session, history and counters (preferences are kept)",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	cmd.RunE = withRuntime(opts, "reset", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		out := cmd.OutOrStdout()
		if !yes {
			confirmed, err := promptYesNo(bufio.NewReader(opts.stdin), out, "Clear the active session and all history? [y/N]: ", false)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			if !confirmed {
				_, _ = fmt.Fprintln(out, "reset aborted")
				return nil
			}
		}
		if err := env.svc.Reset(cmd.Context()); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "state reset")
		return nil
	})
	return cmd
}

// promptYesNo reads a y/n answer with a configurable default.
func promptYesNo(reader *bufio.Reader, output io.Writer, prompt string, defaultYes bool) (bool, error) {
	for {
		if _, err := fmt.Fprint(output, prompt); err != nil {
			return false, fmt.Errorf("write prompt: %w", err)
		}
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || strings.TrimSpace(line) == "") {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			_, _ = fmt.Fprintln(output, "please answer y or n")
		}
	}
}

// newServeCommand builds "tally serve".
func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		httpBind    string
		apiEndpoint string
		mcpEndpoint string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint for scanner stations and agents",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (defaults to server.bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base endpoint (defaults to server.api_endpoint)")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint (defaults to server.mcp_endpoint)")
	cmd.RunE = withRuntime(opts, "serve", func(cmd *cobra.Command, env *runtimeEnv, _ []string) error {
		cfg := serveradapter.Config{
			HTTPBind:      firstNonEmpty(httpBind, env.cfg.Server.Bind),
			APIEndpoint:   firstNonEmpty(apiEndpoint, env.cfg.Server.APIEndpoint),
			MCPEndpoint:   firstNonEmpty(mcpEndpoint, env.cfg.Server.MCPEndpoint),
			ServerName:    env.appName,
			ServerVersion: version,
		}
		env.logger.Info("serve endpoints resolved", "http", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
		return serveCommandRunner(cmd.Context(), cfg, serveradapter.Dependencies{
			Service: env.adapter,
			Storage: env.repo,
			Logger:  env.logger,
		})
	})
	return cmd
}

// newPathsCommand builds "tally paths".
func newPathsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := opts.resolvePaths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(out, "exports: %s\n", paths.ExportDir)
			return nil
		},
	}
}

// firstNonEmpty returns the first value that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// formatCount renders an optional counted quantity.
func formatCount(q *int) string {
	if q == nil {
		return "-"
	}
	return strconv.Itoa(*q)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gobwas/glob"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sessiond/internal/api"
	"github.com/kalambet/sessiond/internal/config"
	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/storage"
	"github.com/kalambet/sessiond/internal/watch"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|dir>...",
	Short: "Ingest session log files directly into the store",
	Long: `Ingest session log files directly into the store.

Directories are walked for files matching watch.include.

Examples:
  sessiond ingest ~/.claude/projects/myproj/3f2a.jsonl
  sessiond ingest --mode replace ~/.claude/projects
  sessiond ingest --concurrency 8 ./logs`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		modeStr, _ := cmd.Flags().GetString("mode")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		mode, err := ingest.ParseUpdateMode(modeStr)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if concurrency <= 0 {
			concurrency = cfg.Ingest.Workers
		}

		files, err := collectFiles(args, cfg.Watch.Include)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			printWarning("No matching files")
			return nil
		}

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		printStep("Ingesting %d file(s) in %s mode", len(files), mode)
		sum, err := ingestFiles(cmd.Context(), a.orchestrator, files, mode, concurrency, reportIngest)
		if err != nil {
			return err
		}
		printSuccess("%d ingested, %d unchanged, %d failed", sum.ingested, sum.unchanged, sum.failed)
		if sum.failed > 0 {
			return fmt.Errorf("%d file(s) failed to ingest", sum.failed)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("mode", "skip", "update mode for known conversations: skip, replace, append or auto")
	ingestCmd.Flags().Int("concurrency", 0, "files ingested in parallel (default ingest.workers)")
}

type ingestSummary struct {
	ingested  int
	unchanged int
	failed    int
}

// collectFiles expands directories into the files under them that match
// include. Explicit file arguments are always kept.
func collectFiles(args []string, include string) ([]string, error) {
	if include == "" {
		include = watch.DefaultInclude
	}
	g, err := glob.Compile(include, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern %q: %w", include, err)
	}

	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, relErr := filepath.Rel(arg, path)
			if relErr != nil {
				return relErr
			}
			rel = filepath.ToSlash(rel)
			if g.Match(rel) || g.Match("/"+rel) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", arg, err)
		}
	}
	return files, nil
}

// ingestFiles runs up to concurrency ingestions at once. Failed files are
// counted and reported, never abort the batch.
func ingestFiles(ctx context.Context, ing api.Ingester, files []string, mode ingest.UpdateMode, concurrency int,
	report func(path string, res *ingest.Result, err error)) (ingestSummary, error) {
	var (
		mu  sync.Mutex
		sum ingestSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, path := range files {
		g.Go(func() error {
			res, err := ing.Ingest(gctx, ingest.Request{Path: path, Source: ingest.SourceCLI, Mode: mode})
			mu.Lock()
			switch {
			case err != nil:
				sum.failed++
			case res.Status == storage.JobSuccess:
				sum.ingested++
			default:
				sum.unchanged++
			}
			report(path, res, err)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	return sum, ctx.Err()
}

func reportIngest(path string, res *ingest.Result, err error) {
	if err != nil {
		printError("%s: %v", path, err)
		return
	}
	switch res.Status {
	case storage.JobSuccess:
		printSuccess("%s: %s, +%d messages (conversation %s)", path, res.ChangeType, res.MessagesAdded, res.ConversationID)
	default:
		printStatus(filepath.Base(path), "%s", res.Status)
	}
	for _, w := range res.Warnings {
		printWarning("%s: %s", path, w)
	}
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch [dir]...",
	Short: "Watch directories and ingest session logs as they change",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		roots := args
		if len(roots) == 0 {
			roots = cfg.Watch.Paths
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		w, err := a.watcher(roots)
		if err != nil {
			return err
		}
		printStep("Watching %s", strings.Join(roots, ", "))
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		return server.ServeStdio(api.NewMCPServer(api.MCPDeps{
			Store:    a.store,
			Ingester: a.orchestrator,
		}))
	},
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Link pending parents and mark inactive conversations abandoned, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		rep, err := a.sweeper().RunOnce(cmd.Context())
		printStatus("Linked", "%d", len(rep.Linked))
		printStatus("Expired", "%d", len(rep.Expired))
		printStatus("Still pending", "%d", rep.Pending)
		printStatus("Abandoned", "%d", len(rep.Abandoned))
		return err
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			value := k.Value
			if value == "" {
				value = "(unset)"
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

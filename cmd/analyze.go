package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/api/schemas"
	"github.com/xkilldash9x/hpgscan/internal/analysis/static/javascript"
	"github.com/xkilldash9x/hpgscan/internal/catalog"
	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/engine"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
	"github.com/xkilldash9x/hpgscan/internal/observability"
	"github.com/xkilldash9x/hpgscan/internal/reporting"
	"github.com/xkilldash9x/hpgscan/internal/results"
	"github.com/xkilldash9x/hpgscan/internal/store"
)

// pageExtensions are the files picked up when a directory is analyzed.
var pageExtensions = map[string]bool{
	".js":   true,
	".mjs":  true,
	".cjs":  true,
	".html": true,
	".htm":  true,
}

type analyzeOptions struct {
	storeKind string
	persist   bool
}

func newAnalyzeCmd(provider poolProvider) *cobra.Command {
	var opts analyzeOptions

	analyzeCmd := &cobra.Command{
		Use:   "analyze [pages...]",
		Short: "Match the POC catalog against JavaScript and HTML pages",
		Long: `Imports every page (files, or directories searched for .js and .html files),
runs each catalog POC against its program graph and writes the findings.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := applyAnalyzeFlagOverrides(cmd, cfg); err != nil {
				return err
			}
			return runAnalyze(ctx, logger, cfg, args, opts, provider, cmd.ErrOrStderr())
		},
	}

	analyzeCmd.Flags().String("catalog", "", "Path to the POC catalog. (Overrides config/env)")
	analyzeCmd.Flags().StringP("format", "f", "", "Output format: json or sarif. (Overrides config/env)")
	analyzeCmd.Flags().StringP("output", "o", "", "Output path, '-' for stdout. (Overrides config/env)")
	analyzeCmd.Flags().IntP("concurrency", "j", 0, "Number of pages analyzed in parallel. (Overrides config/env)")
	analyzeCmd.Flags().StringVar(&opts.storeKind, "store", "memory", "Graph store: memory or postgres")
	analyzeCmd.Flags().BoolVar(&opts.persist, "persist", false, "Persist findings to the database")
	return analyzeCmd
}

// applyAnalyzeFlagOverrides copies explicitly set flags onto cfg.
func applyAnalyzeFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("catalog") {
		v, _ := flags.GetString("catalog")
		cfg.SetCatalogPath(v)
	}
	if flags.Changed("format") {
		v, _ := flags.GetString("format")
		cfg.SetOutputFormat(strings.ToLower(v))
	}
	if flags.Changed("output") {
		v, _ := flags.GetString("output")
		cfg.SetOutputPath(v)
	}
	if flags.Changed("concurrency") {
		v, _ := flags.GetInt("concurrency")
		cfg.SetEnginePageConcurrency(v)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flag value: %w", err)
	}
	return nil
}

// runAnalyze contains the core, testable logic of the analyze command.
func runAnalyze(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	args []string,
	opts analyzeOptions,
	provider poolProvider,
	out io.Writer,
) error {
	if opts.storeKind != "memory" && opts.storeKind != "postgres" {
		return fmt.Errorf("unsupported graph store: %s", opts.storeKind)
	}

	pages, err := collectPages(args)
	if err != nil {
		return err
	}
	cat, err := catalog.Load(cfg.Catalog().Path)
	if err != nil {
		return fmt.Errorf("failed to load POC catalog: %w", err)
	}
	if cat.Len() == 0 {
		logger.Warn("POC catalog is empty; no findings are possible", zap.String("path", cfg.Catalog().Path))
	}

	stores := engine.MemoryStores(logger)
	var findingStore schemas.FindingStore
	if opts.storeKind == "postgres" || opts.persist {
		pool, cleanup, err := provider.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer cleanup()

		if opts.storeKind == "postgres" {
			schema, err := hpg.NewPostgresGraph(ctx, pool, "", logger)
			if err != nil {
				return err
			}
			if err := schema.EnsureSchema(ctx); err != nil {
				return err
			}
			stores = engine.PostgresStores(pool, logger)
		}
		if opts.persist {
			findings, err := store.New(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize findings store: %w", err)
			}
			if err := findings.EnsureSchema(ctx); err != nil {
				return err
			}
			findingStore = findings
		}
	}

	eng, err := engine.New(cfg, logger, javascript.NewImporter(logger), stores, cat, findingStore)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	run, runErr := eng.Run(ctx, pages)
	if run != nil {
		if err := writeFindings(logger, cfg.Output(), run.Findings); err != nil {
			return err
		}
		printRunSummary(out, run)
	}
	return runErr
}

// writeFindings renders findings with the configured reporter.
func writeFindings(logger *zap.Logger, output config.OutputConfig, findings []schemas.Finding) error {
	path := output.Path
	if path != "-" && path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("failed to expand output path: %w", err)
		}
		path = expanded
	}

	reporter, err := reporting.New(output.Format, path, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	if err := reporter.Write(findings); err != nil {
		_ = reporter.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := reporter.Close(); err != nil {
		return fmt.Errorf("failed to finalize report: %w", err)
	}
	return nil
}

func printRunSummary(out io.Writer, run *engine.Run) {
	summary := results.Summarize(run.Findings)
	fmt.Fprintf(out, "Run %s: %d page(s), %d finding(s)", run.ID, run.Pages, summary["total"])
	for _, sev := range []schemas.Severity{schemas.SeverityCritical, schemas.SeverityHigh, schemas.SeverityMedium, schemas.SeverityLow, schemas.SeverityInfo} {
		if n := summary[string(sev)]; n > 0 {
			fmt.Fprintf(out, ", %s: %d", sev, n)
		}
	}
	fmt.Fprintln(out)
	for _, f := range run.Failed {
		fmt.Fprintf(out, "  failed %s: %s\n", f.Page, f.Err)
	}
}

// collectPages expands directories into the page files below them. Explicit
// file arguments are kept whatever their extension.
func collectPages(args []string) ([]string, error) {
	var pages []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			pages = append(pages, p)
		}
	}

	for _, arg := range args {
		path, err := homedir.Expand(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to expand path %s: %w", arg, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("cannot analyze %s: %w", arg, err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}

		var found []string
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if pageExtensions[strings.ToLower(filepath.Ext(p))] {
				found = append(found, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", arg, err)
		}
		sort.Strings(found)
		for _, p := range found {
			add(p)
		}
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages found in %s", strings.Join(args, ", "))
	}
	return pages, nil
}

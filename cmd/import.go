package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hpgscan/internal/analysis/static/javascript"
	"github.com/xkilldash9x/hpgscan/internal/config"
	"github.com/xkilldash9x/hpgscan/internal/hpg"
	"github.com/xkilldash9x/hpgscan/internal/observability"
)

func newImportCmd(provider poolProvider) *cobra.Command {
	var dryRun bool

	importCmd := &cobra.Command{
		Use:   "import <page>",
		Short: "Import a page's program graph into PostgreSQL",
		Long: `Parses a JavaScript or HTML page into its hybrid program graph and loads it
into the database, replacing any graph previously stored for the same page.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runImport(ctx, observability.GetLogger(), cfg, args[0], dryRun, provider, cmd.OutOrStdout())
		},
	}
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build the graph and print its size without touching the database")
	return importCmd
}

func runImport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	page string,
	dryRun bool,
	provider poolProvider,
	out io.Writer,
) error {
	b, stats, err := javascript.NewImporter(logger).ImportFile(ctx, page)
	if err != nil {
		return err
	}

	if !dryRun {
		pool, cleanup, err := provider.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer cleanup()

		graph, err := hpg.NewPostgresGraph(ctx, pool, page, logger)
		if err != nil {
			return err
		}
		if err := graph.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := b.WriteTo(ctx, graph); err != nil {
			return fmt.Errorf("failed to store page graph: %w", err)
		}
		logger.Info("Page graph stored", zap.String("page", page))
	}

	fmt.Fprintf(out, "%s: %d script(s), %d nodes, %d edges (%d pdg, %d cg)",
		page, stats.Scripts, stats.Nodes, len(b.Edges()), stats.PDGEdges, stats.CGEdges)
	if stats.SyntaxErrors > 0 {
		fmt.Fprintf(out, ", %d script(s) with syntax errors", stats.SyntaxErrors)
	}
	fmt.Fprintln(out)
	return nil
}

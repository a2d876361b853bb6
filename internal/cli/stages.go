package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/releasetrail/internal/llm"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/pipeline"
)

var (
	orgFilter      []string
	provenanceFlag string
	forceOCR       bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Discover news release links on live and archived listings",
	Long: `Collect walks each organization's news listing and appends every
release link to the link store. Archived listings are resolved through the
snapshot index (as of archive.cutoff) the first time they are needed.

Example:
  releasetrail collect
  releasetrail collect --org "Suncor Energy" --provenance archived`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), "collect", model.StageCollect, func(ctx context.Context, p *pipeline.Pipeline, provs []model.Provenance) (pipeline.Stats, error) {
			return p.CollectLinks(ctx, orgFilter, provs)
		})
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Find snapshots for archived links that point at live sites",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), "lookup", model.StageResolve, func(ctx context.Context, p *pipeline.Pipeline, _ []model.Provenance) (pipeline.Stats, error) {
			return p.LookupArchives(ctx, orgFilter)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Merge snapshot lookups into the archived link store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, log, err := openPipeline()
		if err != nil {
			return err
		}
		defer closePipeline(p, log)

		merged, err := p.Reconcile()
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ reconcile  %d merged link rows\n", len(merged))
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download PDF releases",
	Long: `Download saves every PDF release under {output}/pdfs/{org}/{provenance}/.
Items recorded in the ledger or already on disk are skipped, so an
interrupted run resumes where it stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), "download", model.StageDownload, func(ctx context.Context, p *pipeline.Pipeline, provs []model.Provenance) (pipeline.Stats, error) {
			return p.Download(ctx, orgFilter, provs)
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract plain text from HTML articles and downloaded PDFs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), "extract", model.StageExtract, func(ctx context.Context, p *pipeline.Pipeline, provs []model.Provenance) (pipeline.Stats, error) {
			return p.Extract(ctx, orgFilter, provs, forceOCR)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-extract corrupted or failed items with OCR",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), "retry", model.StageExtract, func(ctx context.Context, p *pipeline.Pipeline, provs []model.Provenance) (pipeline.Stats, error) {
			return p.RetryFailed(ctx, provs)
		})
	},
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Write LLM summaries for extracted releases",
	Long: `Summarize asks the configured LLM provider (llm.provider: openai or ollama)
for a short summary of each extracted release that has none yet.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := runStats(cmd.Context(), "summarize", model.StageSummarize, func(ctx context.Context, p *pipeline.Pipeline, provs []model.Provenance) (pipeline.Stats, error) {
			return p.Summarize(ctx, orgFilter, provs)
		})
		if errors.Is(err, llm.ErrDisabled) {
			return fmt.Errorf("%w: set llm.provider in the config file or RELEASETRAIL_LLM_PROVIDER", err)
		}
		return err
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the full-text search index from the content stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, log, err := openPipeline()
		if err != nil {
			return err
		}
		defer closePipeline(p, log)

		n, err := p.Index()
		if err != nil {
			return fmt.Errorf("index failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ index      %d documents\n", n)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run collect, lookup, reconcile, download, extract and index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		provs, err := model.ParseProvenances(provenanceFlag)
		if err != nil {
			return err
		}
		p, log, err := openPipeline()
		if err != nil {
			return err
		}
		defer closePipeline(p, log)

		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
		fmt.Fprintf(os.Stderr, "  releasetrail run %s\n", p.RunID())
		fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n\n")

		report, err := p.Run(cmd.Context(), orgFilter, provs)
		printStats("collect", report.Collect)
		printStats("lookup", report.Lookup)
		fmt.Fprintf(os.Stderr, "✓ reconcile  %d merged link rows\n", report.Merged)
		printStats("download", report.Download)
		printStats("extract", report.Extract)
		fmt.Fprintf(os.Stderr, "✓ index      %d documents\n\n", report.Indexed)
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		if failed := report.Collect.Failed + report.Lookup.Failed + report.Download.Failed + report.Extract.Failed; failed > 0 {
			fmt.Fprintf(os.Stderr, "%d items failed; list them with: releasetrail failures\n", failed)
		}
		return nil
	},
}

// runStats opens a pipeline, runs one stage and prints its summary
func runStats(ctx context.Context, name string, stage model.Stage, fn func(context.Context, *pipeline.Pipeline, []model.Provenance) (pipeline.Stats, error)) error {
	provs, err := model.ParseProvenances(provenanceFlag)
	if err != nil {
		return err
	}
	p, log, err := openPipeline()
	if err != nil {
		return err
	}
	defer closePipeline(p, log)

	stats, err := fn(ctx, p, provs)
	printStats(name, stats)
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	if stats.Failed > 0 {
		fmt.Fprintf(os.Stderr, "  list failures with: releasetrail failures --stage %s\n", stage)
	}
	return nil
}

func printStats(name string, s pipeline.Stats) {
	fmt.Fprintln(os.Stderr, formatStats(name, s))
}

func formatStats(name string, s pipeline.Stats) string {
	mark := "✓"
	if s.Failed > 0 {
		mark = "✗"
	}
	return fmt.Sprintf("%s %-10s %d total, %d done, %d skipped, %d failed", mark, name, s.Total, s.Done, s.Skipped, s.Failed)
}

func addOrgFlag(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&orgFilter, "org", nil, "organization name (repeatable; default: all)")
}

func addProvenanceFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&provenanceFlag, "provenance", "all", "current, archived or all")
}

func init() {
	for _, cmd := range []*cobra.Command{collectCmd, downloadCmd, extractCmd, summarizeCmd, runCmd} {
		addOrgFlag(cmd)
		addProvenanceFlag(cmd)
	}
	addOrgFlag(lookupCmd)
	addProvenanceFlag(retryCmd)
	extractCmd.Flags().BoolVar(&forceOCR, "force-ocr", false, "run OCR on every PDF instead of the embedded text")

	rootCmd.AddCommand(collectCmd, lookupCmd, reconcileCmd, downloadCmd, extractCmd, retryCmd, summarizeCmd, indexCmd, runCmd)
}

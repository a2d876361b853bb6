package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/releasetrail/internal/archive"
	"github.com/ppiankov/releasetrail/internal/ledger"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/search"
)

var (
	asOf          string
	snapshotLimit int
	failureStage  string
	allFailures   bool
	searchSize    int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <url>",
	Short: "Resolve a URL to an archived snapshot",
	Long: `Resolve queries the snapshot index for url and prints the playback URL.

Example:
  releasetrail resolve https://www.suncor.com/en-ca/news-and-stories/news-releases --as-of 20240620 --limit -1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, log, err := openPipeline()
		if err != nil {
			return err
		}
		defer closePipeline(p, log)

		snapshot, err := p.Resolver().Resolve(cmd.Context(), archive.Query{URL: args[0], AsOf: asOf, Limit: snapshotLimit})
		if err != nil {
			return fmt.Errorf("resolve failed: %w", err)
		}
		fmt.Println(snapshot)
		return nil
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List items that failed in earlier runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, log, err := openPipeline()
		if err != nil {
			return err
		}
		defer closePipeline(p, log)

		filter := ledger.FailureFilter{
			Stage:           model.Stage(strings.ToLower(failureStage)),
			IncludeResolved: allFailures,
		}
		if len(orgFilter) == 1 {
			filter.Organization = orgFilter[0]
		}
		failures, err := p.Ledger().Failures(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "✓ no failures recorded")
			return nil
		}
		writeFailures(os.Stdout, failures)
		fmt.Fprintf(os.Stderr, "\n%d failures\n", len(failures))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over extracted releases",
	Long: `Search queries the index built by "releasetrail index". The query
supports phrases, +/- terms and field:value (Organization, Provenance, Title).

Example:
  releasetrail search '"emissions intensity" +Organization:"Suncor Energy"'`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetViper())
		if err != nil {
			return err
		}
		idx, err := search.Open(cfg.Paths().Index, "ansi")
		if err != nil {
			return err
		}
		defer idx.Close()

		hits, err := idx.Search(strings.Join(args, " "), searchSize)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Fprintln(os.Stderr, "no matches")
			return nil
		}
		writeHits(os.Stdout, hits, terminalWidth)
		return nil
	},
}

const terminalWidth = 100

// writeFailures prints failures as fixed-width columns
func writeFailures(w io.Writer, failures []model.FailureRecord) {
	_, _ = fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
		cell("STAGE", 9), cell("PROV", 8), cell("ORGANIZATION", 20), cell("LINK", 50), "REASON")
	for _, f := range failures {
		reason := f.Reason
		if f.ResolvedAt != nil {
			reason = "(resolved) " + reason
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %s  %s  %s\n",
			cell(string(f.Stage), 9), cell(string(f.Provenance), 8), cell(f.Organization, 20),
			cell(f.Link, 50), runewidth.Truncate(oneLine(reason), 60, "…"))
	}
}

// writeHits prints one block per hit with its best fragment
func writeHits(w io.Writer, hits []search.Hit, width int) {
	for i, h := range hits {
		title := h.Title
		if title == "" {
			title = h.Link
		}
		_, _ = fmt.Fprintf(w, "%2d. %s\n", i+1, runewidth.Truncate(oneLine(title), width-4, "…"))
		_, _ = fmt.Fprintf(w, "    %s · %s · %.3f\n", h.Organization, h.Provenance, h.Score)
		_, _ = fmt.Fprintf(w, "    %s\n", h.Link)
		if frags := h.Fragments["Content"]; len(frags) > 0 {
			_, _ = fmt.Fprintf(w, "    %s\n", oneLine(frags[0]))
		}
		_, _ = fmt.Fprintln(w)
	}
}

// cell truncates or pads s to exactly width display columns
func cell(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(oneLine(s), width, "…"), width)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func init() {
	resolveCmd.Flags().StringVar(&asOf, "as-of", "", "latest capture time, YYYYMMDDhhmmss or a prefix (default: no bound)")
	resolveCmd.Flags().IntVar(&snapshotLimit, "limit", 1, "capture limit; negative selects the latest captures")

	failuresCmd.Flags().StringVar(&failureStage, "stage", "", "collect, resolve, download, extract or summarize (default: all)")
	failuresCmd.Flags().BoolVar(&allFailures, "all", false, "include failures resolved by later runs")
	addOrgFlag(failuresCmd)

	searchCmd.Flags().IntVar(&searchSize, "size", 10, "maximum number of hits")

	rootCmd.AddCommand(resolveCmd, failuresCmd, searchCmd)
}

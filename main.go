package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"ucr-scraper/batch"
	"ucr-scraper/config"
	"ucr-scraper/models"
	"ucr-scraper/parser"
	"ucr-scraper/probe"
	"ucr-scraper/scraper"
	"ucr-scraper/workbook"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	acctKey    string
	verbose    bool
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "ucr-scraper",
		Short:         "Look up UCR fee percentiles through the fee viewer form",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.acctKey, "acctkey", "", "UCR account key (overrides config and UCR_ACCTKEY)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newLookupCmd(opts),
		newSheetCmd(opts),
		newProbeCmd(opts),
		newBotCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger every command needs.
func (o *cliOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.acctKey != "" {
		cfg.Site.AcctKey = o.acctKey
	}

	logger, err := newLogger(o.verbose)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	// stdout carries the JSON report
	zc.OutputPaths = []string{"stderr"}
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openScraper launches the browser and wraps it in a form driver.
func openScraper(cfg *config.Config, logger *zap.Logger) (scraper.Scraper, func() error, error) {
	browser, err := scraper.NewRodBrowser(cfg.Browser, logger)
	if err != nil {
		return nil, nil, err
	}
	return scraper.NewFormDriver(browser, cfg, logger), browser.Close, nil
}

func newOrchestrator(cfg *config.Config, s scraper.Scraper, acctKey string, percentile models.Percentile, logger *zap.Logger, extra ...batch.Option) *batch.Orchestrator {
	opts := []batch.Option{
		batch.WithSnapshotDir(cfg.Output.SnapshotDir),
		batch.WithPercentile(percentile),
	}
	opts = append(opts, extra...)
	return batch.NewOrchestrator(s, parser.NewFeeParser(), acctKey, logger, opts...)
}

func newLookupCmd(opts *cliOptions) *cobra.Command {
	var jsonInput, filePath, outputPath, percentile string

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Run a JSON batch of line items and print the report",
		Long: "Reads {\"line_items\": [...]} from --json, --file or stdin, looks up every item " +
			"and prints the batch report as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(jsonInput, filePath, cmd.InOrStdin())
			if err != nil {
				return printJSONError(cmd.OutOrStdout(), err)
			}

			items, err := batch.ParseInput(data)
			if err != nil {
				return printJSONError(cmd.OutOrStdout(), err)
			}

			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Site.AcctKey == "" {
				return printJSONError(cmd.OutOrStdout(), errors.New("missing account key: pass --acctkey or set UCR_ACCTKEY"))
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, release, err := openScraper(cfg, logger)
			if err != nil {
				return printJSONError(cmd.OutOrStdout(), err)
			}
			defer func() {
				if err := release(); err != nil {
					logger.Warn("failed to close browser", zap.Error(err))
				}
			}()

			orch := newOrchestrator(cfg, s, cfg.Site.AcctKey, models.Percentile(percentile), logger,
				batch.WithProgress(func(done, total int, r models.LookupResult) {
					logger.Info("item processed",
						zap.Int("line", r.LineNumber),
						zap.Int("done", done),
						zap.Int("total", total),
						zap.Bool("ok", !r.Failed()))
				}))

			report, err := orch.Run(ctx, items)
			if err != nil {
				return printJSONError(cmd.OutOrStdout(), err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}

			if outputPath != "" {
				if err := os.WriteFile(outputPath, out, 0o644); err != nil {
					return fmt.Errorf("failed to write output: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Results saved to: %s\n", outputPath)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&jsonInput, "json", "", "JSON input as a string")
	cmd.Flags().StringVar(&filePath, "file", "", "JSON input file path")
	cmd.Flags().StringVar(&outputPath, "output", "", "Write the report to this file instead of stdout")
	cmd.Flags().StringVar(&percentile, "percentile", "", "Dropdown percentile to request (25-45); empty returns the 50-95 sweep")
	return cmd
}

// readInput picks the batch JSON from the flag, the file or stdin, in that order.
func readInput(jsonInput, filePath string, stdin io.Reader) ([]byte, error) {
	switch {
	case jsonInput != "":
		return []byte(jsonInput), nil
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("Error reading file: %w", err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("Error reading stdin: %w", err)
		}
		return data, nil
	}
}

// printJSONError writes {"error": msg} to w and returns err so the process
// exits non-zero.
func printJSONError(w io.Writer, err error) error {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	fmt.Fprintln(w, string(out))
	return err
}

func newSheetCmd(opts *cliOptions) *cobra.Command {
	var percentile string

	cmd := &cobra.Command{
		Use:   "sheet <xlsx>",
		Short: "Fill an xlsx workbook of line items with percentile fees",
		Long: "Reads date, CPT and ZIP from columns A-C of the active sheet starting at row 2 " +
			"and writes percentiles 50-95 to columns D-M of <name>_filled.xlsx.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Site.AcctKey == "" {
				return errors.New("missing account key: pass --acctkey or set UCR_ACCTKEY")
			}

			ctx, cancel := signalContext()
			defer cancel()

			s, release, err := openScraper(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := release(); err != nil {
					logger.Warn("failed to close browser", zap.Error(err))
				}
			}()

			orch := newOrchestrator(cfg, s, cfg.Site.AcctKey, models.Percentile(percentile), logger)
			out, report, err := workbook.NewFiller(orch, logger).Fill(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Processed %d rows (%d successful, %d failed)\n",
				report.TotalProcessed, report.Successful, report.Failed)
			fmt.Fprintf(cmd.OutOrStdout(), "Saved: %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&percentile, "percentile", "", "Dropdown percentile to request (25-45), written to columns N-R; empty fills the 50-95 sweep in D-M")
	return cmd
}

func newProbeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Fetch the fee viewer without a browser and report its frames and form fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			report, err := probe.NewProber(cfg, logger).Probe(cfg.LookupURL(cfg.Site.AcctKey))
			if err != nil {
				return err
			}
			printProbeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func printProbeReport(w io.Writer, r *probe.Report) {
	fmt.Fprintf(w, "URL:    %s (%d)\n", r.URL, r.StatusCode)
	fmt.Fprintf(w, "Title:  %s\n\n", r.Title)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAG\tNAME\tDEPTH\tRANK\tSTATUS\tURL")
	for _, f := range r.Frames {
		status := fmt.Sprint(f.StatusCode)
		if f.FetchError != "" {
			status += " (error)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", f.Tag, f.Name, f.Depth, f.Rank, status, f.URL)
	}
	tw.Flush()

	if r.Chosen != nil {
		fmt.Fprintf(w, "\nForm frame: %s (%s)\n", r.Chosen.Name, r.Chosen.URL)
		if len(r.Chosen.Controls) > 0 {
			fmt.Fprintf(w, "Controls:   %s\n", strings.Join(r.Chosen.Controls, ", "))
		}
	} else {
		fmt.Fprintln(w, "\nNo frame matched; the form is expected on the top-level page")
	}

	for _, f := range r.Fields {
		fmt.Fprintf(w, "  found   %-15s %s\n", f.Field, f.Selector)
	}
	for _, m := range r.Missing {
		fmt.Fprintf(w, "  missing %s\n", m)
	}
}

package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/poller"
	"github.com/finance-importer/internal/service"
	"github.com/finance-importer/internal/sheet"
	"github.com/finance-importer/internal/types"
	"github.com/spf13/cobra"
)

// readInput returns the file as CSV text, converting spreadsheets first
func readInput(path, sheetName string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	if sheet.IsSpreadsheet(path) {
		return sheet.ToCSV(data, sheetName)
	}
	return string(data), nil
}

func newPreviewCommand(opts *options) *cobra.Command {
	var rows int
	var sheetName string

	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Show the header row, the first rows and a suggested column mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			csvData, err := readInput(args[0], sheetName)
			if err != nil {
				return err
			}

			preview, err := opts.client().Preview(cmd.Context(), csvData, rows)
			if err != nil {
				return err
			}

			printPreview(cmd.OutOrStdout(), preview)
			return nil
		},
	}

	cmd.Flags().IntVar(&rows, "rows", importer.DefaultPreviewRows, "number of rows to show")
	cmd.Flags().StringVar(&sheetName, "sheet", "", "worksheet to read from an .xlsx file (default: first)")

	return cmd
}

func newSubmitCommand(opts *options) *cobra.Command {
	var mapping models.ColumnMapping
	var sheetName string
	var guess, watch bool

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a CSV or .xlsx statement for import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			c := opts.client()

			csvData, err := readInput(args[0], sheetName)
			if err != nil {
				return err
			}

			if guess {
				preview, err := c.Preview(ctx, csvData, 1)
				if err != nil {
					return err
				}
				mapping = fillMapping(mapping, preview.Mapping)
			}

			submitted, err := c.Submit(ctx, service.SubmitRequest{
				Filename: filepath.Base(args[0]),
				CSVData:  csvData,
				Mapping:  mapping,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Submitted import %s (%s)\n", submitted.JobID, submitted.Status)

			if !watch {
				return nil
			}

			p := poller.New(c, opts.pollInterval)
			last := ""
			p.OnUpdate = func(job *models.ImportJobView) {
				line := fmt.Sprintf("%s %d%%", job.Status, job.Progress)
				if line != last {
					fmt.Fprintln(out, line)
					last = line
				}
			}

			final, err := p.Wait(ctx, submitted.JobID)
			if err != nil {
				return err
			}
			printJob(out, final, 10)
			return jobError(final)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&mapping.Date, "date", "", "column holding the transaction date")
	flags.StringVar(&mapping.Amount, "amount", "", "column holding the signed amount")
	flags.StringVar(&mapping.Description, "description", "", "column holding the description")
	flags.StringVar(&mapping.Type, "type", "", "column holding the income/expense marker")
	flags.StringVar(&mapping.Category, "category", "", "column holding the category name")
	flags.StringVar(&mapping.Account, "account", "", "column holding the account name")
	flags.StringVar(&sheetName, "sheet", "", "worksheet to read from an .xlsx file (default: first)")
	flags.BoolVar(&guess, "guess", true, "fill unset columns from the suggested mapping")
	flags.BoolVar(&watch, "watch", false, "wait for the import to finish")

	return cmd
}

func newStatusCommand(opts *options) *cobra.Command {
	var maxErrors int

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of an import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("import %s not found", args[0])
			}

			printJob(cmd.OutOrStdout(), job, maxErrors)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxErrors, "errors", 10, "row errors to print (negative prints all)")

	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := opts.client().ListJobs(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No imports yet")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tPROGRESS\tOK\tERRORS\tCREATED")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%d\t%s\n",
					job.ID, job.Filename, job.Status, job.Progress, job.SuccessRows, job.ErrorRows,
					job.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newDeleteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete an import record (imported transactions are kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted import %s\n", args[0])
			return nil
		},
	}
}

// fillMapping keeps explicit columns and takes the rest from the suggestion
func fillMapping(explicit, guessed models.ColumnMapping) models.ColumnMapping {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return models.ColumnMapping{
		Date:        pick(explicit.Date, guessed.Date),
		Amount:      pick(explicit.Amount, guessed.Amount),
		Description: pick(explicit.Description, guessed.Description),
		Type:        pick(explicit.Type, guessed.Type),
		Category:    pick(explicit.Category, guessed.Category),
		Account:     pick(explicit.Account, guessed.Account),
	}
}

func jobError(job *models.ImportJobView) error {
	if job.Status != types.ImportStatusFailed {
		return nil
	}
	if job.ErrorMessage != nil {
		return fmt.Errorf("import failed: %s", *job.ErrorMessage)
	}
	return fmt.Errorf("import failed")
}

func printPreview(out io.Writer, preview *importer.PreviewResult) {
	fmt.Fprintf(out, "Rows: %d\n", preview.TotalRows)
	fmt.Fprintln(out, "Suggested mapping:")
	m := preview.Mapping
	for _, f := range [][2]string{
		{"date", m.Date}, {"amount", m.Amount}, {"description", m.Description},
		{"type", m.Type}, {"category", m.Category}, {"account", m.Account},
	} {
		if f[1] != "" {
			fmt.Fprintf(out, "  %-12s %s\n", f[0], f[1])
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(preview.Headers, "\t"))
	for _, row := range preview.Rows {
		cells := make([]string, len(preview.Headers))
		for i, h := range preview.Headers {
			cells[i] = row[h]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

func printJob(out io.Writer, job *models.ImportJobView, maxErrors int) {
	fmt.Fprintf(out, "Import:   %s\n", job.ID)
	fmt.Fprintf(out, "File:     %s\n", job.Filename)
	fmt.Fprintf(out, "Status:   %s (%d%%)\n", job.Status, job.Progress)
	fmt.Fprintf(out, "Rows:     %d total, %d imported, %d with errors\n", job.TotalRows, job.SuccessRows, job.ErrorRows)
	if job.ErrorMessage != nil {
		fmt.Fprintf(out, "Failure:  %s\n", *job.ErrorMessage)
	}

	details := job.ErrorDetails
	if maxErrors >= 0 && len(details) > maxErrors {
		details = details[:maxErrors]
	}
	for _, d := range details {
		fmt.Fprintf(out, "  row %d: %s\n", d.Row, d.Error)
	}
	if hidden := job.ErrorRows - len(details); hidden > 0 && len(job.ErrorDetails) > 0 {
		fmt.Fprintf(out, "  ... and %d more\n", hidden)
	}
}

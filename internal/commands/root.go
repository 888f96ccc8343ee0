// Package commands implements the importctl command line.
package commands

import (
	"time"

	"github.com/finance-importer/internal/client"
	"github.com/finance-importer/internal/config"
	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every subcommand
type options struct {
	apiURL       string
	userID       string
	pollInterval time.Duration
	timeout      time.Duration
}

func (o *options) client() *client.Client {
	return client.New(config.ClientConfig{
		APIURL:  o.apiURL,
		UserID:  o.userID,
		Timeout: o.timeout,
	})
}

// NewRootCommand creates the root CLI command with all subcommands registered.
// Flag defaults come from cfg, which is read from IMPORTCTL_* variables.
func NewRootCommand(cfg config.ClientConfig) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "importctl",
		Short: "Import bank statement CSV files into finance accounts",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api-url", cfg.APIURL, "import API base URL")
	flags.StringVar(&opts.userID, "user", cfg.UserID, "user id sent as X-User-ID")
	flags.DurationVar(&opts.pollInterval, "poll-interval", cfg.PollInterval, "status poll interval for --watch")
	flags.DurationVar(&opts.timeout, "timeout", cfg.Timeout, "HTTP request timeout")

	rootCmd.AddCommand(
		newPreviewCommand(opts),
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newDeleteCommand(opts),
	)

	return rootCmd
}

package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/extensionbay/registry/internal/config"
	"github.com/extensionbay/registry/internal/logproc"
	"github.com/extensionbay/registry/internal/statspush"
	"github.com/extensionbay/registry/internal/util/logging"
)

var (
	configPath string
	tempFolder string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "stats-updater",
		Short:         "Scrape access logs and push download stats into the registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().StringVarP(&tempFolder, "temp-folder", "t", "", "temp folder for downloaded logfiles (kept for inspection)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "increase the level of output")

	root.AddCommand(
		downloadCmd(),
		extractCmd(),
		updateCmd(),
		runCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func downloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download new logfiles from the log bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uploader, dir, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			marker, err := uploader.Download(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), marker)
			return nil
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Extract extension download data from downloaded logfiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uploader, dir, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			path, err := uploader.Extract(dir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <stats-file>",
		Short: "Upload a download-stats file to the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploader, _, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return uploader.Upload(cmd.Context(), args[0])
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Download, extract, and upload in one pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uploader, dir, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return uploader.Run(cmd.Context(), dir)
		},
	}
}

// setup builds the uploader and the working directory for logfiles. The
// cleanup func removes the directory unless the operator supplied one.
func setup(ctx context.Context) (*statspush.Uploader, string, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", nil, err
	}

	logger := logging.New(os.Stderr, "stats-updater")
	if !verbose {
		logger = logger.Level(zerolog.InfoLevel)
	} else {
		logger = logger.Level(zerolog.DebugLevel)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		return nil, "", nil, fmt.Errorf("loading aws config: %w", err)
	}

	processor, err := logproc.New(s3.NewFromConfig(awsCfg), cfg.Logs.Bucket, logger)
	if err != nil {
		return nil, "", nil, err
	}

	dir := tempFolder
	if dir == "" {
		dir = cfg.Logs.TempDir
	}
	cleanup := func() {}
	if dir == "" {
		dir, err = os.MkdirTemp("", "registry-logs-*")
		if err != nil {
			return nil, "", nil, fmt.Errorf("creating temp folder: %w", err)
		}
		cleanup = func() { os.RemoveAll(dir) }
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("creating temp folder: %w", err)
	}

	return statspush.New(processor, cfg.Logs.Endpoint, logger), dir, cleanup, nil
}

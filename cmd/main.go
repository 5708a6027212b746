package main

import (
	"fmt"
	"os"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type deps struct {
	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	return newRootCmd(&deps{cfg: cfg, logger: logger}).Execute()
}

func newRootCmd(d *deps) *cobra.Command {
	root := &cobra.Command{
		Use:   "consultation",
		Short: "Capture consultation audio and turn it into structured notes",
		Long: `Capture a doctor-patient consultation, by microphone or uploaded file,
and send it to the analysis service for a transcript, visit summary and
prescription. Recording only starts once consent has been given.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd(d))
	root.AddCommand(newAnalyzeCmd(d))
	root.AddCommand(newRecordCmd(d))
	return root
}

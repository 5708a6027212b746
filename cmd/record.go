package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consultation-capture/pkg/models"

	"github.com/spf13/cobra"
)

func newRecordCmd(d *deps) *cobra.Command {
	var flags localFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a consultation from the microphone and analyze it",
		Long:  "Record from the configured input device until Ctrl+C, then send the recording for analysis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := localSession(d, flags.patientID)
			defer s.Close()

			ctx := cmd.Context()
			err := s.StartRecording(ctx)
			if errors.Is(err, models.ErrConsentRequired) {
				err = confirmConsent(ctx, cmd, s, flags.yes)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Recording... press Ctrl+C to stop")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
		wait:
			for {
				select {
				case <-quit:
					break wait
				case <-ticker.C:
					rec := s.Snapshot().Recording
					if rec.Status.Terminal() {
						break wait
					}
					fmt.Fprintf(out, "\r%s", models.FormatDuration(rec.ElapsedSeconds))
				}
			}
			fmt.Fprintln(out)

			payload, err := s.StopRecording(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Captured %d bytes, analyzing...\n", payload.SizeBytes)
			return report(ctx, out, s, flags.save)
		},
	}
	flags.bind(cmd)
	return cmd
}

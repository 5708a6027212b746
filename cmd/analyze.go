package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"consultation-capture/pkg/analysis"
	"consultation-capture/pkg/capture"
	"consultation-capture/pkg/consultation"
	"consultation-capture/pkg/ingestion"
	"consultation-capture/pkg/models"
	"consultation-capture/pkg/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type localFlags struct {
	patientID string
	yes       bool
	save      bool
}

func (f *localFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.patientID, "patient-id", "p", "", "Patient the consultation belongs to")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Confirm recording consent without prompting")
	cmd.Flags().BoolVar(&f.save, "save", false, "Save the derived notes after analysis")
}

func newAnalyzeCmd(d *deps) *cobra.Command {
	var flags localFlags

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Analyze a recorded consultation file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := localSession(d, flags.patientID)
			defer s.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			_, err = s.Upload(ctx, ingestion.UploadedFile{
				Name:   filepath.Base(args[0]),
				Size:   info.Size(),
				Reader: f,
			})
			if errors.Is(err, models.ErrConsentRequired) {
				err = confirmConsent(ctx, cmd, s, flags.yes)
			}
			if err != nil {
				return err
			}
			return report(ctx, cmd.OutOrStdout(), s, flags.save)
		},
	}
	flags.bind(cmd)
	return cmd
}

// localSession builds a single session that analyzes in the foreground.
func localSession(d *deps, patientID string) *consultation.Session {
	return consultation.NewSession(uuid.New().String(), patientID, consultation.Options{
		Microphone: capture.NewFFmpegMicrophone(d.cfg.Capture, d.logger),
		Analysis:   analysis.NewClient(d.cfg.Analysis, d.logger),
		Sessions:   storage.NewMemorySessionStore(),
		Jobs:       storage.NewMemoryJobStore(),
		Capture:    d.cfg.Capture,
		Pipeline:   d.cfg.Pipeline,
		Logger:     d.logger,
	})
}

// confirmConsent asks once and grants consent on a yes. Whatever waited on
// consent resumes inside GrantConsent.
func confirmConsent(ctx context.Context, cmd *cobra.Command, s *consultation.Session, assumeYes bool) error {
	if !assumeYes {
		fmt.Fprint(cmd.OutOrStdout(), "The patient has agreed to this consultation being recorded. Continue? [y/N] ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			s.DeclineConsent()
			return models.ErrConsentRequired
		}
	}
	_, err := s.GrantConsent(ctx)
	return err
}

func report(ctx context.Context, w io.Writer, s *consultation.Session, save bool) error {
	view := s.Snapshot()
	if view.Result == nil {
		return errors.New(models.UserMessage(models.ErrRequestFailed))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view.Result); err != nil {
		return err
	}

	if !save {
		return nil
	}
	if _, err := s.Save(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Notes saved to consultation %s\n", view.ConsultationID)
	return nil
}

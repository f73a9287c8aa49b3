package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-annotate/internal/audio"
	"github.com/loqalabs/loqa-annotate/internal/bus"
	"github.com/loqalabs/loqa-annotate/internal/capture"
	"github.com/loqalabs/loqa-annotate/internal/stt"
	"github.com/loqalabs/loqa-annotate/internal/submit"
	"github.com/loqalabs/loqa-annotate/internal/ui"
)

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var duration time.Duration
	var imagePath string
	var noSend bool

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record an annotation and submit it",
		Long: `Record audio for the given duration (or until interrupted), show the
live transcript, then submit audio, transcript and the optional image to
the annotation server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger()
			flush, err := ctx.startTelemetry(cmd.Context())
			if err != nil {
				return err
			}
			defer flush()

			var image []byte
			if imagePath != "" {
				image, err = os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
			}

			device, err := audio.NewDevice(cfg.Capture, logger)
			if err != nil {
				return err
			}

			var busClient *bus.Client
			if cfg.Recognition.Mode == "bus" {
				busClient, err = bus.Connect(cmd.Context(), cfg.Bus, logger.With(slog.String("component", "bus")))
				if err != nil {
					return err
				}
				defer busClient.Close()
			}
			recognizer, err := stt.New(cfg.Recognition, busClient)
			if err != nil {
				return err
			}

			view := ui.NewConsoleView(cmd.OutOrStdout())
			ctrl := ui.NewController(view, logger)
			session := capture.NewSession(device, recognizer, ctrl, logger)
			orch := submit.NewOrchestrator(ctx.submitClient(), session, &submit.ImageSlot{}, submit.Options{
				RequireImage: cfg.Client.RequireImage,
			}, logger)
			ctrl.Attach(session, orch)

			if image != nil {
				ctrl.OnImageSelected(filepath.Base(imagePath), image)
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := ctrl.OnStartPressed(sigCtx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "recording for %s (ctrl-c to stop early)\n", duration)

			timer := time.NewTimer(duration)
			select {
			case <-timer.C:
			case <-sigCtx.Done():
				timer.Stop()
			}

			grace := time.Duration(cfg.Client.StopGraceMS) * time.Millisecond
			stopCtx, cancel := context.WithTimeout(context.Background(), grace)
			err = ctrl.OnStopPressed(stopCtx)
			cancel()
			if err != nil {
				if !errors.Is(err, capture.ErrFinalizeInterrupted) {
					return err
				}
				// The artifact holds whatever arrived before the grace period ran out.
				logger.Warn("stop incomplete", slog.String("error", err.Error()))
			}

			if noSend {
				if artifact, ok := session.Artifact(); ok {
					fmt.Fprintf(cmd.OutOrStdout(), "recorded %d bytes (%s), not sent\n", len(artifact.Data), artifact.MimeType)
				}
				return nil
			}

			res, err := ctrl.OnSendPressed(context.Background())
			if err != nil {
				return err
			}
			if failed := res.Failures(); len(failed) > 0 {
				return fmt.Errorf("%d of %d uploads failed", len(failed), len(res.Outcomes()))
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "Recording length")
	cmd.Flags().StringVar(&imagePath, "image", "", "Image file to submit with the recording (png or jpg)")
	cmd.Flags().BoolVar(&noSend, "no-send", false, "Record and transcribe without submitting")

	return cmd
}

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func newTextCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "text [transcript]",
		Short: "Submit a transcript and print the generated annotation",
		Long:  "Submit a transcript to /upload-transcription. Reads stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			text, err := transcriptArg(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			flush, err := ctx.startTelemetry(cmd.Context())
			if err != nil {
				return err
			}
			defer flush()

			spanCtx, span := otel.Tracer(instrumentation).Start(cmd.Context(), "annotate.text")
			defer span.End()
			resp, err := ctx.submitClient().UploadTranscription(spanCtx, text)
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			if len(resp.ModelOutput) == 0 {
				return errors.New("server returned no model output")
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.ModelOutput[0].GeneratedText)
			return nil
		},
	}
}

func transcriptArg(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
	"github.com/loqalabs/loqa-annotate/internal/submit"
	"github.com/loqalabs/loqa-annotate/internal/telemetry"
)

type commandContext struct {
	configFlag *string
	serverFlag *string
	verbose    *bool

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag, serverFlag *string, verbose *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		serverFlag: serverFlag,
		verbose:    verbose,
	}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
			cfg.Client.ServerURL = strings.TrimSpace(*c.serverFlag)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger writes text logs to stderr so stdout stays readable.
func (c *commandContext) logger() *slog.Logger {
	level := c.config.Telemetry.SlogLevel()
	if c.verbose != nil && *c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (c *commandContext) submitClient() *submit.Client {
	timeout := time.Duration(c.config.Client.TimeoutMS) * time.Millisecond
	return submit.NewClient(c.config.Client.ServerURL, &http.Client{Timeout: timeout})
}

// startTelemetry installs trace and meter providers per telemetry.traces. The
// returned func flushes them and must run before the command exits.
func (c *commandContext) startTelemetry(ctx context.Context) (func(), error) {
	logger := c.logger()
	providers, err := telemetry.Setup(ctx, c.config, logger)
	if err != nil {
		return nil, err
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}, nil
}

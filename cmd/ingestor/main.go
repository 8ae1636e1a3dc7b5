package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/coursework-ingestor/internal/config"
	"github.com/ahrav/coursework-ingestor/pkg/common/logger"
	"github.com/ahrav/coursework-ingestor/pkg/common/otel"
)

const serviceType = "ingestor"

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "ingestor",
		Short:         "Applies transcription, compression and question generation results to the course database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is normal outside local development.
			_ = godotenv.Load()
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file (default ./ingestor.yaml if present)")

	cmd.AddCommand(
		newRunCommand(&configFile),
		newMigrateCommand(&configFile),
		newReplayCommand(&configFile),
	)
	return cmd
}

// newLogger builds the process logger. Error records are also emitted as JSON
// events on stderr for alerting.
func newLogger(level string) (*logger.Logger, error) {
	minLevel, err := logger.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("INGESTOR-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	return logger.NewWithMetadata(os.Stdout, minLevel, svcName, traceIDFn, logEvents, metadata), nil
}

func loadConfig(ctx context.Context, loader *config.ViperLoader) (*config.Config, *logger.Logger, error) {
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

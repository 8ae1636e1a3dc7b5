package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahrav/coursework-ingestor/internal/config"
	"github.com/ahrav/coursework-ingestor/internal/infra/eventbus/memory"
)

const replayTopic = "replay"

// maxEnvelopeSize bounds one line of replay input.
const maxEnvelopeSize = 16 << 20

func newReplayCommand(configFile *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Apply captured result envelopes, one JSON document per line, from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			in := io.Reader(cmd.InOrStdin())
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open replay input: %w", err)
				}
				defer f.Close()
				in = f
			}

			loader := config.NewViperLoader(*configFile).
				Override("kafka.enabled", false).
				Override("servicebus.enabled", false)
			cfg, log, err := loadConfig(ctx, loader)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return a.replay(ctx, in)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up if envelopes are still failing after this long")
	return cmd
}

// replay publishes every envelope in r to an in-process broker and waits until
// the router has acknowledged all of them. Envelopes that fail transiently
// are redelivered until ctx expires.
func (a *app) replay(ctx context.Context, r io.Reader) error {
	broker := memory.NewBroker(a.log)
	if err := broker.Connect(ctx); err != nil {
		return err
	}
	if err := broker.Subscribe(replayTopic); err != nil {
		return err
	}

	published, err := publishLines(ctx, broker, r)
	if err != nil {
		return err
	}
	a.log.Info(ctx, "replaying envelopes", "count", published)

	runErr := make(chan error, 1)
	go func() { runErr <- broker.Run(ctx, a.router.HandleMessage) }()

	idleErr := broker.WaitIdle(ctx)
	pending := broker.Pending()
	broker.Stop()
	if err := <-runErr; err != nil {
		return err
	}
	if err := broker.Disconnect(ctx); err != nil {
		return err
	}

	if idleErr != nil {
		return fmt.Errorf("%d of %d envelopes not applied: %w", pending, published, idleErr)
	}
	a.log.Info(ctx, "replay complete", "count", published)
	return nil
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// publishLines publishes each non-blank line of r and returns the count.
func publishLines(ctx context.Context, p publisher, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEnvelopeSize)

	n := 0
	for line := 1; scanner.Scan(); line++ {
		body := scanner.Bytes()
		if len(bytes.TrimSpace(body)) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		if err := p.Publish(ctx, replayTopic, "", append([]byte(nil), body...)); err != nil {
			return n, fmt.Errorf("publish line %d: %w", line, err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return n, fmt.Errorf("envelope exceeds %d bytes: %w", maxEnvelopeSize, err)
		}
		return n, fmt.Errorf("read replay input: %w", err)
	}
	return n, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/coursework-ingestor/internal/config"
	"github.com/ahrav/coursework-ingestor/internal/domain/events"
	"github.com/ahrav/coursework-ingestor/internal/infra/eventbus/kafka"
	"github.com/ahrav/coursework-ingestor/internal/infra/eventbus/servicebus"
	"github.com/ahrav/coursework-ingestor/pkg/common"
)

func newRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume job results from the configured brokers until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, log, err := loadConfig(ctx, config.NewViperLoader(*configFile))
			if err != nil {
				return err
			}
			if !cfg.Kafka.Enabled && !cfg.ServiceBus.Enabled {
				return errors.New("no transport enabled: set kafka.enabled or servicebus.enabled")
			}

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			shutdownCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.WithoutCancel(ctx), cfg.Shutdown.Timeout)
			}
			defer func() {
				c, cancel := shutdownCtx()
				defer cancel()
				a.Close(c)
			}()

			return a.serve(ctx)
		},
	}
}

type namedConsumer struct {
	name     string
	consumer events.Consumer
	sources  []string
}

func (a *app) consumers() []namedConsumer {
	var out []namedConsumer
	if a.cfg.Kafka.Enabled {
		k := kafka.NewConsumer(kafka.Config{
			ClientConfig: kafka.ClientConfig{
				Brokers:  a.cfg.Kafka.Brokers,
				GroupID:  a.cfg.Kafka.GroupID,
				ClientID: a.cfg.Kafka.ClientID,
			},
			RetryInitialInterval: a.cfg.Kafka.RetryInitialInterval,
			RetryMaxInterval:     a.cfg.Kafka.RetryMaxInterval,
		}, a.log, a.tracer, a.metrics)
		out = append(out, namedConsumer{name: "kafka", consumer: k, sources: a.cfg.Kafka.Topics})
	}
	if a.cfg.ServiceBus.Enabled {
		sb := servicebus.NewConsumer(servicebus.Config{
			ConnectionString:  a.cfg.ServiceBus.ConnectionString,
			Subscription:      a.cfg.ServiceBus.Subscription,
			MaxConcurrent:     a.cfg.ServiceBus.MaxConcurrent,
			ReceiveBatch:      a.cfg.ServiceBus.ReceiveBatch,
			LockRenewInterval: a.cfg.ServiceBus.LockRenewInterval,
		}, a.log, a.tracer, a.metrics)
		out = append(out, namedConsumer{name: "servicebus", consumer: sb, sources: []string{a.cfg.ServiceBus.Topic}})
	}
	return out
}

// serve connects every enabled transport, runs them with the ops server until
// ctx is cancelled or one fails, then stops and disconnects them within the
// shutdown timeout.
func (a *app) serve(ctx context.Context) error {
	ops := common.NewOpsServer(a.cfg.Ops.Addr, a.log)
	consumers := a.consumers()

	if err := a.connect(ctx, consumers); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ops.Run(gctx) })
	for _, c := range consumers {
		g.Go(func() error {
			if err := c.consumer.Run(gctx, a.router.HandleMessage); err != nil {
				return fmt.Errorf("%s consumer: %w", c.name, err)
			}
			return nil
		})
	}
	ops.SetReady(true)
	a.log.Info(ctx, "ingestor running", "transports", len(consumers), "ops_addr", a.cfg.Ops.Addr)

	<-gctx.Done()
	ops.SetReady(false)
	a.log.Info(ctx, "shutting down", "timeout", a.cfg.Shutdown.Timeout)

	waitErr := make(chan error, 1)
	go func() {
		for _, c := range consumers {
			c.consumer.Stop()
		}
		waitErr <- g.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-time.After(a.cfg.Shutdown.Timeout):
		runErr = errors.New("shutdown timed out with handlers still running")
	}

	a.disconnect(ctx, consumers)

	if runErr != nil {
		a.log.Error(ctx, "ingestor stopped with error", "error", runErr)
		return runErr
	}
	a.log.Info(ctx, "ingestor stopped")
	return nil
}

// connect connects and subscribes every consumer. On failure the ones already
// connected are disconnected again.
func (a *app) connect(ctx context.Context, consumers []namedConsumer) error {
	for i, c := range consumers {
		err := c.consumer.Connect(ctx)
		if err != nil {
			err = fmt.Errorf("connecting %s: %w", c.name, err)
			a.disconnect(ctx, consumers[:i])
			return err
		}
		for _, src := range c.sources {
			if err := c.consumer.Subscribe(src); err != nil {
				a.disconnect(ctx, consumers[:i+1])
				return fmt.Errorf("subscribing %s to %s: %w", c.name, src, err)
			}
		}
	}
	return nil
}

func (a *app) disconnect(ctx context.Context, consumers []namedConsumer) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Timeout)
	defer cancel()
	for _, c := range consumers {
		if err := c.consumer.Disconnect(ctx); err != nil {
			a.log.Error(ctx, "failed to disconnect", "transport", c.name, "error", err)
		}
	}
}

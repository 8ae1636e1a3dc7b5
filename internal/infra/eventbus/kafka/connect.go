package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
)

// connectGroup opens a client and joins the consumer group, retrying with
// exponential backoff while the cluster is unreachable.
func connectGroup(cfg *ClientConfig, maxElapsed time.Duration) (sarama.Client, sarama.ConsumerGroup, error) {
	var (
		client sarama.Client
		group  sarama.ConsumerGroup
	)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		c, err := NewClient(cfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}
		g, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, c)
		if err != nil {
			c.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}
		client, group = c, g
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return client, group, nil
}

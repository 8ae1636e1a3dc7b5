package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// ClientConfig contains the settings needed to join a consumer group.
type ClientConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// NewClient creates a Kafka client configured for manual offset commits.
// Offsets are only marked once the handler is done with a message.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

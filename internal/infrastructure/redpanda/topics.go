package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Claim lifecycle topics.
const (
	TopicClaimSubmitted = "claim.submitted"
	TopicClaimRejected  = "claim.rejected"
	TopicClaimStatus    = "claim.status"
	TopicERAReceived    = "era.received"
	TopicAuditTrail     = "audit.trail"
	TopicDeadLetter     = "dead.letter"
)

// TopicConfig describes one topic to provision.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic set for claim event streaming.
// Replication factor 1 suits the sandbox; raise it in production.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }

	lifecycle := map[string]*string{
		"retention.ms":     ptr("604800000"), // 7 days
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	return []TopicConfig{
		{Name: TopicClaimSubmitted, Partitions: 6, ReplicationFactor: 1, Configs: lifecycle},
		{Name: TopicClaimRejected, Partitions: 6, ReplicationFactor: 1, Configs: lifecycle},
		{Name: TopicClaimStatus, Partitions: 6, ReplicationFactor: 1, Configs: lifecycle},
		{Name: TopicERAReceived, Partitions: 3, ReplicationFactor: 1, Configs: lifecycle},
		{
			Name: TopicAuditTrail, Partitions: 3, ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days, compliance retention
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: 1, Configs: lifecycle},
	}
}

// Admin provisions and inspects topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects an admin client to the brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// CreateTopics provisions the given topics, tolerating ones that already
// exist.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if r.Err.Error() == "TOPIC_ALREADY_EXISTS" {
					a.logger.Info("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics provisions the default claim topic set.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics returns the names of all topics on the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}

	var names []string
	for _, t := range topics {
		names = append(names, t.Topic)
	}
	return names, nil
}

// Close releases the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies broker connectivity.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}

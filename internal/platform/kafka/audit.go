// Package kafka publishes audit events to a Kafka topic with franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"exambridge/internal/platform/config"
	audit "exambridge/pkg/platform/audit"
)

// AuditSink implements audit.Store by producing one JSON record per event.
// Records are keyed by center id so one center's events stay ordered.
type AuditSink struct {
	client *kgo.Client
	topic  string
}

type auditRecord struct {
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	CenterID  string    `json:"center_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
}

// NewAuditSink connects to the brokers and makes sure the audit topic exists.
func NewAuditSink(ctx context.Context, cfg config.Kafka) (*AuditSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.AuditTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := EnsureTopic(ctx, client, cfg); err != nil {
		client.Close()
		return nil, err
	}
	return &AuditSink{client: client, topic: cfg.AuditTopic}, nil
}

// EnsureTopic creates the audit topic when it does not exist yet.
func EnsureTopic(ctx context.Context, client *kgo.Client, cfg config.Kafka) error {
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, nil, cfg.AuditTopic)
	if err != nil {
		return fmt.Errorf("create audit topic: %w", err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create audit topic %s: %w", cfg.AuditTopic, resp.Err)
	}
	return nil
}

func (s *AuditSink) Append(ctx context.Context, event audit.Event) error {
	rec := auditRecord{
		Category:  string(event.Category),
		Timestamp: event.Timestamp,
		Subject:   event.Subject,
		Action:    event.Action,
		Reason:    event.Reason,
		RequestID: event.RequestID,
		ActorID:   event.ActorID,
	}
	var key []byte
	if !event.CenterID.IsNil() {
		rec.CenterID = event.CenterID.String()
		key = []byte(rec.CenterID)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := s.client.ProduceSync(ctx, &kgo.Record{Topic: s.topic, Key: key, Value: value}).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// Health pings the cluster.
func (s *AuditSink) Health(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *AuditSink) Close() {
	s.client.Close()
}

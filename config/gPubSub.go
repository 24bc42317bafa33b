package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// InvoiceEventMessage is the envelope published for every invoice
// notification.
type InvoiceEventMessage struct {
	OutboxId      int             `json:"outbox_id"`
	EventName     string          `json:"event_name"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   int             `json:"reference_id"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// OrderingKey keeps events of one entity in publish order.
func (m InvoiceEventMessage) OrderingKey() string {
	return m.ReferenceType + ":" + strconv.Itoa(m.ReferenceId)
}

// PubSubNotifier publishes to a single topic. The client is dialed on the
// first Publish.
type PubSubNotifier struct {
	ProjectID       string
	TopicID         string
	CredentialsJSON string

	mu     sync.Mutex
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifierFromEnv reads PUBSUB_TOPIC, PUBSUB_PROJECT_ID (falling back
// to GOOGLE_CLOUD_PROJECT then GCP_PROJECT) and the optional
// PUBSUB_CREDENTIALS_JSON.
func NewPubSubNotifierFromEnv() (*PubSubNotifier, error) {
	n := &PubSubNotifier{
		TopicID:         strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")),
		CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
	}
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			n.ProjectID = v
			break
		}
	}
	if n.TopicID == "" {
		return nil, errors.New("PUBSUB_TOPIC is required")
	}
	if n.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	return n, nil
}

func (n *PubSubNotifier) getTopic(ctx context.Context) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topic != nil {
		return n.topic, nil
	}
	var opts []option.ClientOption
	if n.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(n.CredentialsJSON)))
	}
	client, err := pubsub.NewClient(ctx, n.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client (project_id=%s): %w", n.ProjectID, err)
	}
	n.client = client
	n.topic = client.Topic(n.TopicID)
	n.topic.EnableMessageOrdering = true
	return n.topic, nil
}

// Publish returns the server-assigned message id. A failed publish pauses
// its ordering key, so the key is resumed before the error is returned; the
// outbox retries later.
func (n *PubSubNotifier) Publish(ctx context.Context, msg InvoiceEventMessage) (string, error) {
	topic, err := n.getTopic(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	key := msg.OrderingKey()
	id, err := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: key,
		Attributes: map[string]string{
			"event_name":     msg.EventName,
			"reference_type": msg.ReferenceType,
			"reference_id":   strconv.Itoa(msg.ReferenceId),
			"correlation_id": msg.CorrelationId,
		},
	}).Get(ctx)
	if err != nil {
		topic.ResumePublish(key)
		return "", err
	}
	return id, nil
}

// Close flushes pending publishes.
func (n *PubSubNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client == nil {
		return nil
	}
	n.topic.Stop()
	err := n.client.Close()
	n.client, n.topic = nil, nil
	return err
}

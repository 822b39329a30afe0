package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// RecruitmentChangeMessage is the payload of the recruitment change feed.
// The participant ids carry the snapshot taken before a deletion.
type RecruitmentChangeMessage struct {
	RecruitmentId         string    `json:"recruitment_id"`
	SchedulingState       string    `json:"scheduling_state"`
	Deleted               bool      `json:"deleted"`
	InternalParticipantId *string   `json:"internal_participant_id,omitempty"`
	ExternalParticipantId *string   `json:"external_participant_id,omitempty"`
	CorrelationId         string    `json:"correlation_id"`
	OccurredAt            time.Time `json:"occurred_at"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:                 topic,
			AckDeadline:           20 * time.Second,
			EnableMessageOrdering: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// EnsureRecruitmentFeed creates whichever of the change topic, its ordered
// subscription and the dead-letter topic are configured but missing.
// The subscription is only created when its topic is configured too.
func EnsureRecruitmentFeed(ctx context.Context, c *pubsub.Client, changeTopic, subscription, deadLetterTopic string) error {
	if changeTopic != "" {
		t, err := CreateTopicIfNotExists(ctx, c, changeTopic)
		if err != nil {
			return err
		}
		if subscription != "" {
			if _, err := CreateSubscriptionIfNotExists(ctx, c, subscription, t); err != nil {
				return err
			}
		}
	}
	if deadLetterTopic != "" {
		if _, err := CreateTopicIfNotExists(ctx, c, deadLetterTopic); err != nil {
			return err
		}
	}
	return nil
}

// PublishJSON publishes obj to topicName and returns the server-assigned message id.
// A non-empty orderingKey keeps messages for the same key in order.
func PublishJSON(ctx context.Context, topicName string, orderingKey string, obj interface{}) (string, error) {
	if topicName == "" {
		return "", errors.New("topicName is required")
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	t := client.Topic(topicName)
	if orderingKey != "" {
		t.EnableMessageOrdering = true
	}
	result := t.Publish(ctx, &pubsub.Message{Data: data, OrderingKey: orderingKey})
	return result.Get(ctx)
}

// PublishRecruitmentChange puts a change on the recruitment feed, ordered per recruitment.
func PublishRecruitmentChange(ctx context.Context, topicName string, msg RecruitmentChangeMessage) (string, error) {
	return PublishJSON(ctx, topicName, msg.RecruitmentId, msg)
}

// ReceiveRecruitmentChanges blocks until ctx is done, handing every decoded message to fn.
// Messages that fail to decode are acked and dropped; fn errors nack the message.
func ReceiveRecruitmentChanges(ctx context.Context, subscription string, fn func(context.Context, RecruitmentChangeMessage) error) error {
	if subscription == "" {
		return errors.New("subscription is required")
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return err
	}
	sub := client.Subscription(subscription)
	return sub.Receive(ctx, func(mctx context.Context, m *pubsub.Message) {
		var msg RecruitmentChangeMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.RecruitmentId == "" {
			LogError(logg, "config", "ReceiveRecruitmentChanges", "decode recruitment change", string(m.Data), fmt.Errorf("malformed message %s: %v", m.ID, err))
			m.Ack()
			return
		}
		if err := fn(mctx, msg); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

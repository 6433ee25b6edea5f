package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"crmcore/internal/config"

	ps "cloud.google.com/go/pubsub"
)

func TestNewPublisherInvalidProject(t *testing.T) {
	cfg := &config.Config{GCPProjectID: ""}
	if _, err := NewPublisher(context.Background(), cfg); err == nil {
		t.Fatal("expected error when project ID is empty")
	}
}

type recordingPublisher struct {
	topic   string
	payload []byte
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) (string, error) {
	r.topic = topic
	r.payload = payload
	if r.err != nil {
		return "", r.err
	}
	return "msg-1", nil
}

func TestPublishJSON(t *testing.T) {
	rec := &recordingPublisher{}
	id, err := PublishJSON(context.Background(), rec, "negative-credit-users", map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("PublishJSON returned error: %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected msg-1, got %s", id)
	}
	if rec.topic != "negative-credit-users" {
		t.Fatalf("unexpected topic %s", rec.topic)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["user_id"] != "u1" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestPublishJSONPropagatesErrors(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("unavailable")}
	if _, err := PublishJSON(context.Background(), rec, "t", struct{}{}); err == nil {
		t.Fatal("expected publish error")
	}
	if _, err := PublishJSON(context.Background(), rec, "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestPublishWithEmulator(t *testing.T) {
	emulator := os.Getenv("PUBSUB_EMULATOR_HOST")
	if emulator == "" {
		t.Skip("PUBSUB_EMULATOR_HOST is not set, skip emulator integration test")
	}

	ctx := context.Background()
	cfg := &config.Config{GCPProjectID: "test-project"}
	pub, err := NewPublisher(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create PubSubPublisher: %v", err)
	}
	defer pub.Close()

	topicName := "test-negative-credit"
	topic, err := pub.client.CreateTopic(ctx, topicName)
	if err != nil {
		t.Fatalf("failed to create topic: %v", err)
	}
	sub, err := pub.client.CreateSubscription(ctx, "test-negative-credit-sub", ps.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	msgID, err := PublishJSON(ctx, pub, topicName, map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty message ID")
	}

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c := make(chan []byte, 1)
	go func() {
		sub.Receive(recvCtx, func(ctx context.Context, m *ps.Message) {
			c <- m.Data
			m.Ack()
			cancel()
		})
	}()

	select {
	case data := <-c:
		if string(data) != `{"user_id":"u1"}` {
			t.Fatalf("unexpected message data %q", string(data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from emulator subscription")
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"crmcore/internal/config"
	"crmcore/internal/logger"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// main creates the notice and alert topics on the local Pub/Sub emulator, each
// with a pull subscription so published messages can be inspected.
func main() {
	reset := flag.Bool("reset", false, "Delete every topic and subscription on the emulator first")
	flag.Parse()

	// Load environment variables early for local development
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, relying on system environment variables.")
	}

	logger := logger.New()
	logger.Info().Msg("Starting Pub/Sub setup for the local environment.")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.GCPProjectID == "" {
		logger.Fatal().Msg("GCP_PROJECT_ID is not set in the environment.")
	}
	if cfg.PubSubEmulatorHost == "" {
		logger.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set for local environment.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, cfg.GCPProjectID,
		option.WithEndpoint(cfg.PubSubEmulatorHost),
		option.WithoutAuthentication(),
	)
	if err != nil {
		logger.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Msgf("Failed to close pubsub client: %v", err)
		}
	}()

	if *reset {
		if err := resetLocalEmulator(ctx, client, logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to reset emulator")
		}
	}

	for _, topicID := range []string{cfg.NegativeCreditTopic, cfg.AlertTopic} {
		if err := ensureTopicWithSubscription(ctx, client, logger, topicID, 7*24*time.Hour); err != nil {
			logger.Fatal().Err(err).Str("topic", topicID).Msg("Failed to set up topic")
		}
	}

	logger.Info().Msg("Pub/Sub setup for local environment complete.")
}

// resetLocalEmulator deletes all topics and subscriptions. Only use it against the emulator.
func resetLocalEmulator(ctx context.Context, client *pubsub.Client, logger zerolog.Logger) error {
	subs := client.Subscriptions(ctx)
	for {
		sub, err := subs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		logger.Info().Str("subscription", sub.ID()).Msg("Deleting subscription")
		if err := sub.Delete(ctx); err != nil {
			logger.Warn().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete subscription")
		}
	}

	topics := client.Topics(ctx)
	for {
		topic, err := topics.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		logger.Info().Str("topic", topic.ID()).Msg("Deleting topic")
		if err := topic.Delete(ctx); err != nil {
			logger.Warn().Err(err).Str("topic", topic.ID()).Msg("Failed to delete topic")
		}
	}
	return nil
}

func ensureTopicWithSubscription(ctx context.Context, client *pubsub.Client, logger zerolog.Logger, topicID string, retention time.Duration) error {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		logger.Info().Str("topic", topicID).Dur("retention", retention).Msg("Creating topic")
		topic, err = client.CreateTopicWithConfig(ctx, topicID, &pubsub.TopicConfig{RetentionDuration: retention})
		if err != nil {
			return fmt.Errorf("create topic %s: %w", topicID, err)
		}
	}

	subID := topicID + "-sub"
	sub := client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", subID, err)
	}
	if exists {
		logger.Info().Str("subscription", subID).Msg("Subscription already exists")
		return nil
	}
	logger.Info().Str("subscription", subID).Msg("Creating pull subscription")
	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
		Topic:            topic,
		AckDeadline:      60 * time.Second,
		ExpirationPolicy: 31 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", subID, err)
	}
	return nil
}

package service

import (
	"context"
	"time"

	"crmcore/internal/pubsub"
)

// LeaseAlert describes a job left PROCESSING because its release failed.
type LeaseAlert struct {
	JobID      string    `json:"job_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	Error      string    `json:"error"`
	DetectedAt time.Time `json:"detected_at"`
}

// Alerter delivers operational alerts outside the log stream.
type Alerter interface {
	LeaseWedged(ctx context.Context, alert LeaseAlert) error
}

type pubSubAlerter struct {
	pub   pubsub.Publisher
	topic string
}

// NewPubSubAlerter publishes alerts as JSON on topic.
func NewPubSubAlerter(pub pubsub.Publisher, topic string) Alerter {
	return &pubSubAlerter{pub: pub, topic: topic}
}

func (a *pubSubAlerter) LeaseWedged(ctx context.Context, alert LeaseAlert) error {
	_, err := pubsub.PublishJSON(ctx, a.pub, a.topic, alert)
	return err
}

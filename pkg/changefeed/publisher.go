// Package changefeed exports material presence changes to Google Pub/Sub so
// other services can follow listening activity without polling the provider.
package changefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/rs/zerolog"
)

const (
	AttrUserID    = "user_id"
	AttrIsPlaying = "is_playing"
	AttrEvent     = "event"
)

// Publisher sends each change as the wire JSON of the snapshot, with the user
// id and playing flag copied into message attributes for subscription filters.
type Publisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPublisher creates a Publisher. It verifies that the target topic exists
// before returning, respecting the context's deadline.
func NewPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &Publisher{
		topic:  topic,
		logger: logger.With().Str("component", "ChangefeedPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish queues snap and returns without waiting for the server. The final
// result is logged asynchronously.
func (p *Publisher) Publish(ctx context.Context, snap presence.Snapshot) error {
	payload, err := presence.Encode(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", snap.UserID(), err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			AttrUserID:    snap.UserID(),
			AttrIsPlaying: strconv.FormatBool(presence.IsPlaying(snap)),
			AttrEvent:     presence.UpdateEvent,
		},
	})

	userID := snap.UserID()
	go func() {
		// A fresh context so a short-lived caller context does not cancel the wait.
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to publish presence change.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Str("user_id", userID).Msg("Presence change published.")
	}()
	return nil
}

// Stop flushes any pending messages for the topic, respecting the context's timeout.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package events streams learned interactions over NATS so downstream
// consumers (analytics, offline retraining) can follow profile changes.
//
// Events are published to subjects:
//   - {prefix}.{user_id}
//
// where user_id has NATS token separators replaced by underscores.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/discoverd/internal/config"
	"github.com/fyrsmithlabs/discoverd/internal/media"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the wire form of a learned interaction.
type Event struct {
	ID         string                `json:"id"`
	UserID     string                `json:"userId"`
	MediaID    string                `json:"mediaId"`
	Type       media.InteractionType `json:"type"`
	Weight     float64               `json:"weight"`
	OccurredAt time.Time             `json:"occurredAt"`
	LearnedAt  time.Time             `json:"learnedAt"`
}

// NATSPublisher publishes one Event per learned interaction.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	now    func() time.Time
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "discoverd.interactions"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, now: time.Now}
}

// Connect dials the configured server. Reconnects are bounded so a lost
// server degrades to failed publishes rather than a blocked learner.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("discoverd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Subject returns the subject events for userID are published on.
func (p *NATSPublisher) Subject(userID string) string {
	return p.prefix + "." + subjectToken(userID)
}

// PublishInteraction implements profile.EventPublisher.
func (p *NATSPublisher) PublishInteraction(ctx context.Context, in media.Interaction, weight float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{
		ID:         uuid.New().String(),
		UserID:     in.UserID,
		MediaID:    in.MediaID,
		Type:       in.Type,
		Weight:     weight,
		OccurredAt: in.Timestamp,
		LearnedAt:  p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal interaction event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(in.UserID), data); err != nil {
		return fmt.Errorf("publish interaction event: %w", err)
	}
	return nil
}

// Subscribe delivers decoded events for every user until the returned
// subscription is drained. Undecodable messages are logged and dropped.
func Subscribe(nc *nats.Conn, prefix string, logger *zap.Logger, handle func(Event)) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("dropping malformed interaction event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handle(ev)
	})
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

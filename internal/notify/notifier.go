package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventMatchFound   EventType = "match_found"
	EventMatchExpired EventType = "match_expired"
	EventCallInvite   EventType = "call_invite"
	EventClipFailed   EventType = "clip_failed"
)

type Event struct {
	Type    EventType `json:"type"`
	MatchID string    `json:"match_id,omitempty"`
	CallID  string    `json:"call_id,omitempty"`
	ClipID  string    `json:"clip_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier delivers fire-and-forget user notifications. Failures are logged
// by implementations and never propagated to the caller.
type Notifier interface {
	Notify(ctx context.Context, userID string, event Event)
}

// LogNotifier records notifications in the service log. Used when no push
// delivery backend is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID string, event Event) {
	if n.Logger == nil {
		return
	}
	n.Logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"event":    string(event.Type),
		"match_id": event.MatchID,
		"call_id":  event.CallID,
		"clip_id":  event.ClipID,
	}).Info("user notification")
}

// RedisNotifier publishes notifications to a per-user channel for delivery
// by the push gateway.
type RedisNotifier struct {
	Redis  *redis.Client
	Logger *logrus.Logger
}

func (n *RedisNotifier) Notify(ctx context.Context, userID string, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if n.Logger != nil {
			n.Logger.WithError(err).Warn("notification marshal failed")
		}
		return
	}
	if err := n.Redis.Publish(ctx, "user:"+userID+":events", payload).Err(); err != nil {
		if n.Logger != nil {
			n.Logger.WithError(err).WithField("user_id", userID).Warn("notification publish failed")
		}
	}
}

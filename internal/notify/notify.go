// Package notify announces queue changes on a Redis pub/sub channel per
// property so agents can react without waiting for their next poll.
//
// Notifications are best effort. The queue store stays the source of truth:
// an agent that misses an event still finds the job on its next poll.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// DefaultChannelPrefix prefixes every per-property channel.
const DefaultChannelPrefix = "kioskq:events"

// EventType names what happened to a job.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is the message published for a job change. Payload fields such as
// the guest name or password are deliberately absent; subscribers fetch the
// job from the queue.
type Event struct {
	Type      EventType        `json:"type"`
	JobID     types.JobID      `json:"jobId"`
	Property  types.PropertyID `json:"property"`
	Action    types.Action     `json:"action"`
	Status    types.JobStatus  `json:"status"`
	Timestamp int64            `json:"timestamp"`
}

// NewEvent derives an event from a job.
func NewEvent(t EventType, job types.Job) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		Property:  job.Property,
		Action:    job.Action,
		Status:    job.Status,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close() error                        { return nil }

// Redis publishes events with PUBLISH.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// Options configures the Redis notifier.
type Options struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// NewRedis connects and pings. A missing address is BackendUnavailable.
func NewRedis(ctx context.Context, opts Options, logger *zap.Logger) (*Redis, error) {
	const op = "notify.NewRedis"
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errs.E(errs.KindBackendUnavailable, op, "redis address is not configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errs.Wrapf(errs.KindBackendUnavailable, op, err, "connect redis %s", opts.Addr)
	}
	return NewRedisWithClient(client, opts.ChannelPrefix, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

// Channel returns the channel name of one property.
func Channel(prefix string, p types.PropertyID) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + ":" + string(p)
}

// Notify publishes ev on its property's channel.
func (r *Redis) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := Channel(r.prefix, ev.Property)
	receivers, err := r.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return errs.Wrapf(errs.KindBackendUnavailable, "notify.Notify", err, "publish %s", channel)
	}

	r.logger.Debug("event published",
		zap.String("channel", channel),
		zap.String("type", string(ev.Type)),
		zap.String("job_id", string(ev.JobID)),
		zap.Int64("receivers", receivers))
	return nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Subscription delivers events of one property.
type Subscription struct {
	ps     *redis.PubSub
	events chan Event
	logger *zap.Logger
}

// Subscribe listens on the channel of p. The subscription is confirmed
// before Subscribe returns, so no event published afterwards is missed.
func Subscribe(ctx context.Context, client *redis.Client, prefix string, p types.PropertyID, logger *zap.Logger) (*Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ps := client.Subscribe(ctx, Channel(prefix, p))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errs.Wrapf(errs.KindBackendUnavailable, "notify.Subscribe", err, "subscribe %s", p)
	}

	s := &Subscription{ps: ps, events: make(chan Event, 16), logger: logger}
	go s.pump()
	return s, nil
}

func (s *Subscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.Warn("dropping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		// events are wake-up hints; a slow reader loses nothing it cannot poll
		select {
		case s.events <- ev:
		default:
			s.logger.Debug("subscriber busy, event dropped", zap.String("job_id", string(ev.JobID)))
		}
	}
}

// Events is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes.
func (s *Subscription) Close() error {
	return s.ps.Close()
}

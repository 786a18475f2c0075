package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/BTreeMap/ReminderPipe/internal/models"
)

// DefaultInboxSize is the number of notifications kept per owner inbox.
const DefaultInboxSize = 100

// AppNotification is the in-app payload, encoded with msgpack.
type AppNotification struct {
	ReminderID  string    `msgpack:"reminder_id"`
	Owner       string    `msgpack:"owner"`
	Message     string    `msgpack:"message"`
	RelatedGoal string    `msgpack:"related_goal,omitempty"`
	FireAt      time.Time `msgpack:"fire_at"`
	SentAt      time.Time `msgpack:"sent_at"`
}

// AppPublisher pushes an encoded notification to an owner's app clients.
type AppPublisher interface {
	Publish(ctx context.Context, owner string, payload []byte) error
}

// AppSender delivers reminders as in-app notifications.
type AppSender struct {
	pub AppPublisher
	now func() time.Time
}

func NewAppSender(pub AppPublisher) *AppSender {
	return &AppSender{pub: pub, now: time.Now}
}

func (a *AppSender) Send(ctx context.Context, r models.Reminder) error {
	payload, err := msgpack.Marshal(AppNotification{
		ReminderID:  r.ID,
		Owner:       r.Owner,
		Message:     r.Message,
		RelatedGoal: r.RelatedGoal,
		FireAt:      r.NextFireAt.UTC(),
		SentAt:      a.now().UTC(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("encode app notification: %w", err))
	}
	if err := a.pub.Publish(ctx, r.Owner, payload); err != nil {
		slog.Error("AppSender.Send failed", "id", r.ID, "owner", r.Owner, "error", err)
		return fmt.Errorf("publish app notification for %s: %w", r.Owner, err)
	}
	slog.Debug("AppSender.Send: delivered", "id", r.ID, "owner", r.Owner)
	return nil
}

// DecodeAppNotification decodes a payload produced by AppSender.
func DecodeAppNotification(payload []byte) (AppNotification, error) {
	var n AppNotification
	err := msgpack.Unmarshal(payload, &n)
	return n, err
}

// RedisPublisher publishes app notifications on Redis. Live clients subscribe to
// AppChannelKey(owner); offline clients read the capped list at AppInboxKey(owner).
type RedisPublisher struct {
	client    *redis.Client
	inboxSize int64
}

// NewRedisPublisher creates a Redis publisher.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		inboxSize: DefaultInboxSize,
	}
}

func AppChannelKey(owner string) string { return "reminders:app:" + owner }
func AppInboxKey(owner string) string   { return "reminders:inbox:" + owner }

func (p *RedisPublisher) Publish(ctx context.Context, owner string, payload []byte) error {
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, AppInboxKey(owner), payload)
	pipe.LTrim(ctx, AppInboxKey(owner), 0, p.inboxSize-1)
	pipe.Publish(ctx, AppChannelKey(owner), payload)
	_, err := pipe.Exec(ctx)
	return err
}

// Inbox returns the most recent notifications of owner, newest first.
func (p *RedisPublisher) Inbox(ctx context.Context, owner string) ([]AppNotification, error) {
	raw, err := p.client.LRange(ctx, AppInboxKey(owner), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AppNotification, 0, len(raw))
	for _, item := range raw {
		n, err := DecodeAppNotification([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("decode inbox item: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Ping checks if Redis is alive
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "jobrelay/pkg/logx"
)

// Redis maps queues to streams read through one consumer group, so each
// entry goes to a single consumer, and channels to Pub/Sub, which only
// reaches subscribers connected at publish time.
type Redis struct {
	client   redis.UniversalClient
	cfg      Config
	log      logx.Logger
	group    string
	consumer string
	owned    bool
}

func openRedis(cfg Config, log logx.Logger) (*Redis, error) {
	raw := strings.TrimSpace(cfg.RedisURL)
	if raw == "" {
		return nil, errors.New("broker.redis_url is required for redis driver")
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	r := NewRedis(client, cfg, log)
	r.owned = true
	return r, nil
}

// NewRedis wraps client. Close only closes clients opened by Open.
func NewRedis(client redis.UniversalClient, cfg Config, log logx.Logger) *Redis {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	consumer := cfg.InstanceID
	if consumer == "" {
		consumer = "relay"
	}
	return &Redis{
		client:   client,
		cfg:      cfg,
		log:      log,
		group:    cfg.KeyPrefix + "relay",
		consumer: consumer,
	}
}

func (r *Redis) streamKey(queue string) string    { return r.cfg.KeyPrefix + "queue:" + queue }
func (r *Redis) channelKey(channel string) string { return r.cfg.KeyPrefix + "broadcast:" + channel }

func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(queue),
		MaxLen: r.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{"body": body},
	}).Err()
}

func (r *Redis) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (r *Redis) Consume(ctx context.Context, queue string, h Handler) error {
	stream := r.streamKey(queue)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}
	log := r.log.With(logx.String("stream", stream))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    r.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, s := range res {
			for _, m := range s.Messages {
				deliver(ctx, log, "queue:"+queue, h, bodyOf(m.Values))
				if err := r.client.XAck(ctx, stream, r.group, m.ID).Err(); err != nil {
					log.Warn("xack failed", logx.String("id", m.ID), logx.Err(err))
				}
			}
		}
	}
}

func bodyOf(values map[string]any) []byte {
	switch v := values["body"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return nil
	}
}

func (r *Redis) Broadcast(ctx context.Context, channel string, body []byte) error {
	return r.client.Publish(ctx, r.channelKey(channel), body).Err()
}

func (r *Redis) Listen(ctx context.Context, channel string, ready chan<- struct{}, h Handler) error {
	ps := r.client.Subscribe(ctx, r.channelKey(channel))
	defer ps.Close()
	// Wait for the subscription confirmation before reporting ready.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			deliver(ctx, r.log, "channel:"+channel, h, []byte(m.Payload))
		}
	}
}

func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

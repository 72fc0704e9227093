// Package broker carries engine status messages between processes.
//
// Two delivery shapes are offered:
//   - queues: competing consumers; each message is handled by exactly one
//     consumer among all processes consuming the queue.
//   - channels: fanout; every process listening at publish time gets a copy.
//     Bindings are ephemeral and vanish with the listener.
//
// Messages are acknowledged after the handler returns, whether or not the
// handler managed to make use of them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	logx "jobrelay/pkg/logx"
)

// Handler processes one message body. It must not retain body.
type Handler func(ctx context.Context, body []byte)

type Broker interface {
	// Publish enqueues body on a named work queue.
	Publish(ctx context.Context, queue string, body []byte) error
	// Consume handles messages from queue until ctx ends.
	Consume(ctx context.Context, queue string, h Handler) error
	// Broadcast sends body to every current listener of channel.
	Broadcast(ctx context.Context, channel string, body []byte) error
	// Listen binds to channel and handles messages until ctx ends.
	// ready, if non-nil, is closed once the binding is live.
	Listen(ctx context.Context, channel string, ready chan<- struct{}, h Handler) error
	Close() error
}

var ErrClosed = errors.New("broker closed")

type Config struct {
	Driver     string // memory | redis
	RedisURL   string
	KeyPrefix  string
	InstanceID string // redis consumer name

	QueueBuffer  int           // memory queue depth
	StreamMaxLen int64         // redis stream trim length, approximate
	BlockTimeout time.Duration // redis XREADGROUP block
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "jobrelay:"
	}
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 1024
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 100_000
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	return c
}

// Open builds the configured broker. The memory driver returns a fresh Hub
// private to this process.
func Open(cfg Config, log logx.Logger) (Broker, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewHub(cfg.QueueBuffer, log), nil
	case "redis":
		r, err := openRedis(cfg, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// deliver runs h, containing panics so one bad message cannot kill a consumer.
func deliver(ctx context.Context, log logx.Logger, where string, h Handler, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("message handler panicked", logx.String("source", where), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	h(ctx, body)
}

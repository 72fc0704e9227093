package broker

import (
	"context"
	"sync"
	"sync/atomic"

	logx "jobrelay/pkg/logx"
)

// Hub is an in-process broker. Several relay instances sharing one Hub
// behave like processes sharing a message broker.
type Hub struct {
	log    logx.Logger
	buffer int

	mu        sync.Mutex
	queues    map[string]chan []byte
	listeners map[string]map[uint64]chan []byte
	closed    bool
	done      chan struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(buffer int, log logx.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:       log,
		buffer:    buffer,
		queues:    map[string]chan []byte{},
		listeners: map[string]map[uint64]chan []byte{},
		done:      make(chan struct{}),
	}
}

func (h *Hub) queue(name string) (chan []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	q, ok := h.queues[name]
	if !ok {
		q = make(chan []byte, h.buffer)
		h.queues[name] = q
	}
	return q, nil
}

func (h *Hub) Publish(ctx context.Context, queue string, body []byte) error {
	q, err := h.queue(queue)
	if err != nil {
		return err
	}
	msg := append([]byte(nil), body...)
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrClosed
	}
}

func (h *Hub) Consume(ctx context.Context, queue string, fn Handler) error {
	q, err := h.queue(queue)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return ErrClosed
		case msg := <-q:
			deliver(ctx, h.log, "queue:"+queue, fn, msg)
		}
	}
}

func (h *Hub) Broadcast(ctx context.Context, channel string, body []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	targets := make([]chan []byte, 0, len(h.listeners[channel]))
	for _, ch := range h.listeners[channel] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		msg := append([]byte(nil), body...)
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
			h.log.Warn("broadcast dropped for slow listener", logx.String("channel", channel))
		}
	}
	return ctx.Err()
}

func (h *Hub) Listen(ctx context.Context, channel string, ready chan<- struct{}, fn Handler) error {
	ch := make(chan []byte, h.buffer)
	id := h.seq.Add(1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.listeners[channel] == nil {
		h.listeners[channel] = map[uint64]chan []byte{}
	}
	h.listeners[channel][id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.listeners[channel], id)
		if len(h.listeners[channel]) == 0 {
			delete(h.listeners, channel)
		}
		h.mu.Unlock()
	}()

	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return ErrClosed
		case msg := <-ch:
			deliver(ctx, h.log, "channel:"+channel, fn, msg)
		}
	}
}

// Listeners returns the number of live bindings on channel.
func (h *Hub) Listeners(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[channel])
}

// Depth returns the number of messages waiting on queue.
func (h *Hub) Depth(queue string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[queue])
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
	return nil
}

// Package bus carries kestrel events in-process over channels or between
// nodes over NATS.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")
	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("bus request timed out")
)

const defaultChannelBuffer = 1000

// ChannelBus is the single-node bus. Each subscriber owns a buffered
// channel drained by its own goroutine, so a slow handler only delays
// its own topic.
type ChannelBus struct {
	buffer  int
	dropped atomic.Int64

	mu     sync.RWMutex
	topics map[string]map[*channelSubscription]struct{}
	closed bool
}

type channelSubscription struct {
	topic   string
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	stop    context.CancelFunc
	owner   *ChannelBus
}

// NewChannelBus sizes every subscriber inbox at buffer messages.
func NewChannelBus(buffer int) *ChannelBus {
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		buffer: buffer,
		topics: make(map[string]map[*channelSubscription]struct{}),
	}
}

// Publish never blocks: a subscriber with a full inbox misses the
// message and Dropped is incremented.
func (b *ChannelBus) Publish(_ context.Context, topic string, payload []byte) error {
	return b.fanOut(newMessage(topic, payload))
}

func (b *ChannelBus) fanOut(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.topics[msg.Topic] {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("bus subscriber full, dropping message", "topic", msg.Topic, "message_id", msg.ID)
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine that lives until Unsubscribe,
// Close or cancellation of ctx.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	subCtx, stop := context.WithCancel(ctx)
	sub := &channelSubscription{
		topic:   topic,
		handler: handler,
		inbox:   make(chan *domain.Message, b.buffer),
		ctx:     subCtx,
		stop:    stop,
		owner:   b,
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*channelSubscription]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}

	go sub.deliver()
	return sub, nil
}

func (s *channelSubscription) deliver() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("bus handler failed", "topic", s.topic, "message_id", msg.ID, "error", err)
			}
		}
	}
}

// Request subscribes a private reply topic, publishes with that topic
// in Metadata["reply_to"] and waits for the first answer.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	replies := make(chan []byte, 1)
	inbox := topic + ".reply." + uuid.NewString()

	sub, err := b.Subscribe(ctx, inbox, func(_ context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	msg := newMessage(topic, payload)
	msg.Metadata["reply_to"] = inbox
	if err := b.fanOut(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(defaultRequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscriber; buffered messages are discarded. Closing
// twice is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.topics {
		for sub := range set {
			sub.stop()
		}
	}
	clear(b.topics)
	return nil
}

// Dropped counts messages lost to full subscriber inboxes.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (s *channelSubscription) Unsubscribe() error {
	s.stop()

	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.topics[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.topics, s.topic)
		}
	}
	return nil
}

func (s *channelSubscription) Topic() string { return s.topic }

// Reply answers a request message on its reply_to topic.
func Reply(ctx context.Context, b domain.EventBus, req *domain.Message, payload []byte) error {
	to := req.Metadata["reply_to"]
	if to == "" {
		return errors.New("message has no reply_to")
	}
	return b.Publish(ctx, to, payload)
}

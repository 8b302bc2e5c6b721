package domain

import (
	"context"
)

// EventBus moves assessment events and pattern-change notices between
// components. ChannelBus serves a single process; NATSBus spans nodes.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe runs handler for every message on topic until the
	// returned Subscription is cancelled.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes with a reply address in Metadata["reply_to"] and
	// returns the first reply payload.
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every payload travels in. Timestamp is Unix
// nanoseconds at publish.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus. Type is "channel" or "nats".
type EventBusConfig struct {
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topic names used by the scoring pipeline.
const (
	TopicTransferSubmitted = "kestrel.transfer.submitted"
	TopicAssessment        = "kestrel.assessment"
	TopicAssessmentReview  = "kestrel.assessment.review"
	TopicAssessmentBlock   = "kestrel.assessment.block"
	TopicPatternsChanged   = "kestrel.patterns.changed"

	// TopicAnalyzeRequest is a request-reply subject: the reply is the
	// JSON assessment.
	TopicAnalyzeRequest = "kestrel.transfer.analyze"
)

// PatternsChanged is the payload of TopicPatternsChanged. Origin is the
// publishing node, which has already reloaded.
type PatternsChanged struct {
	Origin    string `json:"origin"`
	PatternID string `json:"patternId,omitempty"`
}

package kafka

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Message is a received notification with just enough detail for acking.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string

	raw kafkago.Message
}

// Consumer wraps a kafka-go Reader joined to a consumer group.
type Consumer struct {
	reader *kafkago.Reader
}

type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
}

// NewConsumer constructs a Consumer from the given configuration.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	return &Consumer{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			CommitInterval: 0, // explicit commits only
			StartOffset:    kafkago.FirstOffset,
			MaxWait:        time.Second,
		}),
	}
}

// Fetch blocks until a message is available or the context is cancelled.
// The message is not considered consumed until Commit is called.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		raw:     msg,
	}, nil
}

// Commit marks the message as consumed within the group.
func (c *Consumer) Commit(ctx context.Context, msg Message) error {
	return c.reader.CommitMessages(ctx, msg.raw)
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

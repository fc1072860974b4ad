// Package kafkafeed consumes risk events from a Kafka topic and feeds them
// to the incident service.
package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/bulwark/internal/incident"
	"github.com/linnemanlabs/bulwark/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/bulwark/internal/ingest/kafkafeed")

// Message outcomes reported to Hooks.OnMessage.
const (
	ResultProcessed = "processed"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

// Processor is the part of the incident service the consumer drives.
type Processor interface {
	ProcessRiskEvent(ctx context.Context, ev incident.RiskEvent) (*incident.Outcome, error)
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the topic and consumer group.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MaxBytes int

	// Attempts is how many times a message whose processing fails for a
	// reason other than validation is tried before it is committed anyway.
	Attempts int
	Backoff  time.Duration
}

// Hooks receives consumer telemetry. Nil funcs are skipped.
type Hooks struct {
	OnMessage func(result string)
}

// Consumer reads risk events and commits each message once it has been
// handed to the processor.
type Consumer struct {
	r        reader
	proc     Processor
	logger   log.Logger
	hooks    Hooks
	attempts int
	backoff  time.Duration
}

// New creates a consumer group reader for cfg.
func New(cfg Config, proc Processor, logger log.Logger, hooks Hooks) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafkafeed: brokers, topic and group are required")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: maxBytes,
	})
	return newConsumer(r, proc, logger, hooks, cfg.Attempts, cfg.Backoff), nil
}

func newConsumer(r reader, proc Processor, logger log.Logger, hooks Hooks, attempts int, backoff time.Duration) *Consumer {
	if logger == nil {
		logger = log.Nop()
	}
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Consumer{r: r, proc: proc, logger: logger, hooks: hooks, attempts: attempts, backoff: backoff}
}

// Decode parses a risk event payload.
func Decode(data []byte) (incident.RiskEvent, error) {
	var ev incident.RiskEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %w", incident.ErrValidation, err)
	}
	return ev, nil
}

// Run consumes until ctx is done, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.r.Close(); err != nil {
			c.logger.Warn(ctx, "kafka reader close failed", "err", err)
		}
	}()

	ctx = postgres.WithOrigin(ctx, "kafka")
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// handle processes one message. Invalid payloads are dropped; processing
// failures are retried up to the configured attempts.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctx, span := tracer.Start(ctx, "kafkafeed.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	result := c.process(ctx, msg)
	span.SetAttributes(attribute.String("bulwark.ingest.result", result))
	if result != ResultProcessed {
		span.SetStatus(codes.Error, result)
	}
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(result)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) string {
	ev, err := Decode(msg.Value)
	if err != nil {
		c.logger.Warn(ctx, "dropping undecodable risk event", "offset", msg.Offset, "partition", msg.Partition, "err", err)
		return ResultInvalid
	}

	for attempt := 1; ; attempt++ {
		out, err := c.proc.ProcessRiskEvent(ctx, ev)
		if err == nil {
			c.logger.Info(ctx, "risk event processed",
				"offset", msg.Offset,
				"incident_id", out.Incident.ID,
				"status", out.Incident.Status,
			)
			return ResultProcessed
		}
		if errors.Is(err, incident.ErrValidation) {
			c.logger.Warn(ctx, "dropping invalid risk event", "offset", msg.Offset, "err", err)
			return ResultInvalid
		}
		if attempt >= c.attempts || ctx.Err() != nil {
			c.logger.Error(ctx, err, "risk event processing failed, skipping", "offset", msg.Offset, "attempts", attempt)
			return ResultFailed
		}

		c.logger.Warn(ctx, "risk event processing failed, retrying", "offset", msg.Offset, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ResultFailed
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}

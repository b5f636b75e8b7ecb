// Package ingest feeds outcome events from NATS JetStream into the pattern
// updater.
//
// Each message carries one JSON OutcomeEvent. Messages are acknowledged
// explicitly: Ack after the event is folded in, Term when redelivery cannot
// help (undecodable payload, ErrValidation or ErrInvariantViolation), Nak for
// anything else so JetStream redelivers up to MaxDeliver times. Redelivering
// an event the updater already counted is harmless: aggregates remember the
// IDs of recent events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

// Config holds connection and consumer settings.
type Config struct {
	URL        string
	Token      string
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
}

// Recorder folds an event into aggregates.
type Recorder interface {
	RecordOutcome(ctx context.Context, event *patterns.OutcomeEvent) error
}

var errUndecodable = errors.New("undecodable outcome payload")

// Consumer is a durable JetStream consumer on the outcome subject.
type Consumer struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	stopOnce sync.Once

	recorder Recorder
	logger   *zap.Logger
	config   Config
}

// Connect dials NATS, ensures the stream and the durable consumer exist,
// and returns a Consumer ready to Start.
func Connect(ctx context.Context, cfg Config, recorder Recorder, logger *zap.Logger) (*Consumer, error) {
	if recorder == nil {
		return nil, errors.New("recorder cannot be nil")
	}
	if cfg.Stream == "" || cfg.Subject == "" || cfg.Durable == "" {
		return nil, errors.New("stream, subject and durable are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingest")

	opts := []nats.Option{
		nats.Name("patternd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream consumer create: %w", err)
	}

	logger.Info("nats connected",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("stream", cfg.Stream),
		zap.String("durable", cfg.Durable))

	return &Consumer{
		nc:       nc,
		consumer: consumer,
		recorder: recorder,
		logger:   logger,
		config:   cfg,
	}, nil
}

// Start begins delivering messages. ctx is the parent of every
// RecordOutcome call; cancel it together with Stop.
func (c *Consumer) Start(ctx context.Context) error {
	cc, err := c.consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("nats consume: %w", err)
	}
	c.cc = cc
	return nil
}

// Stop halts delivery and closes the connection. In-flight messages that
// were not acknowledged are redelivered after AckWait. Safe to call more
// than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.cc != nil {
			c.cc.Stop()
		}
		c.nc.Close()
		c.logger.Info("nats consumer stopped")
	})
}

// Publish sends one event to subject. Producers and tests use it.
func Publish(ctx context.Context, js jetstream.JetStream, subject string, event *patterns.OutcomeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding outcome event: %w", err)
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	start := time.Now()
	err := c.process(ctx, msg.Data())
	action := dispositionFor(err)

	var ackErr error
	switch action {
	case actionAck:
		ackErr = msg.Ack()
	case actionTerm:
		c.logger.Warn("dropping outcome message",
			zap.String("subject", msg.Subject()),
			zap.Error(err))
		ackErr = msg.Term()
	case actionNak:
		fields := []zap.Field{zap.String("subject", msg.Subject()), zap.Error(err)}
		if meta, mErr := msg.Metadata(); mErr == nil {
			fields = append(fields, zap.Uint64("delivered", meta.NumDelivered))
		}
		c.logger.Error("outcome message failed, requesting redelivery", fields...)
		ackErr = msg.Nak()
	}
	if ackErr != nil {
		c.logger.Error("nats acknowledgement failed", zap.String("action", string(action)), zap.Error(ackErr))
	}

	messagesTotal.WithLabelValues(string(action)).Inc()
	handleDuration.Observe(time.Since(start).Seconds())
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	var ev patterns.OutcomeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}
	ctx = logging.WithUserID(ctx, ev.UserID)
	if ev.ID != "" {
		ctx = logging.WithEventID(ctx, ev.ID)
	}
	return c.recorder.RecordOutcome(ctx, &ev)
}

type disposition string

const (
	actionAck  disposition = "ack"
	actionTerm disposition = "term"
	actionNak  disposition = "nak"
)

func dispositionFor(err error) disposition {
	switch {
	case err == nil:
		return actionAck
	case errors.Is(err, errUndecodable),
		errors.Is(err, patterns.ErrValidation),
		errors.Is(err, patterns.ErrInvariantViolation):
		return actionTerm
	default:
		return actionNak
	}
}

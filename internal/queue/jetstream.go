package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamConfig describes one work-queue stream and its pull consumer.
type JetStreamConfig struct {
	Stream  string
	Subject string
	Durable string
	// Visibility maps onto the consumer's AckWait.
	Visibility time.Duration
	Retention  time.Duration
	MaxDeliver int
	// Wait bounds a single Fetch.
	Wait time.Duration
}

var _ Queue = (*JetStream)(nil)

// JetStream is a Queue on a NATS JetStream work-queue stream.
type JetStream struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	wait    time.Duration
}

func NewJetStream(nc *nats.Conn, cfg JetStreamConfig) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, fmt.Errorf("stream info %s: %w", cfg.Stream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    cfg.Retention,
		}); err != nil {
			return nil, fmt.Errorf("add stream %s: %w", cfg.Stream, err)
		}
	}
	opts := []nats.SubOpt{nats.AckWait(cfg.Visibility)}
	if cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}
	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, opts...)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", cfg.Subject, err)
	}
	return &JetStream{js: js, sub: sub, subject: cfg.Subject, wait: cfg.Wait}, nil
}

func (q *JetStream) Send(ctx context.Context, body []byte) error {
	if _, err := q.js.Publish(q.subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", q.subject, err)
	}
	return nil
}

func (q *JetStream) Receive(ctx context.Context) (*Delivery, error) {
	fctx, cancel := context.WithTimeout(ctx, q.wait)
	defer cancel()
	msgs, err := q.sub.Fetch(1, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", q.subject, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	m := msgs[0]
	d := &Delivery{
		Body:    m.Data,
		Attempt: 1,
		ack:     func(context.Context) error { return m.Ack() },
		nack:    func(context.Context) error { return m.Nak() },
	}
	if meta, err := m.Metadata(); err == nil {
		d.ID = fmt.Sprintf("%s/%d", meta.Stream, meta.Sequence.Stream)
		d.Attempt = int(meta.NumDelivered)
	}
	return d, nil
}

func (q *JetStream) Close() error {
	return q.sub.Unsubscribe()
}

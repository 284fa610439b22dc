// Package worker is the asynchronous half of the bot. It executes queued
// lifecycle commands against the state store and the compute backends and
// reconciles the lifecycle events those backends emit.
//
// Workers hold no state between invocations. Any number of them may run
// concurrently against the same store; they coordinate only through the
// store's conditional writes. A worker that loses a write race abandons its
// attempt, undoes any compute it launched, and retries from a fresh read.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/notify"
	"github.com/devghori1264/aerophoenix/serverbot/internal/provisioner"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

// Backends resolves the provisioner for a backend kind.
// *provisioner.Router implements it.
type Backends interface {
	For(kind models.Backend) (provisioner.Provisioner, error)
}

type Config struct {
	// Timeout bounds one Execute call. It must stay below the queue
	// visibility timeout so a slow worker never overlaps its own redelivery.
	Timeout time.Duration
	// ConflictRetries is the number of attempts made on write conflicts.
	ConflictRetries int
	// RetryInterval is the first backoff interval between attempts.
	RetryInterval time.Duration
	// StaleAfter is how long a non-terminal instance may go without an
	// event before start asks the backend what it is really doing.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         90 * time.Second,
		ConflictRetries: 5,
		RetryInterval:   20 * time.Millisecond,
		StaleAfter:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = d.ConflictRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

type Worker struct {
	store    storage.Store
	backends Backends
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
	cfg      Config
	now      func() time.Time
}

func New(store storage.Store, backends Backends, notifier notify.Notifier, metrics *telemetry.Metrics, log *zap.Logger, cfg Config) *Worker {
	log = log.Named("worker")
	if notifier == nil {
		notifier = notify.NewLog(log)
	}
	return &Worker{
		store:    store,
		backends: backends,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		tracer:   telemetry.Tracer("serverbot/worker"),
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute applies one command. Terminal failures come back as classified
// faults; anything else should be left to queue redelivery.
func (w *Worker) Execute(ctx context.Context, cmd *models.Command) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	ctx, span := w.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.String("guild", cmd.GuildID),
		attribute.String("server", cmd.ServerName),
		attribute.String("action", string(cmd.Action)),
		attribute.String("request_id", cmd.RequestID),
	))
	defer span.End()

	start := time.Now()
	var err error
	switch cmd.Action {
	case models.ActionCreate:
		err = w.retry(ctx, "create", func(ctx context.Context) error { return w.create(ctx, cmd) })
	case models.ActionStart:
		err = w.retry(ctx, "start", func(ctx context.Context) error { return w.start(ctx, cmd) })
	case models.ActionStop:
		err = w.retry(ctx, "stop", func(ctx context.Context) error { return w.stop(ctx, cmd) })
	case models.ActionDelete:
		err = w.retry(ctx, "delete", func(ctx context.Context) error { return w.delete(ctx, cmd) })
	default:
		err = faults.New(faults.KindInvalidRequest, string(cmd.Action), "", "action is not queued")
	}

	outcome := "ok"
	if err != nil {
		outcome = string(faults.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	w.metrics.Command(string(cmd.Action), outcome, time.Since(start).Seconds())
	return err
}

// HandleCommand processes one queued command body. A nil return means the
// delivery may be acknowledged: the command succeeded, failed terminally
// (the requester has been told), or was unreadable. A non-nil return asks
// for redelivery.
func (w *Worker) HandleCommand(ctx context.Context, body []byte) error {
	cmd, err := models.DecodeCommand(body)
	if err != nil {
		w.log.Warn("dropping malformed command", zap.Error(err))
		return nil
	}
	log := w.log.With(
		zap.String("guild", cmd.GuildID),
		zap.String("server", cmd.ServerName),
		zap.String("action", string(cmd.Action)),
		zap.String("request_id", cmd.RequestID),
	)
	err = w.Execute(ctx, cmd)
	switch {
	case err == nil:
		log.Info("command executed")
		return nil
	case faults.IsTerminal(err):
		log.Info("command failed", zap.Error(err))
		w.notify(ctx, notify.Notification{
			GuildID:     cmd.GuildID,
			ServerName:  cmd.ServerName,
			RequestID:   cmd.RequestID,
			RequesterID: cmd.RequesterID,
			Kind:        notify.KindError,
			Message:     faults.UserMessage(err),
		})
		return nil
	default:
		log.Warn("command will be redelivered", zap.Error(err))
		return err
	}
}

// HandleEvent processes one lifecycle event body.
func (w *Worker) HandleEvent(ctx context.Context, body []byte) error {
	ev, err := models.DecodeEvent(body)
	if err != nil {
		w.log.Warn("dropping malformed event", zap.Error(err))
		return nil
	}
	return w.Reconcile(ctx, ev)
}

// retry runs fn until it succeeds, fails with something other than a write
// conflict, or runs out of attempts. Exhaustion is reported as transient.
func (w *Worker) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInterval
	b.MaxInterval = 20 * w.cfg.RetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if isConflict(err) {
			w.metrics.Conflict(op)
			w.log.Debug("write conflict", zap.String("op", op), zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(w.cfg.ConflictRetries)))

	if isConflict(err) {
		return &faults.Error{Kind: faults.KindTransient, Op: op, Msg: "conflict retries exhausted", Err: err}
	}
	if err != nil && faults.KindOf(err) == faults.KindTransient {
		var fe *faults.Error
		if !errors.As(err, &fe) {
			err = faults.Wrap(faults.KindTransient, op, err)
		}
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict) || errors.Is(err, faults.Conflict)
}

func conflict(op, key string, err error) error {
	return &faults.Error{Kind: faults.KindConflict, Op: op, Key: key, Err: err}
}

// notify delivers a best-effort notification.
func (w *Worker) notify(ctx context.Context, n notify.Notification) {
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.metrics.NotifyFailure()
		w.log.Warn("notification failed",
			zap.String("guild", n.GuildID),
			zap.String("server", n.ServerName),
			zap.String("request_id", n.RequestID),
			zap.Error(err))
	}
}

func transient(op string, err error) error {
	return faults.Wrap(faults.KindTransient, op, err)
}

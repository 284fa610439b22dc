package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
)

// ServiceName is the gRPC health service name reported by the daemon.
const ServiceName = "serverbot.worker"

// Handler processes one message body. A nil return acknowledges it.
type Handler func(ctx context.Context, body []byte) error

// Options wires the consumer loops.
type Options struct {
	Commands      queue.Receiver
	Events        queue.Receiver
	HandleCommand Handler
	HandleEvent   Handler
	// Concurrency is the number of loops per queue.
	Concurrency int
	// ErrorDelay is the pause after a failed receive.
	ErrorDelay time.Duration
}

// Server runs the worker against the command and event queues in a
// long-lived process, standing in for the Lambda runtime.
type Server struct {
	opts   Options
	health *health.Server
	log    *zap.Logger
}

// New creates a new server instance.
func New(opts Options, log *zap.Logger) *Server {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = time.Second
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{opts: opts, health: hs, log: log.Named("server")}
}

// RegisterGRPC registers the gRPC handlers.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Health exposes the health service, mostly for tests.
func (s *Server) Health() healthpb.HealthServer { return s.health }

// Run consumes both queues until ctx is cancelled or a loop fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Concurrency; i++ {
		if s.opts.Commands != nil {
			g.Go(func() error { return s.consume(ctx, "commands", s.opts.Commands, s.opts.HandleCommand) })
		}
		if s.opts.Events != nil {
			g.Go(func() error { return s.consume(ctx, "events", s.opts.Events, s.opts.HandleEvent) })
		}
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.log.Info("consumers started", zap.Int("concurrency", s.opts.Concurrency))

	err := g.Wait()
	s.health.Shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) consume(ctx context.Context, name string, r queue.Receiver, h Handler) error {
	log := s.log.With(zap.String("queue", name))
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := r.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.opts.ErrorDelay):
			}
			continue
		}
		if d == nil {
			continue
		}
		s.dispatch(ctx, log, d, h)
	}
}

func (s *Server) dispatch(ctx context.Context, log *zap.Logger, d *queue.Delivery, h Handler) {
	settle := context.WithoutCancel(ctx)
	err := h(ctx, d.Body)
	switch {
	case err == nil:
		if err := d.Ack(settle); err != nil {
			log.Warn("ack failed", zap.String("message", d.ID), zap.Error(err))
		}
	case ctx.Err() != nil:
		// Shutting down: hand the message back right away.
		if err := d.Nack(settle); err != nil {
			log.Warn("nack failed", zap.String("message", d.ID), zap.Error(err))
		}
	default:
		// Left invisible; the queue redelivers it after the visibility timeout.
		log.Info("message will be redelivered",
			zap.String("message", d.ID),
			zap.Int("attempt", d.Attempt),
			zap.Error(err))
	}
}

// EventWorker is implemented by *worker.Worker.
type EventWorker interface {
	HandleEvent(ctx context.Context, body []byte) error
	Reconcile(ctx context.Context, ev *models.Event) error
}

// EventDecoder is implemented by *provisioner.Router.
type EventDecoder interface {
	DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error)
}

// EventHandler accepts both lifecycle events published by in-process
// backends and raw EventBridge notifications forwarded to a queue.
func EventHandler(w EventWorker, dec EventDecoder) Handler {
	return func(ctx context.Context, body []byte) error {
		var probe struct {
			DetailType string `json:"detail-type"`
		}
		if err := json.Unmarshal(body, &probe); err != nil || probe.DetailType == "" {
			return w.HandleEvent(ctx, body)
		}
		var cw events.CloudWatchEvent
		if err := json.Unmarshal(body, &cw); err != nil {
			return w.HandleEvent(ctx, body)
		}
		ev, err := dec.DecodeEvent(ctx, cw)
		if err != nil || ev == nil {
			return err
		}
		return w.Reconcile(ctx, ev)
	}
}

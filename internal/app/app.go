// Package app assembles the store, queues, compute backends and notifiers
// described by a config.Config. The daemon and both Lambda entry points
// build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/config"
	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/serverbot/internal/nats"
	"github.com/devghori1264/aerophoenix/serverbot/internal/notify"
	"github.com/devghori1264/aerophoenix/serverbot/internal/provisioner"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
	"github.com/devghori1264/aerophoenix/serverbot/internal/worker"
)

// App holds the wired components. Events is nil when the deployment has
// no event queue (the backend Lambda receives EventBridge directly).
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Metrics  *telemetry.Metrics
	Store    storage.Store
	Commands queue.Queue
	Events   queue.Queue
	Router   *provisioner.Router
	Notifier notify.Notifier

	closers []func() error
}

// Build wires everything cfg asks for. On error, whatever was already
// opened is closed again.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, metrics *telemetry.Metrics) (_ *App, err error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics, Router: provisioner.NewRouter()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var nc *nats.Conn
	if cfg.Queue.Backend == "jetstream" {
		if nc, err = natsclient.Connect(cfg.NATS.URL, "serverbot", log); err != nil {
			return nil, err
		}
		pub := natsclient.NewPublisher(nc)
		a.onClose(func() error { pub.Close(); return nil })
	}

	var awsCfg aws.Config
	if cfg.Mode == config.ModeAWS {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.AWS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
		}
		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...); err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	if err = a.buildStore(cfg, awsCfg); err != nil {
		return nil, err
	}
	if err = a.buildQueues(cfg, awsCfg, nc); err != nil {
		return nil, err
	}
	if err = a.buildBackends(cfg, awsCfg); err != nil {
		return nil, err
	}
	a.buildNotifier(cfg, nc)
	return a, nil
}

func (a *App) buildStore(cfg *config.Config, awsCfg aws.Config) error {
	switch cfg.Store.Backend {
	case "dynamodb":
		a.Store = storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), storage.DynamoTables{
			Spec:     cfg.Store.Tables.Spec,
			Guild:    cfg.Store.Tables.Guild,
			Server:   cfg.Store.Tables.Server,
			Instance: cfg.Store.Tables.Instance,
		})
	default:
		var (
			bs  *storage.BadgerStore
			err error
		)
		if cfg.Store.Path == "" {
			bs, err = storage.NewMemoryBadgerStore()
		} else {
			bs, err = storage.NewBadgerStore(cfg.Store.Path)
		}
		if err != nil {
			return fmt.Errorf("open badger store: %w", err)
		}
		a.Store = bs
	}
	a.onClose(a.Store.Close)
	return nil
}

func (a *App) buildQueues(cfg *config.Config, awsCfg aws.Config, nc *nats.Conn) error {
	q := cfg.Queue
	switch q.Backend {
	case "sqs":
		client := sqs.NewFromConfig(awsCfg)
		a.Commands = queue.NewSQS(client, q.CommandURL, q.Visibility, q.Wait)
		if q.EventURL != "" {
			a.Events = queue.NewSQS(client, q.EventURL, q.Visibility, q.Wait)
		}
	case "jetstream":
		open := func(suffix, subject string) (*queue.JetStream, error) {
			return queue.NewJetStream(nc, queue.JetStreamConfig{
				Stream:     cfg.NATS.Stream + "_" + suffix,
				Subject:    subject,
				Durable:    "serverbot-worker",
				Visibility: q.Visibility,
				MaxDeliver: q.MaxDeliver,
				Wait:       q.Wait,
			})
		}
		cmds, err := open("COMMANDS", cfg.NATS.CommandSubject)
		if err != nil {
			return err
		}
		a.Commands = cmds
		evs, err := open("EVENTS", cfg.NATS.EventSubject)
		if err != nil {
			return err
		}
		a.Events = evs
	default:
		a.Commands = queue.NewMemory(q.Visibility, q.Wait)
		a.Events = queue.NewMemory(q.Visibility, q.Wait)
	}
	a.onClose(a.Commands.Close)
	if a.Events != nil {
		a.onClose(a.Events.Close)
	}
	return nil
}

func (a *App) buildBackends(cfg *config.Config, awsCfg aws.Config) error {
	if cfg.Mode != config.ModeAWS {
		if a.Events == nil {
			return errors.New("simulated backends need an event queue")
		}
		// One simulator serves both kinds; its events go to the event queue.
		sim := provisioner.NewSim(provisioner.SimConfig{
			BootDelay: cfg.Sim.BootDelay,
			StopDelay: cfg.Sim.StopDelay,
			Capacity:  cfg.Sim.Capacity,
		}, provisioner.QueueSink{Queue: a.Events}, a.Log)
		a.onClose(func() error { sim.Close(); return nil })
		a.Router.Register(models.BackendContainer, sim)
		a.Router.Register(models.BackendVM, sim)
		return nil
	}

	ec2Client := ec2.NewFromConfig(awsCfg)
	a.Router.Register(models.BackendContainer, provisioner.NewECS(ecs.NewFromConfig(awsCfg), ec2Client, provisioner.ECSConfig{
		Cluster:        cfg.AWS.Cluster,
		Subnets:        cfg.AWS.Subnets,
		SecurityGroups: cfg.AWS.SecurityGroups,
		SaveBucket:     cfg.AWS.SavegameBucket,
	}))
	var subnet string
	if len(cfg.AWS.Subnets) > 0 {
		subnet = cfg.AWS.Subnets[0]
	}
	a.Router.Register(models.BackendVM, provisioner.NewEC2(ec2Client, provisioner.EC2Config{
		SubnetID:       subnet,
		SecurityGroups: cfg.AWS.SecurityGroups,
		SaveBucket:     cfg.AWS.SavegameBucket,
	}))
	return nil
}

func (a *App) buildNotifier(cfg *config.Config, nc *nats.Conn) {
	n := notify.Multi{notify.NewLog(a.Log)}
	if nc != nil {
		n = append(n, notify.NewNATS(natsclient.NewPublisher(nc), cfg.NATS.NotifyPrefix))
	}
	if cfg.Notify.WebhookURL != "" {
		n = append(n, notify.NewWebhook(cfg.Notify.WebhookURL, nil))
	}
	a.Notifier = n
}

// Frontend returns the interaction handler.
func (a *App) Frontend() *frontend.Handler {
	return frontend.New(a.Store, a.Commands, a.Metrics, a.Log)
}

// Worker returns the command and event worker.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.Store, a.Router, a.Notifier, a.Metrics, a.Log, worker.Config{
		Timeout:         a.Config.Worker.Timeout,
		ConflictRetries: a.Config.Worker.ConflictRetries,
		StaleAfter:      a.Config.Worker.StaleAfter,
	})
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package provisioner abstracts the compute backends that run game servers.
// Every backend launches and stops resources asynchronously and reports
// progress as models.Event values with the same shape, whichever backend
// produced them.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-lambda-go/events"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
)

// ErrNotFound is returned by Describe for resources the backend no longer knows.
var ErrNotFound = errors.New("resource not found")

// LaunchRequest carries what a backend needs to start one server.
type LaunchRequest struct {
	Spec       *models.Spec
	GuildID    string
	ServerName string
	RequestID  string
}

// Env returns the environment handed to the game server process.
func (r LaunchRequest) Env() map[string]string {
	env := make(map[string]string, len(r.Spec.Env)+3)
	for k, v := range r.Spec.Env {
		env[k] = v
	}
	env["SERVERBOT_GUILD"] = r.GuildID
	env["SERVERBOT_SERVER"] = r.ServerName
	if p := r.Spec.ResolveSavePath(r.GuildID, r.ServerName); p != "" {
		env["SERVERBOT_SAVE_PATH"] = p
	}
	return env
}

func withBucket(env map[string]string, bucket string) map[string]string {
	if bucket != "" {
		env["SERVERBOT_SAVE_BUCKET"] = bucket
	}
	return env
}

// Provisioner is one compute backend.
//
// Launch returns the backend-assigned id; the resource must not be assumed
// to exist until a provisioning or running event arrives. A rejected launch
// is reported as a faults.Capacity error. Stop is idempotent and does not
// wait for the resource to go away.
type Provisioner interface {
	Launch(ctx context.Context, req LaunchRequest) (string, error)
	Stop(ctx context.Context, id string) error
	Describe(ctx context.Context, id string) (*models.Event, error)
}

// EventDecoder turns a backend's EventBridge notification into an Event.
// It returns (nil, nil) for notifications that carry nothing to reconcile.
type EventDecoder interface {
	EventSource() string
	DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error)
}

// EventSink receives events from in-process backends.
type EventSink interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// QueueSink forwards events onto a queue.
type QueueSink struct {
	Queue queue.Sender
}

func (s QueueSink) Publish(ctx context.Context, ev *models.Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	return s.Queue.Send(ctx, body)
}

// Router picks the backend for a spec or an instance.
type Router struct {
	mu       sync.RWMutex
	backends map[models.Backend]Provisioner
}

func NewRouter() *Router {
	return &Router{backends: make(map[models.Backend]Provisioner)}
}

// Register binds a backend kind to a provisioner.
func (r *Router) Register(kind models.Backend, p Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = p
}

func (r *Router) For(kind models.Backend) (Provisioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no provisioner for backend %q", kind)
	}
	return p, nil
}

// DecodeEvent hands an EventBridge notification to the backend that owns
// its source. Notifications from unknown sources yield (nil, nil).
func (r *Router) DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.backends {
		if d, ok := p.(EventDecoder); ok && d.EventSource() == ev.Source {
			return d.DecodeEvent(ctx, ev)
		}
	}
	return nil, nil
}

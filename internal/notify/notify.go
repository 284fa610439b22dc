// Package notify tells chat users what happened to their servers once the
// asynchronous work behind a deferred acknowledgement has finished.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// Kind is the outcome being reported.
type Kind string

const (
	KindRunning Kind = "running"
	KindStopped Kind = "stopped"
	KindFailed  Kind = "failed"
	// KindError reports a terminal command failure.
	KindError Kind = "error"
)

// Notification is a follow-up message for the user who issued a command.
type Notification struct {
	GuildID     string        `json:"guildId"`
	ServerName  string        `json:"serverName"`
	RequestID   string        `json:"requestId,omitempty"`
	RequesterID string        `json:"requesterId,omitempty"`
	Kind        Kind          `json:"kind"`
	Endpoint    string        `json:"endpoint,omitempty"`
	Ports       []models.Port `json:"ports,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// Text renders the notification as a chat message.
func (n Notification) Text() string {
	switch n.Kind {
	case KindRunning:
		s := fmt.Sprintf("%s is running at %s", n.ServerName, n.Endpoint)
		for _, p := range n.Ports {
			s += fmt.Sprintf(" %d/%s", p.Number, p.Protocol)
		}
		return s
	case KindStopped:
		return n.ServerName + " has stopped"
	case KindFailed:
		if n.Message != "" {
			return fmt.Sprintf("%s failed: %s", n.ServerName, n.Message)
		}
		return n.ServerName + " failed"
	default:
		return fmt.Sprintf("%s: %s", n.ServerName, n.Message)
	}
}

func (n Notification) encode() ([]byte, error) {
	return json.Marshal(n)
}

// Notifier delivers notifications. Delivery is best effort; callers log
// and count failures but never undo state because of them.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to the log. It never fails.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	l.log.Info(n.Text(),
		zap.String("guild", n.GuildID),
		zap.String("server", n.ServerName),
		zap.String("request_id", n.RequestID),
		zap.String("kind", string(n.Kind)),
	)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

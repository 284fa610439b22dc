package notify

import (
	"context"
	"fmt"
)

// Publisher is satisfied by natsclient.Publisher.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// NATS publishes notifications as JSON on "<prefix>.<guild>.<server>".
type NATS struct {
	pub    Publisher
	prefix string
}

func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "serverbot.notify"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Subject returns the subject notifications for one server go to.
func (n *NATS) Subject(guildID, serverName string) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, guildID, serverName)
}

func (n *NATS) Notify(ctx context.Context, note Notification) error {
	payload, err := note.encode()
	if err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, n.Subject(note.GuildID, note.ServerName), payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

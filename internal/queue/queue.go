// Package queue provides at-least-once, visibility-timeout queues used to
// carry commands from the frontend to the worker and lifecycle events from
// the provisioners to the worker.
//
// A received message stays invisible to other consumers until it is acked
// or its visibility timeout elapses, after which it is delivered again.
// Consumers must therefore be idempotent.
package queue

import (
	"context"
	"io"
)

// Sender enqueues messages.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Receiver hands out one message at a time. Receive returns (nil, nil)
// when no message arrived within the backend's poll window.
type Receiver interface {
	Receive(ctx context.Context) (*Delivery, error)
}

// Queue is a complete queue backend.
type Queue interface {
	Sender
	Receiver
	io.Closer
}

// Delivery is one received message.
type Delivery struct {
	ID   string
	Body []byte
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// Ack removes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Nack makes the message visible again right away.
func (d *Delivery) Nack(ctx context.Context) error { return d.nack(ctx) }

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is a user lifecycle intent.
type Action string

const (
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionDelete Action = "delete"
	// ActionStatus is answered by the frontend and never queued.
	ActionStatus Action = "status"
)

// Queued reports whether the action travels through the command queue.
func (a Action) Queued() bool {
	switch a {
	case ActionCreate, ActionStart, ActionStop, ActionDelete:
		return true
	}
	return false
}

// Command is the queued message produced by the frontend.
type Command struct {
	GuildID     string `json:"guildId"`
	ServerName  string `json:"serverName"`
	Action      Action `json:"action"`
	RequestID   string `json:"requestId"`
	SpecName    string `json:"specName,omitempty"`
	RequesterID string `json:"requesterId,omitempty"`
}

// Encode serializes the command for the queue.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeCommand parses and sanity-checks a queued command.
func DecodeCommand(body []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if c.GuildID == "" || c.ServerName == "" || !c.Action.Queued() {
		return nil, fmt.Errorf("decode command: incomplete message %q", body)
	}
	return &c, nil
}

// Event is a lifecycle notification emitted by a compute backend.
type Event struct {
	InstanceID string    `json:"instanceId"`
	Phase      Phase     `json:"phase"`
	Endpoint   string    `json:"endpoint,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Encode serializes the event for the event bus.
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and sanity-checks a lifecycle event.
func DecodeEvent(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.InstanceID == "" || !e.Phase.Valid() {
		return nil, fmt.Errorf("decode event: incomplete message %q", body)
	}
	return &e, nil
}

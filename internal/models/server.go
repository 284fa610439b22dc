package models

import "time"

// DesiredState is what the guild wants a server to be doing.
type DesiredState string

const (
	DesiredStopped DesiredState = "stopped"
	DesiredRunning DesiredState = "running"
)

// Phase is the lifecycle phase of a compute instance.
type Phase string

const (
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseFailed       Phase = "failed"
)

// Rank orders phases so that lifecycle events can be applied monotonically.
// Stopped and failed share the terminal rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseProvisioning:
		return 0
	case PhaseRunning:
		return 1
	case PhaseStopping:
		return 2
	case PhaseStopped, PhaseFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether an instance in this phase is gone for good.
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Rank() >= 0 }

// Server is a logical, guild-owned game server. It records user intent;
// the Instance it points at records what the compute backend is doing.
type Server struct {
	GuildID string       `json:"guildId"`
	Name    string       `json:"name"`
	Spec    string       `json:"spec"`
	Desired DesiredState `json:"desired"`

	// InstanceID is empty when no compute is attached.
	InstanceID string `json:"instanceId,omitempty"`

	// Generation is bumped on every successful write and fences
	// concurrent writers.
	Generation int64     `json:"generation"`
	CreatedBy  string    `json:"createdBy,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Key returns the composite (guild, name) key.
func (s *Server) Key() string { return ServerKey(s.GuildID, s.Name) }

// ServerKey encodes a composite server key.
func ServerKey(guildID, name string) string { return guildID + "/" + name }

// Instance is the live compute resource backing a Server.
type Instance struct {
	ID         string    `json:"id"`
	GuildID    string    `json:"guildId"`
	ServerName string    `json:"serverName"`
	Backend    Backend   `json:"backend"`
	Phase      Phase     `json:"phase"`
	Endpoint   string    `json:"endpoint,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	LaunchedAt time.Time `json:"launchedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ServerKey returns the key of the owning server.
func (i *Instance) ServerKey() string { return ServerKey(i.GuildID, i.ServerName) }

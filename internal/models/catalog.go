package models

import "strings"

// Backend selects the compute flavour a Spec launches on.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendVM        Backend = "vm"
)

// Port is a network port exposed by a game server.
type Port struct {
	Number   int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Protocol string `json:"protocol" yaml:"protocol" validate:"oneof=tcp udp"`
}

// Spec is the immutable template for a server kind. It is written by the
// admin path and only read by the dispatch core.
type Spec struct {
	Name    string  `json:"name" yaml:"name" validate:"required"`
	Backend Backend `json:"backend" yaml:"backend" validate:"oneof=container vm"`

	CPU       int `json:"cpu" yaml:"cpu"`
	MemoryMiB int `json:"memoryMiB" yaml:"memoryMiB"`

	Ports []Port `json:"ports" yaml:"ports" validate:"dive"`

	// Boot parameters. TaskFamily is used by the container backend,
	// LaunchTemplate and InstanceType by the vm backend.
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	TaskFamily     string            `json:"taskFamily,omitempty" yaml:"taskFamily,omitempty" validate:"required_if=Backend container"`
	LaunchTemplate string            `json:"launchTemplate,omitempty" yaml:"launchTemplate,omitempty" validate:"required_if=Backend vm"`
	InstanceType   string            `json:"instanceType,omitempty" yaml:"instanceType,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// SavePath is a blob path pattern; {guild} and {server} are substituted.
	SavePath string `json:"savePath,omitempty" yaml:"savePath,omitempty"`
}

// ResolveSavePath expands the save-blob pattern for one server.
func (s *Spec) ResolveSavePath(guildID, serverName string) string {
	if s.SavePath == "" {
		return ""
	}
	r := strings.NewReplacer("{guild}", guildID, "{server}", serverName)
	return r.Replace(s.SavePath)
}

// Guild is a tenant: who may drive its servers and how many it may own.
type Guild struct {
	ID         string   `json:"id" yaml:"id" validate:"required"`
	Authorized []string `json:"authorized" yaml:"authorized"`
	// Quota caps the number of servers the guild owns. Zero means unlimited.
	Quota int `json:"quota" yaml:"quota" validate:"min=0"`
}

// Allows reports whether requester may issue lifecycle commands.
func (g *Guild) Allows(requester string) bool {
	for _, id := range g.Authorized {
		if id == requester {
			return true
		}
	}
	return false
}

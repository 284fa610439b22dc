package storage

import (
	"context"
	"errors"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by conditional inserts when the key is taken.
	ErrExists = errors.New("already exists")
	// ErrConflict is returned when a conditional write finds the record
	// changed since it was read.
	ErrConflict = errors.New("conditional write conflict")
)

// Store is the four-table state store. Every write is single-key; writes
// that take an expected generation or phase are compare-and-swap.
type Store interface {
	GetSpec(ctx context.Context, name string) (*models.Spec, error)
	PutSpec(ctx context.Context, spec *models.Spec) error

	GetGuild(ctx context.Context, id string) (*models.Guild, error)
	PutGuild(ctx context.Context, guild *models.Guild) error

	GetServer(ctx context.Context, guildID, name string) (*models.Server, error)
	ListServers(ctx context.Context, guildID string) ([]*models.Server, error)
	// CreateServer inserts srv with generation 1, or fails with ErrExists.
	CreateServer(ctx context.Context, srv *models.Server) error
	// UpdateServer writes srv if the stored generation equals expected and
	// sets srv.Generation to expected+1. ErrConflict otherwise.
	UpdateServer(ctx context.Context, srv *models.Server, expected int64) error
	// DeleteServer removes the row if the stored generation equals expected.
	DeleteServer(ctx context.Context, guildID, name string, expected int64) error

	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	// CreateInstance inserts inst, or fails with ErrExists.
	CreateInstance(ctx context.Context, inst *models.Instance) error
	// UpdateInstance writes inst if the stored phase equals expected.
	UpdateInstance(ctx context.Context, inst *models.Instance, expected models.Phase) error
	// DeleteInstance removes the row. Deleting a missing row is not an error.
	DeleteInstance(ctx context.Context, id string) error

	Close() error
}

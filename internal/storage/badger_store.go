package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

var _ Store = (*BadgerStore)(nil)

// BadgerStore implements Store on Badger. Conditional writes run inside a
// single read-write transaction, so Badger's conflict detection and the
// generation check together give compare-and-swap.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil                         // disable badger logs, we log at the call sites
	opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	return openBadger(opts)
}

// NewMemoryBadgerStore opens a store that lives only in memory.
func NewMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func specKey(name string) []byte          { return []byte("spec:" + name) }
func guildKey(id string) []byte           { return []byte("guild:" + id) }
func serverKey(guild, name string) []byte { return []byte("server:" + models.ServerKey(guild, name)) }
func serverPrefix(guild string) []byte    { return []byte("server:" + guild + "/") }
func instanceKey(id string) []byte        { return []byte("instance:" + id) }

func (s *BadgerStore) GetSpec(ctx context.Context, name string) (*models.Spec, error) {
	var out models.Spec
	if err := s.view(specKey(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PutSpec(ctx context.Context, spec *models.Spec) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, specKey(spec.Name), spec)
	})
}

func (s *BadgerStore) GetGuild(ctx context.Context, id string) (*models.Guild, error) {
	var out models.Guild
	if err := s.view(guildKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PutGuild(ctx context.Context, guild *models.Guild) error {
	return s.update(func(txn *badger.Txn) error {
		return setJSON(txn, guildKey(guild.ID), guild)
	})
}

func (s *BadgerStore) GetServer(ctx context.Context, guildID, name string) (*models.Server, error) {
	var out models.Server
	if err := s.view(serverKey(guildID, name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListServers(ctx context.Context, guildID string) ([]*models.Server, error) {
	var out []*models.Server
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := serverPrefix(guildID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var srv models.Server
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &srv)
			}); err != nil {
				return err
			}
			out = append(out, &srv)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) CreateServer(ctx context.Context, srv *models.Server) error {
	next := *srv
	next.Generation = 1
	err := s.update(func(txn *badger.Txn) error {
		key := serverKey(srv.GuildID, srv.Name)
		if _, err := txn.Get(key); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, &next)
	})
	if err != nil {
		return err
	}
	*srv = next
	return nil
}

func (s *BadgerStore) UpdateServer(ctx context.Context, srv *models.Server, expected int64) error {
	next := *srv
	next.Generation = expected + 1
	err := s.update(func(txn *badger.Txn) error {
		key := serverKey(srv.GuildID, srv.Name)
		var cur models.Server
		if err := getJSON(txn, key, &cur); err != nil {
			return err
		}
		if cur.Generation != expected {
			return ErrConflict
		}
		return setJSON(txn, key, &next)
	})
	if err != nil {
		return err
	}
	*srv = next
	return nil
}

func (s *BadgerStore) DeleteServer(ctx context.Context, guildID, name string, expected int64) error {
	return s.update(func(txn *badger.Txn) error {
		key := serverKey(guildID, name)
		var cur models.Server
		if err := getJSON(txn, key, &cur); err != nil {
			return err
		}
		if cur.Generation != expected {
			return ErrConflict
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	if err := s.view(instanceKey(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	return s.update(func(txn *badger.Txn) error {
		key := instanceKey(inst.ID)
		if _, err := txn.Get(key); err == nil {
			return ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, inst)
	})
}

func (s *BadgerStore) UpdateInstance(ctx context.Context, inst *models.Instance, expected models.Phase) error {
	return s.update(func(txn *badger.Txn) error {
		key := instanceKey(inst.ID)
		var cur models.Instance
		if err := getJSON(txn, key, &cur); err != nil {
			return err
		}
		if cur.Phase != expected {
			return ErrConflict
		}
		return setJSON(txn, key, inst)
	})
}

func (s *BadgerStore) DeleteInstance(ctx context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete(instanceKey(id))
	})
}

func (s *BadgerStore) view(key []byte, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key, out)
	})
}

// update runs fn in a read-write transaction and maps Badger's
// transaction conflict onto ErrConflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

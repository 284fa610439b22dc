package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/provisioner"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
)

func (w *Worker) create(ctx context.Context, cmd *models.Command) error {
	key := models.ServerKey(cmd.GuildID, cmd.ServerName)
	if _, err := w.store.GetServer(ctx, cmd.GuildID, cmd.ServerName); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return transient("load server", err)
	}

	if _, err := w.store.GetSpec(ctx, cmd.SpecName); errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnknownSpec, "create", cmd.SpecName, "spec not in catalog")
	} else if err != nil {
		return transient("load spec", err)
	}

	guild, err := w.store.GetGuild(ctx, cmd.GuildID)
	if errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnauthorized, "create", cmd.GuildID, "guild is not registered")
	} else if err != nil {
		return transient("load guild", err)
	}
	if guild.Quota > 0 {
		servers, err := w.store.ListServers(ctx, cmd.GuildID)
		if err != nil {
			return transient("list servers", err)
		}
		if len(servers) >= guild.Quota {
			return faults.New(faults.KindQuotaExceeded, "create", cmd.GuildID, "")
		}
	}

	srv := &models.Server{
		GuildID:   cmd.GuildID,
		Name:      cmd.ServerName,
		Spec:      cmd.SpecName,
		Desired:   models.DesiredStopped,
		CreatedBy: cmd.RequesterID,
		UpdatedAt: w.now(),
	}
	switch err := w.store.CreateServer(ctx, srv); {
	case err == nil, errors.Is(err, storage.ErrExists):
		return nil
	default:
		return &faults.Error{Kind: faults.KindTransient, Op: "create", Key: key, Err: err}
	}
}

func (w *Worker) start(ctx context.Context, cmd *models.Command) error {
	key := models.ServerKey(cmd.GuildID, cmd.ServerName)
	srv, err := w.store.GetServer(ctx, cmd.GuildID, cmd.ServerName)
	if errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnknownServer, "start", key, "")
	} else if err != nil {
		return transient("load server", err)
	}

	if srv.InstanceID != "" {
		inst, err := w.store.GetInstance(ctx, srv.InstanceID)
		switch {
		case err == nil && !inst.Phase.Terminal():
			if w.now().Sub(inst.UpdatedAt) < w.cfg.StaleAfter {
				return nil
			}
			gone, err := w.refresh(ctx, inst)
			if err != nil {
				return err
			}
			if !gone {
				return nil
			}
			// The reference was cleared; start over against the new state.
			return conflict("start", key, errors.New("stale instance reconciled"))
		case err == nil, errors.Is(err, storage.ErrNotFound):
			// Dangling reference to a finished instance; replaced below.
		default:
			return transient("load instance", err)
		}
	}

	spec, err := w.store.GetSpec(ctx, srv.Spec)
	if errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnknownSpec, "start", srv.Spec, "spec not in catalog")
	} else if err != nil {
		return transient("load spec", err)
	}
	p, err := w.backends.For(spec.Backend)
	if err != nil {
		return &faults.Error{Kind: faults.KindUnknownSpec, Op: "start", Key: spec.Name, Err: err}
	}

	id, err := p.Launch(ctx, provisioner.LaunchRequest{
		Spec:       spec,
		GuildID:    srv.GuildID,
		ServerName: srv.Name,
		RequestID:  cmd.RequestID,
	})
	if err != nil {
		if faults.IsTerminal(err) {
			w.metrics.Launch(string(spec.Backend), "rejected")
			return err
		}
		w.metrics.Launch(string(spec.Backend), "error")
		return transient("launch", err)
	}
	w.metrics.Launch(string(spec.Backend), "ok")

	now := w.now()
	inst := &models.Instance{
		ID:         id,
		GuildID:    srv.GuildID,
		ServerName: srv.Name,
		Backend:    spec.Backend,
		Phase:      models.PhaseProvisioning,
		RequestID:  cmd.RequestID,
		LaunchedAt: now,
		UpdatedAt:  now,
	}
	if err := w.store.CreateInstance(ctx, inst); err != nil && !errors.Is(err, storage.ErrExists) {
		w.compensate(ctx, p, inst, err)
		return transient("record instance", err)
	}

	previous := srv.InstanceID
	gen := srv.Generation
	srv.Desired = models.DesiredRunning
	srv.InstanceID = id
	srv.UpdatedAt = now
	if err := w.store.UpdateServer(ctx, srv, gen); err != nil {
		w.compensate(ctx, p, inst, err)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return conflict("start", key, err)
		}
		return transient("update server", err)
	}
	if previous != "" {
		if err := w.store.DeleteInstance(ctx, previous); err != nil {
			w.log.Warn("delete replaced instance", zap.String("instance", previous), zap.Error(err))
		}
	}
	w.log.Info("instance launched",
		zap.String("guild", srv.GuildID),
		zap.String("server", srv.Name),
		zap.String("instance", id),
		zap.String("request_id", cmd.RequestID))
	return nil
}

// compensate stops a launched resource whose bookkeeping lost a race and
// drops its Instance row. If the stop cannot be issued the row is kept so
// the resource's own terminal event still finds it.
func (w *Worker) compensate(ctx context.Context, p provisioner.Provisioner, inst *models.Instance, cause error) {
	w.metrics.Compensation()
	log := w.log.With(
		zap.String("guild", inst.GuildID),
		zap.String("server", inst.ServerName),
		zap.String("instance", inst.ID),
		zap.String("kind", string(faults.KindOrphanCompensation)),
	)
	if err := p.Stop(ctx, inst.ID); err != nil {
		log.Error("orphan stop failed", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	if err := w.store.DeleteInstance(ctx, inst.ID); err != nil {
		log.Warn("orphan row not removed", zap.Error(err))
	}
	log.Warn("launched instance abandoned", zap.NamedError("cause", cause))
}

// refresh asks the backend about an instance that has gone quiet. If the
// backend reports it finished or no longer knows it, the observation is
// reconciled and refresh reports gone.
func (w *Worker) refresh(ctx context.Context, inst *models.Instance) (gone bool, err error) {
	p, err := w.backends.For(inst.Backend)
	if err != nil {
		return false, transient("refresh", err)
	}
	ev, err := p.Describe(ctx, inst.ID)
	if errors.Is(err, provisioner.ErrNotFound) {
		ev = &models.Event{InstanceID: inst.ID, Phase: models.PhaseStopped, Reason: "instance no longer exists", Timestamp: w.now()}
	} else if err != nil {
		return false, transient("describe", err)
	}
	w.log.Info("refreshed quiet instance",
		zap.String("instance", inst.ID),
		zap.String("stored", string(inst.Phase)),
		zap.String("observed", string(ev.Phase)))
	if err := w.reconcile(ctx, ev); err != nil {
		return false, err
	}
	return ev.Phase.Terminal(), nil
}

func (w *Worker) stop(ctx context.Context, cmd *models.Command) error {
	key := models.ServerKey(cmd.GuildID, cmd.ServerName)
	srv, err := w.store.GetServer(ctx, cmd.GuildID, cmd.ServerName)
	if errors.Is(err, storage.ErrNotFound) {
		return faults.New(faults.KindUnknownServer, "stop", key, "")
	} else if err != nil {
		return transient("load server", err)
	}
	gen, ref := srv.Generation, srv.InstanceID

	if ref != "" {
		inst, err := w.store.GetInstance(ctx, ref)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			srv.InstanceID = ""
		case err != nil:
			return transient("load instance", err)
		case inst.Phase.Terminal():
			// Finished but not yet reconciled; the terminal event removes the row.
			srv.InstanceID = ""
		default:
			p, err := w.backends.For(inst.Backend)
			if err != nil {
				return transient("stop", err)
			}
			if err := p.Stop(ctx, inst.ID); err != nil {
				return transient("stop instance", err)
			}
			if inst.Phase != models.PhaseStopping {
				prev := inst.Phase
				inst.Phase = models.PhaseStopping
				inst.UpdatedAt = w.now()
				if err := w.store.UpdateInstance(ctx, inst, prev); errors.Is(err, storage.ErrConflict) {
					return conflict("stop", inst.ID, err)
				} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
					return transient("mark stopping", err)
				}
			}
		}
	}

	if srv.Desired == models.DesiredStopped && srv.InstanceID == ref {
		return nil
	}
	srv.Desired = models.DesiredStopped
	srv.UpdatedAt = w.now()
	if err := w.store.UpdateServer(ctx, srv, gen); errors.Is(err, storage.ErrConflict) {
		return conflict("stop", key, err)
	} else if err != nil {
		return transient("update server", err)
	}
	return nil
}

func (w *Worker) delete(ctx context.Context, cmd *models.Command) error {
	key := models.ServerKey(cmd.GuildID, cmd.ServerName)
	srv, err := w.store.GetServer(ctx, cmd.GuildID, cmd.ServerName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return transient("load server", err)
	}
	if srv.Desired != models.DesiredStopped || srv.InstanceID != "" {
		return faults.New(faults.KindServerBusy, "delete", key, "server is not stopped")
	}
	switch err := w.store.DeleteServer(ctx, srv.GuildID, srv.Name, srv.Generation); {
	case err == nil, errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrConflict):
		return conflict("delete", key, err)
	default:
		return transient("delete server", err)
	}
}

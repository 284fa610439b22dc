package worker

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/notify"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
)

// Reconcile applies one lifecycle event. Events are interpreted
// monotonically by phase rank, so duplicates and late arrivals are
// harmless. Events for unknown instances are ignored; every other failure
// is returned for redelivery.
func (w *Worker) Reconcile(ctx context.Context, ev *models.Event) error {
	ctx, span := w.tracer.Start(ctx, "worker.reconcile", trace.WithAttributes(
		attribute.String("instance", ev.InstanceID),
		attribute.String("phase", string(ev.Phase)),
	))
	defer span.End()

	err := w.retry(ctx, "reconcile", func(ctx context.Context) error { return w.reconcile(ctx, ev) })
	outcome := "ok"
	if err != nil {
		outcome = string(faults.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		w.log.Warn("reconcile failed", zap.String("instance", ev.InstanceID), zap.String("phase", string(ev.Phase)), zap.Error(err))
	}
	w.metrics.Event(string(ev.Phase), outcome)
	return err
}

func (w *Worker) reconcile(ctx context.Context, ev *models.Event) error {
	log := w.log.With(zap.String("instance", ev.InstanceID), zap.String("phase", string(ev.Phase)))

	inst, err := w.store.GetInstance(ctx, ev.InstanceID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("event for unknown instance ignored")
		return nil
	} else if err != nil {
		return transient("load instance", err)
	}
	stored := inst.Phase
	if ev.Phase.Rank() < stored.Rank() {
		log.Debug("stale event ignored", zap.String("stored", string(stored)))
		return nil
	}

	advanced := ev.Phase.Rank() > stored.Rank()
	if advanced {
		inst.Phase = ev.Phase
	}
	if ev.Endpoint != "" {
		inst.Endpoint = ev.Endpoint
	}
	if ev.Timestamp.After(inst.UpdatedAt) {
		inst.UpdatedAt = ev.Timestamp
	} else if ev.Timestamp.IsZero() {
		inst.UpdatedAt = w.now()
	}
	if err := w.store.UpdateInstance(ctx, inst, stored); errors.Is(err, storage.ErrConflict) {
		return conflict("reconcile", inst.ID, err)
	} else if errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return transient("update instance", err)
	}

	if inst.Phase.Terminal() {
		return w.finish(ctx, inst, ev.Reason)
	}

	srv, err := w.store.GetServer(ctx, inst.GuildID, inst.ServerName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return transient("load server", err)
	}
	if srv == nil || srv.InstanceID != inst.ID {
		w.sweepOrphan(ctx, inst)
		return nil
	}
	if advanced && inst.Phase == models.PhaseRunning {
		n := notify.Notification{
			GuildID:    inst.GuildID,
			ServerName: inst.ServerName,
			RequestID:  inst.RequestID,
			Kind:       notify.KindRunning,
			Endpoint:   inst.Endpoint,
		}
		if spec, err := w.store.GetSpec(ctx, srv.Spec); err == nil {
			n.Ports = spec.Ports
		}
		log.Info("instance running", zap.String("endpoint", inst.Endpoint))
		w.notify(ctx, n)
	}
	return nil
}

// finish detaches a terminal instance from its server and removes its row.
func (w *Worker) finish(ctx context.Context, inst *models.Instance, reason string) error {
	srv, err := w.store.GetServer(ctx, inst.GuildID, inst.ServerName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return transient("load server", err)
	}
	attached := srv != nil && srv.InstanceID == inst.ID
	if attached {
		gen := srv.Generation
		srv.InstanceID = ""
		srv.Desired = models.DesiredStopped
		srv.UpdatedAt = w.now()
		if err := w.store.UpdateServer(ctx, srv, gen); errors.Is(err, storage.ErrConflict) {
			return conflict("reconcile", srv.Key(), err)
		} else if err != nil {
			return transient("detach instance", err)
		}
	}
	if err := w.store.DeleteInstance(ctx, inst.ID); err != nil {
		return transient("delete instance", err)
	}
	w.log.Info("instance finished",
		zap.String("guild", inst.GuildID),
		zap.String("server", inst.ServerName),
		zap.String("instance", inst.ID),
		zap.String("phase", string(inst.Phase)),
		zap.Bool("attached", attached))
	if !attached {
		return nil
	}
	kind := notify.KindStopped
	if inst.Phase == models.PhaseFailed {
		kind = notify.KindFailed
	}
	w.notify(ctx, notify.Notification{
		GuildID:    inst.GuildID,
		ServerName: inst.ServerName,
		RequestID:  inst.RequestID,
		Kind:       kind,
		Message:    reason,
	})
	return nil
}

// sweepOrphan stops a live instance that its server no longer points at.
// Instances younger than the command deadline are left alone: the start
// that launched them may still be about to attach them.
func (w *Worker) sweepOrphan(ctx context.Context, inst *models.Instance) {
	if inst.Phase != models.PhaseRunning && inst.Phase != models.PhaseProvisioning {
		return
	}
	if w.now().Sub(inst.LaunchedAt) <= w.cfg.Timeout {
		return
	}
	p, err := w.backends.For(inst.Backend)
	if err != nil {
		w.log.Error("orphan has no backend", zap.String("instance", inst.ID), zap.Error(err))
		return
	}
	w.compensate(ctx, p, inst, errors.New("instance not referenced by its server"))
}

package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/serverbot/internal/config"
	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/server"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

func localConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Queue.Visibility = 2 * time.Second
	cfg.Queue.Wait = 10 * time.Millisecond
	cfg.Worker.Timeout = time.Second
	cfg.Sim.BootDelay = 100 * time.Millisecond
	cfg.Sim.StopDelay = 20 * time.Millisecond
	return cfg
}

func TestBuildLocal(t *testing.T) {
	a, err := Build(context.Background(), localConfig(), zaptest.NewLogger(t), telemetry.NewMetrics())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Commands)
	require.NotNil(t, a.Events)
	for _, kind := range []models.Backend{models.BackendContainer, models.BackendVM} {
		_, err := a.Router.For(kind)
		require.NoError(t, err)
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "second close is a no-op")
}

func TestLocalLifecycleEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, localConfig(), zaptest.NewLogger(t), telemetry.NewMetrics())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Store.PutGuild(ctx, &models.Guild{ID: "g1", Authorized: []string{"alice"}}))
	require.NoError(t, a.Store.PutSpec(ctx, &models.Spec{
		Name:       "valheim",
		Backend:    models.BackendContainer,
		TaskFamily: "valheim",
		Ports:      []models.Port{{Number: 2456, Protocol: "udp"}},
	}))

	w := a.Worker()
	srv := server.New(server.Options{
		Commands:      a.Commands,
		Events:        a.Events,
		HandleCommand: w.HandleCommand,
		HandleEvent:   server.EventHandler(w, a.Router),
		Concurrency:   2,
	}, a.Log)
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	fe := a.Frontend()
	interact := func(action models.Action) {
		t.Helper()
		_, err := fe.Handle(ctx, frontend.Interaction{
			GuildID: "g1", RequesterID: "alice", Action: action, ServerName: "vh", SpecName: "valheim",
		})
		require.NoError(t, err)
	}
	status := func() *frontend.ServerStatus {
		ack, err := fe.Handle(ctx, frontend.Interaction{
			GuildID: "g1", RequesterID: "alice", Action: models.ActionStatus, ServerName: "vh",
		})
		if err != nil {
			return nil
		}
		return ack.Server
	}

	interact(models.ActionCreate)
	require.Eventually(t, func() bool { return status() != nil }, 5*time.Second, 10*time.Millisecond)

	interact(models.ActionStart)
	require.Eventually(t, func() bool {
		s := status()
		return s != nil && s.Phase == models.PhaseRunning && s.Endpoint != ""
	}, 5*time.Second, 10*time.Millisecond)

	interact(models.ActionStop)
	require.Eventually(t, func() bool {
		s := status()
		return s != nil && s.Desired == models.DesiredStopped && s.Phase == ""
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestBuildLocalNeedsEventQueue(t *testing.T) {
	cfg := localConfig()
	cfg.Queue.Backend = "sqs"
	cfg.Queue.CommandURL = "https://sqs.eu-west-3.amazonaws.com/123/bot"

	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t), telemetry.NewMetrics())
	require.ErrorContains(t, err, "event queue")
}

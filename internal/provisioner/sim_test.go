package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanSink chan *models.Event

func (c chanSink) Publish(_ context.Context, ev *models.Event) error {
	c <- ev
	return nil
}

func next(t *testing.T, c chanSink) *models.Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

var smallSpec = &models.Spec{Name: "small", Backend: models.BackendContainer}

func TestSimLifecycle(t *testing.T) {
	sink := make(chanSink, 16)
	sim := NewSim(SimConfig{BootDelay: 10 * time.Millisecond, StopDelay: 10 * time.Millisecond}, sink, zaptest.NewLogger(t))
	defer sim.Close()
	ctx := context.Background()

	id, err := sim.Launch(ctx, LaunchRequest{Spec: smallSpec, GuildID: "g1", ServerName: "box1"})
	require.NoError(t, err)

	ev := next(t, sink)
	require.Equal(t, models.PhaseProvisioning, ev.Phase)
	ev = next(t, sink)
	require.Equal(t, models.PhaseRunning, ev.Phase)
	require.Equal(t, id, ev.InstanceID)
	require.NotEmpty(t, ev.Endpoint)

	require.NoError(t, sim.Stop(ctx, id))
	require.NoError(t, sim.Stop(ctx, id), "stop is idempotent")
	require.Equal(t, models.PhaseStopping, next(t, sink).Phase)
	require.Equal(t, models.PhaseStopped, next(t, sink).Phase)

	got, err := sim.Describe(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.PhaseStopped, got.Phase)

	_, err = sim.Describe(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, sim.Stop(ctx, "nope"))

	calls := sim.Calls()
	require.Equal(t, Call{Op: "launch", ID: id}, calls[0])
	require.Len(t, calls, 4)
}

func TestSimCapacity(t *testing.T) {
	sink := make(chanSink, 16)
	sim := NewSim(SimConfig{BootDelay: time.Hour, Capacity: 1}, sink, zaptest.NewLogger(t))
	defer sim.Close()

	_, err := sim.Launch(context.Background(), LaunchRequest{Spec: smallSpec})
	require.NoError(t, err)
	_, err = sim.Launch(context.Background(), LaunchRequest{Spec: smallSpec})
	require.ErrorIs(t, err, faults.Capacity)
}

func TestQueueSinkEncodes(t *testing.T) {
	q := queue.NewMemory(time.Minute, 10*time.Millisecond)
	sink := QueueSink{Queue: q}
	require.NoError(t, sink.Publish(context.Background(), &models.Event{InstanceID: "i-1", Phase: models.PhaseRunning, Endpoint: "1.2.3.4"}))

	d, err := q.Receive(context.Background())
	require.NoError(t, err)
	ev, err := models.DecodeEvent(d.Body)
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4", ev.Endpoint)
}

func TestLaunchRequestEnv(t *testing.T) {
	spec := &models.Spec{Name: "small", Env: map[string]string{"MAX_PLAYERS": "8"}, SavePath: "saves/{guild}/{server}.zip"}
	env := LaunchRequest{Spec: spec, GuildID: "g1", ServerName: "box1"}.Env()
	require.Equal(t, "8", env["MAX_PLAYERS"])
	require.Equal(t, "saves/g1/box1.zip", env["SERVERBOT_SAVE_PATH"])
	require.Equal(t, "box1", env["SERVERBOT_SERVER"])
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	sim := NewSim(SimConfig{}, make(chanSink, 1), zaptest.NewLogger(t))
	defer sim.Close()
	r.Register(models.BackendContainer, sim)

	p, err := r.For(models.BackendContainer)
	require.NoError(t, err)
	require.Same(t, sim, p)
	_, err = r.For(models.BackendVM)
	require.Error(t, err)
}

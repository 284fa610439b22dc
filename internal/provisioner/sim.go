package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// SimConfig tunes the simulated backend.
type SimConfig struct {
	BootDelay time.Duration
	StopDelay time.Duration
	// Capacity caps concurrently live instances; 0 means unlimited.
	Capacity int
}

// Call is one entry in the simulator's call log.
type Call struct {
	Op string
	ID string
}

type simInstance struct {
	phase    models.Phase
	endpoint string
}

var _ Provisioner = (*Sim)(nil)

// Sim is an in-process backend that boots and stops fake machines after
// fixed delays and publishes their lifecycle events to a sink.
type Sim struct {
	cfg  SimConfig
	sink EventSink
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	instances map[string]*simInstance
	calls     []Call
	seq       int
}

func NewSim(cfg SimConfig, sink EventSink, log *zap.Logger) *Sim {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sim{
		cfg:       cfg,
		sink:      sink,
		log:       log.Named("sim"),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[string]*simInstance),
	}
}

func (s *Sim) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	s.mu.Lock()
	if s.cfg.Capacity > 0 && s.liveLocked() >= s.cfg.Capacity {
		s.calls = append(s.calls, Call{Op: "launch-rejected"})
		s.mu.Unlock()
		return "", faults.New(faults.KindCapacity, "launch", req.Spec.Name, "simulated capacity exhausted")
	}
	id := "sim-" + uuid.NewString()
	s.seq++
	s.instances[id] = &simInstance{
		phase:    models.PhaseProvisioning,
		endpoint: fmt.Sprintf("10.0.%d.%d", s.seq/250, s.seq%250+1),
	}
	s.calls = append(s.calls, Call{Op: "launch", ID: id})
	s.mu.Unlock()

	s.log.Debug("launch", zap.String("instance", id), zap.String("spec", req.Spec.Name))
	s.wg.Add(1)
	go s.transitionToRunning(id)
	return id, nil
}

func (s *Sim) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Op: "stop", ID: id})
	inst, ok := s.instances[id]
	if !ok || inst.phase.Rank() >= models.PhaseStopping.Rank() {
		s.mu.Unlock()
		return nil
	}
	inst.phase = models.PhaseStopping
	s.mu.Unlock()

	s.wg.Add(1)
	go s.transitionToStopped(id)
	return nil
}

func (s *Sim) Describe(ctx context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.eventLocked(id, inst), nil
}

// Calls returns a copy of the call log.
func (s *Sim) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Close stops pending transitions and waits for them to exit.
func (s *Sim) Close() {
	s.cancel()
	s.wg.Wait()
}

// transitionToRunning simulates a machine boot.
func (s *Sim) transitionToRunning(id string) {
	defer s.wg.Done()
	s.emit(id)
	if !s.sleep(s.cfg.BootDelay) {
		return
	}
	s.mu.Lock()
	inst := s.instances[id]
	if inst.phase != models.PhaseProvisioning {
		s.mu.Unlock()
		return
	}
	inst.phase = models.PhaseRunning
	s.mu.Unlock()
	s.emit(id)
}

// transitionToStopped simulates a shutdown.
func (s *Sim) transitionToStopped(id string) {
	defer s.wg.Done()
	s.emit(id)
	if !s.sleep(s.cfg.StopDelay) {
		return
	}
	s.mu.Lock()
	s.instances[id].phase = models.PhaseStopped
	s.mu.Unlock()
	s.emit(id)
}

func (s *Sim) emit(id string) {
	s.mu.Lock()
	ev := s.eventLocked(id, s.instances[id])
	s.mu.Unlock()
	if err := s.sink.Publish(s.ctx, ev); err != nil {
		s.log.Warn("publish event", zap.String("instance", id), zap.Error(err))
	}
}

func (s *Sim) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Sim) eventLocked(id string, inst *simInstance) *models.Event {
	ev := &models.Event{InstanceID: id, Phase: inst.phase, Timestamp: time.Now().UTC()}
	if inst.phase == models.PhaseRunning {
		ev.Endpoint = inst.endpoint
	}
	return ev
}

func (s *Sim) liveLocked() int {
	n := 0
	for _, inst := range s.instances {
		if !inst.phase.Terminal() {
			n++
		}
	}
	return n
}

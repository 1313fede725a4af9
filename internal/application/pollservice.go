package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// refreshRequest represents a manual refresh trigger for one instance.
type refreshRequest struct {
	done chan error
}

// instanceRunner is the handle for one instance's poll loop.
type instanceRunner struct {
	cancel    context.CancelFunc
	refreshCh chan refreshRequest
	done      chan struct{}
}

// PollService orchestrates periodic Ghostfolio polling. Each instance gets
// its own runner goroutine, so polls for one instance are strictly
// serialized (scheduled and manual alike) while instances stay independent:
// one instance's failure never delays or aborts another's polls.
type PollService struct {
	registry      *ClientRegistry
	instanceStore driven.InstanceStore
	snapshotStore driven.SnapshotStore
	sensors       *SensorService
	metrics       driven.MetricsRecorder

	mu      sync.Mutex
	baseCtx context.Context
	runners map[string]*instanceRunner
}

// NewPollService creates a PollService with all required dependencies.
func NewPollService(
	registry *ClientRegistry,
	instanceStore driven.InstanceStore,
	snapshotStore driven.SnapshotStore,
	sensors *SensorService,
	metrics driven.MetricsRecorder,
) *PollService {
	return &PollService{
		registry:      registry,
		instanceStore: instanceStore,
		snapshotStore: snapshotStore,
		sensors:       sensors,
		metrics:       metrics,
		runners:       make(map[string]*instanceRunner),
	}
}

// Start launches a poll runner for every stored instance and blocks until
// the context is canceled, at which point all runners are stopped and all
// clients closed.
func (s *PollService) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	instances, err := s.instanceStore.ListAll(ctx)
	if err != nil {
		slog.Error("loading instances failed, polling disabled until instances are added", "error", err)
	}

	for _, inst := range instances {
		s.StartInstance(inst)
	}

	<-ctx.Done()

	s.stopAll()
	s.registry.CloseAll()
	slog.Info("poll service stopped")
}

// StartInstance starts the poll runner for an instance. A runner already
// registered for the same ID is stopped first.
func (s *PollService) StartInstance(inst model.Instance) {
	s.mu.Lock()
	if s.baseCtx == nil {
		// Start has not run yet; Start will pick the instance up from the store.
		s.mu.Unlock()
		return
	}

	if old, ok := s.runners[inst.ID]; ok {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	runner := &instanceRunner{
		cancel:    cancel,
		refreshCh: make(chan refreshRequest),
		done:      make(chan struct{}),
	}
	s.runners[inst.ID] = runner
	s.mu.Unlock()

	go s.run(ctx, inst, runner)
}

// RestartInstance swaps the instance's client for one built from the new
// settings and restarts its runner. Used after reconfiguration.
func (s *PollService) RestartInstance(inst model.Instance) {
	s.registry.Replace(inst)
	s.StartInstance(inst)
}

// StopInstance stops the runner for a removed instance and drops its
// client, sensor state, and metric series.
func (s *PollService) StopInstance(inst model.Instance) {
	s.mu.Lock()
	if runner, ok := s.runners[inst.ID]; ok {
		runner.cancel()
		<-runner.done
		delete(s.runners, inst.ID)
	}
	s.mu.Unlock()

	s.registry.Remove(inst.ID)
	s.sensors.Forget(inst.ID)
	s.metrics.Forget(inst.Name)
}

// Refresh triggers a manual poll for an instance, serialized with its
// scheduled polls. It blocks until the poll completes or ctx is canceled.
func (s *PollService) Refresh(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	runner, ok := s.runners[instanceID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("refresh instance %s: %w", instanceID, driven.ErrInstanceNotFound)
	}

	done := make(chan error, 1)
	select {
	case runner.refreshCh <- refreshRequest{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestConnection verifies an instance's settings by authenticating and
// fetching one performance snapshot with a throwaway client. Used as the
// gate before an instance is created or reconfigured.
func (s *PollService) TestConnection(ctx context.Context, inst model.Instance) error {
	client := s.registry.Build(inst)
	defer client.Close()

	if err := client.Authenticate(ctx); err != nil {
		return err
	}

	_, err := client.FetchPerformance(ctx, inst.RangesOrDefault()[0])
	return err
}

// run is one instance's poll loop: an immediate poll, then polls on the
// instance's interval, with manual refreshes serviced by the same loop.
func (s *PollService) run(ctx context.Context, inst model.Instance, runner *instanceRunner) {
	defer close(runner.done)

	if err := s.pollInstance(ctx, inst); err != nil {
		slog.Error("initial poll failed", "instance", inst.Name, "error", err)
	}

	ticker := time.NewTicker(inst.IntervalOrDefault())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("instance runner stopped", "instance", inst.Name)
			return
		case <-ticker.C:
			if err := s.pollInstance(ctx, inst); err != nil {
				slog.Error("poll cycle failed", "instance", inst.Name, "error", err)
			}
		case req := <-runner.refreshCh:
			req.done <- s.pollInstance(ctx, inst)
		}
	}
}

// pollInstance runs one poll cycle: user settings once, then one
// performance snapshot per configured range. Range failures are logged and
// counted but do not abort the remaining ranges.
func (s *PollService) pollInstance(ctx context.Context, inst model.Instance) error {
	start := time.Now()
	client := s.registry.Get(inst)

	var baseCurrency string
	if settings, err := client.FetchUserSettings(ctx); err != nil {
		// Tolerated: the snapshot may carry its own base currency.
		slog.Debug("user settings fetch failed", "instance", inst.Name, "error", err)
	} else {
		baseCurrency = settings.BaseCurrency
	}

	ranges := inst.RangesOrDefault()
	var firstErr error
	var fetched int

	for _, rng := range ranges {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		snap, err := client.FetchPerformance(ctx, rng)
		if err != nil {
			slog.Error("performance fetch failed", "instance", inst.Name, "range", rng, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		snap.InstanceID = inst.ID
		if snap.BaseCurrency == "" {
			snap.BaseCurrency = baseCurrency
		}

		if err := s.snapshotStore.Insert(ctx, *snap); err != nil {
			slog.Error("snapshot insert failed", "instance", inst.Name, "range", rng, "error", err)
		}

		s.sensors.RecordSnapshot(inst.ID, snap)
		s.metrics.RecordSnapshot(inst.Name, rng, *snap)
		fetched++
	}

	s.sensors.RecordCycle(inst.ID, firstErr)
	s.metrics.ObservePoll(inst.Name, time.Since(start), firstErr)
	s.metrics.SetUp(inst.Name, firstErr == nil)

	if firstErr != nil {
		return firstErr
	}

	slog.Info("instance polled",
		"instance", inst.Name,
		"ranges", fetched,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return nil
}

// stopAll cancels every runner and waits for them to finish.
func (s *PollService) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, runner := range s.runners {
		runner.cancel()
		<-runner.done
		delete(s.runners, id)
	}
}

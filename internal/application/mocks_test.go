package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

func readingByKind(t *testing.T, readings []model.Reading, kind model.SensorKind) model.Reading {
	t.Helper()
	for _, r := range readings {
		if r.Kind == kind {
			return r
		}
	}
	t.Fatalf("no reading of kind %s", kind)
	return model.Reading{}
}

// fakeClient is a scriptable PortfolioClient. Errors are returned from every
// call until cleared.
type fakeClient struct {
	mu sync.Mutex

	authErr     error
	perfErr     error
	settingsErr error

	snapshots map[string]*model.Snapshot // range -> snapshot to return
	settings  *model.UserSettings

	authCalls int
	perfCalls int
	closed    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		snapshots: make(map[string]*model.Snapshot),
		settings:  &model.UserSettings{BaseCurrency: "USD"},
	}
}

func (c *fakeClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authCalls++
	return c.authErr
}

func (c *fakeClient) FetchPerformance(ctx context.Context, rng string) (*model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perfCalls++
	if c.perfErr != nil {
		return nil, c.perfErr
	}
	if snap, ok := c.snapshots[rng]; ok {
		cp := *snap
		cp.Range = rng
		return &cp, nil
	}
	v := 100.0
	return &model.Snapshot{Range: rng, CurrentValue: &v}, nil
}

func (c *fakeClient) FetchUserSettings(ctx context.Context) (*model.UserSettings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settingsErr != nil {
		return nil, c.settingsErr
	}
	cp := *c.settings
	return &cp, nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) setPerfErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perfErr = err
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeInstanceStore is an in-memory InstanceStore seeded at construction.
type fakeInstanceStore struct {
	mu        sync.Mutex
	instances map[string]model.Instance
	listErr   error
}

func newFakeInstanceStore(instances ...model.Instance) *fakeInstanceStore {
	s := &fakeInstanceStore{instances: make(map[string]model.Instance)}
	for _, inst := range instances {
		s.instances[inst.ID] = inst
	}
	return s
}

func (s *fakeInstanceStore) Add(ctx context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeInstanceStore) Update(ctx context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return driven.ErrInstanceNotFound
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *fakeInstanceStore) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (s *fakeInstanceStore) ListAll(ctx context.Context) ([]model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]model.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (s *fakeInstanceStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

// fakeSnapshotStore records inserts in memory.
type fakeSnapshotStore struct {
	mu        sync.Mutex
	inserted  []model.Snapshot
	insertErr error
}

func (s *fakeSnapshotStore) Insert(ctx context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, snap)
	return nil
}

func (s *fakeSnapshotStore) Latest(ctx context.Context, instanceID, rng string) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.inserted) - 1; i >= 0; i-- {
		if s.inserted[i].InstanceID == instanceID && s.inserted[i].Range == rng {
			cp := s.inserted[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeSnapshotStore) History(ctx context.Context, instanceID, rng string, limit int) ([]model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Snapshot
	for i := len(s.inserted) - 1; i >= 0 && len(out) < limit; i-- {
		if s.inserted[i].InstanceID == instanceID && s.inserted[i].Range == rng {
			out = append(out, s.inserted[i])
		}
	}
	return out, nil
}

func (s *fakeSnapshotStore) DeleteByInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.inserted[:0]
	for _, snap := range s.inserted {
		if snap.InstanceID != instanceID {
			kept = append(kept, snap)
		}
	}
	s.inserted = kept
	return nil
}

func (s *fakeSnapshotStore) insertedFor(instanceID string) []model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Snapshot
	for _, snap := range s.inserted {
		if snap.InstanceID == instanceID {
			out = append(out, snap)
		}
	}
	return out
}

// fakeMetrics records MetricsRecorder calls.
type fakeMetrics struct {
	mu        sync.Mutex
	snapshots int
	polls     int
	pollErrs  int
	up        map[string]bool
	forgotten []string
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{up: make(map[string]bool)}
}

func (m *fakeMetrics) RecordSnapshot(instanceName, rng string, snap model.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
}

func (m *fakeMetrics) ObservePoll(instanceName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if err != nil {
		m.pollErrs++
	}
}

func (m *fakeMetrics) SetUp(instanceName string, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up[instanceName] = up
}

func (m *fakeMetrics) Forget(instanceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, instanceName)
}

func (m *fakeMetrics) upFor(instanceName string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.up[instanceName]
	return v, ok
}

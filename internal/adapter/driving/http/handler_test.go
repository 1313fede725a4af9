package httphandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliowatch/foliowatch/internal/adapter/driven/prom"
	"github.com/foliowatch/foliowatch/internal/application"
	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// stubClient is a scriptable PortfolioClient for handler tests.
type stubClient struct {
	mu      sync.Mutex
	authErr error
	perfErr error
	closed  bool
}

func (c *stubClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authErr
}

func (c *stubClient) FetchPerformance(ctx context.Context, rng string) (*model.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perfErr != nil {
		return nil, c.perfErr
	}
	v := 50000.0
	pct := 0.25
	return &model.Snapshot{Range: rng, CurrentValue: &v, NetPerformancePercent: &pct, BaseCurrency: "EUR"}, nil
}

func (c *stubClient) FetchUserSettings(ctx context.Context) (*model.UserSettings, error) {
	return &model.UserSettings{BaseCurrency: "EUR"}, nil
}

func (c *stubClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// memInstanceStore is an in-memory InstanceStore enforcing the base URL +
// name uniqueness rule the SQLite adapter gets from its schema.
type memInstanceStore struct {
	mu        sync.Mutex
	instances map[string]model.Instance
}

func newMemInstanceStore(instances ...model.Instance) *memInstanceStore {
	s := &memInstanceStore{instances: make(map[string]model.Instance)}
	for _, inst := range instances {
		s.instances[inst.ID] = inst
	}
	return s
}

func (s *memInstanceStore) Add(ctx context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.UniqueKey() == inst.UniqueKey() {
			return driven.ErrInstanceAlreadyExists
		}
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *memInstanceStore) Update(ctx context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return driven.ErrInstanceNotFound
	}
	s.instances[inst.ID] = inst
	return nil
}

func (s *memInstanceStore) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (s *memInstanceStore) ListAll(ctx context.Context) ([]model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (s *memInstanceStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

// memSnapshotStore records inserts in memory, newest last.
type memSnapshotStore struct {
	mu       sync.Mutex
	inserted []model.Snapshot
}

func (s *memSnapshotStore) Insert(ctx context.Context, snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, snap)
	return nil
}

func (s *memSnapshotStore) Latest(ctx context.Context, instanceID, rng string) (*model.Snapshot, error) {
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

func (s *memSnapshotStore) History(ctx context.Context, instanceID, rng string, limit int) ([]model.Snapshot, error) {
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

func (s *memSnapshotStore) DeleteByInstance(ctx context.Context, instanceID string) error {
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

type fixture struct {
	server    *httptest.Server
	store     *memInstanceStore
	snaps     *memSnapshotStore
	sensors   *application.SensorService
	clients   map[string]*stubClient
	clientsMu sync.Mutex

	// nextClient, when set, is returned for instance IDs without a
	// registered stub. Lets tests script clients for server-generated IDs.
	nextClient *stubClient
}

// clientFor registers the stub returned for an instance ID. Unregistered
// IDs get nextClient when set, otherwise a healthy stub.
func (f *fixture) clientFor(id string) *stubClient {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	if c, ok := f.clients[id]; ok {
		return c
	}
	c := f.nextClient
	if c == nil {
		c = &stubClient{}
	}
	f.clients[id] = c
	return c
}

// setNextClient scripts the stub used for the next unseen instance ID.
func (f *fixture) setNextClient(c *stubClient) {
	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	f.nextClient = c
}

// newFixture starts the poll service and HTTP server with in-memory stores.
// Seeded instances are polled once before the fixture returns.
func newFixture(t *testing.T, instances ...model.Instance) *fixture {
	t.Helper()

	f := &fixture{
		store:   newMemInstanceStore(instances...),
		snaps:   &memSnapshotStore{},
		sensors: application.NewSensorService(),
		clients: make(map[string]*stubClient),
	}

	factory := func(inst model.Instance) driven.PortfolioClient {
		return f.clientFor(inst.ID)
	}

	recorder := prom.NewRecorder()
	registry := application.NewClientRegistry(factory)
	pollSvc := application.NewPollService(registry, f.store, f.snaps, f.sensors, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pollSvc.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for _, inst := range instances {
		id := inst.ID
		require.Eventually(t, func() bool {
			_, ok := f.sensors.Status(id)
			return ok
		}, 2*time.Second, 5*time.Millisecond)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(f.store, f.snaps, f.sensors, pollSvc, logger)
	f.server = httptest.NewServer(NewServeMux(handler, recorder.Handler(), logger))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func seedInstance(id, name string) model.Instance {
	now := time.Now().UTC()
	return model.Instance{
		ID:             id,
		Name:           name,
		BaseURL:        "https://ghostfolio.example.com",
		AccessToken:    "super-secret-token",
		VerifySSL:      true,
		UpdateInterval: time.Hour,
		Ranges:         []string{"max"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Instances)
	require.Contains(t, body.Polling, "Primary")
	assert.True(t, body.Polling["Primary"].Healthy)
}

func TestListInstances_NeverExposesToken(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodGet, "/api/v1/instances", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-token")
	assert.NotContains(t, string(raw), "access_token")

	var body []InstanceResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Len(t, body, 1)
	assert.Equal(t, "inst-1", body[0].ID)
	require.NotNil(t, body[0].Status)
	assert.True(t, body[0].Status.Healthy)
}

func TestGetInstance_NotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/v1/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateInstance_Success(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		BaseURL:     "https://ghostfolio.example.com/",
		AccessToken: "token-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[InstanceResponse](t, resp)
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "Ghostfolio", body.Name, "name defaults")
	assert.Equal(t, "https://ghostfolio.example.com", body.BaseURL, "trailing slash stripped")
	assert.Equal(t, 900, body.IntervalSeconds, "interval defaults to 15m")
	assert.Equal(t, []string{"max"}, body.Ranges)

	stored, err := f.store.GetByID(context.Background(), body.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "token-1", stored.AccessToken)
}

func TestCreateInstance_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  CreateInstanceRequest
		code string
	}{
		{"missing url", CreateInstanceRequest{AccessToken: "t"}, "invalid_url"},
		{"relative url", CreateInstanceRequest{BaseURL: "ghostfolio.example.com", AccessToken: "t"}, "invalid_url"},
		{"bad scheme", CreateInstanceRequest{BaseURL: "ftp://ghostfolio.example.com", AccessToken: "t"}, "invalid_url"},
		{"missing token", CreateInstanceRequest{BaseURL: "https://ghostfolio.example.com"}, "missing_token"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.request(t, http.MethodPost, "/api/v1/instances", tc.req)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody[errorResponse](t, resp)
			assert.Equal(t, tc.code, body.Error)
		})
	}
}

func TestCreateInstance_AuthRejectedNotStored(t *testing.T) {
	f := newFixture(t)
	f.setNextClient(&stubClient{authErr: fmt.Errorf("token rejected: %w", driven.ErrAuthentication)})

	resp := f.request(t, http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		BaseURL:     "https://ghostfolio.example.com",
		AccessToken: "bad-token",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "authentication_failed", body.Error)

	instances, err := f.store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, instances, "rejected instance must not be persisted")
}

func TestCreateInstance_UnreachableDeployment(t *testing.T) {
	f := newFixture(t)
	f.setNextClient(&stubClient{authErr: fmt.Errorf("dial tcp: %w", driven.ErrConnection)})

	resp := f.request(t, http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		BaseURL:     "https://ghostfolio.example.com",
		AccessToken: "token-1",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "cannot_connect", body.Error)
}

func TestCreateInstance_Duplicate(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodPost, "/api/v1/instances", CreateInstanceRequest{
		Name:        "Primary",
		BaseURL:     "https://ghostfolio.example.com",
		AccessToken: "token-1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "already_configured", body.Error)
}

func TestUpdateInstance(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	newName := "Renamed"
	resp := f.request(t, http.MethodPut, "/api/v1/instances/inst-1", UpdateInstanceRequest{
		Name: &newName,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[InstanceResponse](t, resp)
	assert.Equal(t, "Renamed", body.Name)

	stored, err := f.store.GetByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name)
	assert.Equal(t, "super-secret-token", stored.AccessToken, "empty access_token keeps the stored one")
}

func TestUpdateInstance_NotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPut, "/api/v1/instances/nope", UpdateInstanceRequest{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteInstance(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodDelete, "/api/v1/instances/inst-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	stored, err := f.store.GetByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	history, err := f.snaps.History(context.Background(), "inst-1", "max", 10)
	require.NoError(t, err)
	assert.Empty(t, history, "snapshots removed with the instance")

	resp = f.request(t, http.MethodDelete, "/api/v1/instances/inst-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefreshInstance(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	before, err := f.snaps.History(context.Background(), "inst-1", "max", 100)
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/api/v1/instances/inst-1/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	after, err := f.snaps.History(context.Background(), "inst-1", "max", 100)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestRefreshInstance_NotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/api/v1/instances/nope/refresh", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRefreshInstance_ConnectionFailure(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	client := f.clientFor("inst-1")
	client.mu.Lock()
	client.perfErr = fmt.Errorf("dial tcp: %w", driven.ErrConnection)
	client.mu.Unlock()

	resp := f.request(t, http.MethodPost, "/api/v1/instances/inst-1/refresh", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "cannot_connect", body.Error)
}

func TestGetSensors(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodGet, "/api/v1/instances/inst-1/sensors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[SensorsResponse](t, resp)
	assert.Equal(t, "inst-1", body.InstanceID)
	require.Contains(t, body.Ranges, "max")
	require.Len(t, body.Ranges["max"], 6)

	byKind := make(map[string]ReadingResponse)
	for _, r := range body.Ranges["max"] {
		byKind[r.Kind] = r
	}

	cv := byKind["current_value"]
	require.True(t, cv.Available)
	require.NotNil(t, cv.Value)
	assert.Equal(t, 50000.0, *cv.Value)
	assert.Equal(t, "EUR", cv.Unit)

	pct := byKind["net_performance_percent"]
	require.True(t, pct.Available)
	require.NotNil(t, pct.Value)
	assert.InDelta(t, 25.0, *pct.Value, 1e-9, "fraction converted to percent")
	assert.Equal(t, "%", pct.Unit)
}

func TestGetSensors_UnavailableAfterFailure(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	client := f.clientFor("inst-1")
	client.mu.Lock()
	client.perfErr = fmt.Errorf("dial tcp: %w", driven.ErrConnection)
	client.mu.Unlock()

	resp := f.request(t, http.MethodPost, "/api/v1/instances/inst-1/refresh", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/v1/instances/inst-1/sensors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[SensorsResponse](t, resp)
	for _, r := range body.Ranges["max"] {
		assert.False(t, r.Available, "sensor %s", r.Kind)
		assert.Nil(t, r.Value)
	}
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	// One snapshot from the initial poll, two more from refreshes.
	for range 2 {
		resp := f.request(t, http.MethodPost, "/api/v1/instances/inst-1/refresh", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := f.request(t, http.MethodGet, "/api/v1/instances/inst-1/history?range=max&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[[]SnapshotResponse](t, resp)
	require.Len(t, body, 2)
	for _, snap := range body {
		assert.Equal(t, "max", snap.Range)
		require.NotNil(t, snap.NetPerformancePercent)
		assert.Equal(t, 0.25, *snap.NetPerformancePercent, "history keeps raw fractions")
	}
}

func TestGetHistory_InvalidLimit(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodGet, "/api/v1/instances/inst-1/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, seedInstance("inst-1", "Primary"))

	resp := f.request(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "foliowatch_up")
	assert.Contains(t, string(raw), "foliowatch_portfolio_current_value")
}

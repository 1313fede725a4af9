// Package httphandler is the HTTP driving adapter that serves the REST API.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foliowatch/foliowatch/internal/application"
	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	instanceStore driven.InstanceStore
	snapshotStore driven.SnapshotStore
	sensors       *application.SensorService
	pollSvc       *application.PollService
	logger        *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	instanceStore driven.InstanceStore,
	snapshotStore driven.SnapshotStore,
	sensors *application.SensorService,
	pollSvc *application.PollService,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		instanceStore: instanceStore,
		snapshotStore: snapshotStore,
		sensors:       sensors,
		pollSvc:       pollSvc,
		logger:        logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware. The metrics handler is mounted
// separately so the exposition path bypasses request logging.
func NewServeMux(h *Handler, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/instances", h.ListInstances)
	mux.HandleFunc("POST /api/v1/instances", h.CreateInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}", h.GetInstance)
	mux.HandleFunc("PUT /api/v1/instances/{id}", h.UpdateInstance)
	mux.HandleFunc("DELETE /api/v1/instances/{id}", h.DeleteInstance)
	mux.HandleFunc("POST /api/v1/instances/{id}/refresh", h.RefreshInstance)
	mux.HandleFunc("GET /api/v1/instances/{id}/sensors", h.GetSensors)
	mux.HandleFunc("GET /api/v1/instances/{id}/history", h.GetHistory)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	root := http.NewServeMux()
	root.Handle("/metrics", metrics)
	root.Handle("/", wrapped)

	return root
}

// ListInstances returns all configured instances with their poll status.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceStore.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list instances", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	resp := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, toInstanceResponse(inst, h.statusFor(inst.ID)))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetInstance returns a single instance by ID.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, toInstanceResponse(*inst, h.statusFor(inst.ID)))
}

// CreateInstance validates the settings, verifies connectivity against the
// deployment, persists the instance, and starts its poll runner. The
// connection test gates persistence: an instance that cannot authenticate
// is never stored.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	var req CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	baseURL, err := normalizeBaseURL(req.BaseURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_url", err.Error())
		return
	}
	if req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "missing_token", "access_token is required")
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = model.DefaultInstanceName
	}

	verifySSL := true
	if req.VerifySSL != nil {
		verifySSL = *req.VerifySSL
	}

	interval := model.DefaultUpdateInterval
	if req.IntervalSeconds > 0 {
		interval = time.Duration(req.IntervalSeconds) * time.Second
	}

	now := time.Now().UTC()
	inst := model.Instance{
		ID:             uuid.NewString(),
		Name:           name,
		BaseURL:        baseURL,
		AccessToken:    req.AccessToken,
		VerifySSL:      verifySSL,
		UpdateInterval: interval,
		Ranges:         cleanRanges(req.Ranges),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.pollSvc.TestConnection(r.Context(), inst); err != nil {
		h.writeClientError(w, inst.Name, err)
		return
	}

	if err := h.instanceStore.Add(r.Context(), inst); err != nil {
		if errors.Is(err, driven.ErrInstanceAlreadyExists) {
			writeError(w, http.StatusConflict, "already_configured", "an instance with this base URL and name already exists")
			return
		}
		h.logger.Error("failed to add instance", "name", inst.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	h.pollSvc.StartInstance(inst)

	writeJSON(w, http.StatusCreated, toInstanceResponse(inst, nil))
}

// UpdateInstance reconfigures an instance. Omitted fields keep their values;
// an empty access_token keeps the stored one. The new settings are verified
// against the deployment before they replace the old ones, and the poll
// runner restarts with a fresh client.
func (h *Handler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	var req UpdateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	updated := *inst
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.BaseURL != nil {
		baseURL, err := normalizeBaseURL(*req.BaseURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_url", err.Error())
			return
		}
		updated.BaseURL = baseURL
	}
	if req.AccessToken != "" {
		updated.AccessToken = req.AccessToken
	}
	if req.VerifySSL != nil {
		updated.VerifySSL = *req.VerifySSL
	}
	if req.IntervalSeconds != nil && *req.IntervalSeconds > 0 {
		updated.UpdateInterval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	if req.Ranges != nil {
		updated.Ranges = cleanRanges(req.Ranges)
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := h.pollSvc.TestConnection(r.Context(), updated); err != nil {
		h.writeClientError(w, updated.Name, err)
		return
	}

	if err := h.instanceStore.Update(r.Context(), updated); err != nil {
		if errors.Is(err, driven.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "instance not found")
			return
		}
		if errors.Is(err, driven.ErrInstanceAlreadyExists) {
			writeError(w, http.StatusConflict, "already_configured", "an instance with this base URL and name already exists")
			return
		}
		h.logger.Error("failed to update instance", "id", updated.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	h.pollSvc.RestartInstance(updated)

	writeJSON(w, http.StatusOK, toInstanceResponse(updated, h.statusFor(updated.ID)))
}

// DeleteInstance stops the poll runner and removes the instance together
// with its snapshot history, sensor state, and metric series.
func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	h.pollSvc.StopInstance(*inst)

	if err := h.snapshotStore.DeleteByInstance(r.Context(), inst.ID); err != nil {
		h.logger.Error("failed to delete snapshots", "id", inst.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	if err := h.instanceStore.Remove(r.Context(), inst.ID); err != nil {
		h.logger.Error("failed to remove instance", "id", inst.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RefreshInstance triggers a manual poll and blocks until it completes.
func (h *Handler) RefreshInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	if err := h.pollSvc.Refresh(r.Context(), inst.ID); err != nil {
		if errors.Is(err, driven.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "instance not found")
			return
		}
		h.writeClientError(w, inst.Name, err)
		return
	}

	writeJSON(w, http.StatusOK, RefreshResponse{Status: "ok"})
}

// GetSensors returns the current sensor readings for all configured ranges.
func (h *Handler) GetSensors(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	byRange := h.sensors.Readings(inst.ID, inst.RangesOrDefault())

	resp := SensorsResponse{
		InstanceID: inst.ID,
		Ranges:     make(map[string][]ReadingResponse, len(byRange)),
	}
	for rng, readings := range byRange {
		out := make([]ReadingResponse, 0, len(readings))
		for _, reading := range readings {
			out = append(out, toReadingResponse(reading))
		}
		resp.Ranges[rng] = out
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns stored snapshots for one range, newest first.
// Query parameters: range (defaults to the instance's first range) and
// limit (default 100, capped at 1000).
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookupInstance(w, r)
	if !ok {
		return
	}

	rng := r.URL.Query().Get("range")
	if rng == "" {
		rng = inst.RangesOrDefault()[0]
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	snapshots, err := h.snapshotStore.History(r.Context(), inst.ID, rng, limit)
	if err != nil {
		h.logger.Error("failed to load history", "id", inst.ID, "range", rng, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	resp := make([]SnapshotResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		resp = append(resp, toSnapshotResponse(snap))
	}

	writeJSON(w, http.StatusOK, resp)
}

// Health returns process health plus the poll status of every instance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	instances, err := h.instanceStore.ListAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	statuses := make(map[string]*InstanceStatusResponse, len(instances))
	for _, inst := range instances {
		if st := h.statusFor(inst.ID); st != nil {
			statuses[inst.Name] = toInstanceStatusResponse(*st)
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Instances: len(instances),
		Polling:   statuses,
		Time:      time.Now().UTC().Format(time.RFC3339),
	})
}

// statusFor returns the poll status of an instance, nil before the first
// poll attempt.
func (h *Handler) statusFor(instanceID string) *application.InstanceStatus {
	st, ok := h.sensors.Status(instanceID)
	if !ok {
		return nil
	}
	return &st
}

// lookupInstance resolves the {id} path value, writing a 404 when it does
// not exist. ok is false when a response has already been written.
func (h *Handler) lookupInstance(w http.ResponseWriter, r *http.Request) (*model.Instance, bool) {
	id := r.PathValue("id")

	inst, err := h.instanceStore.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get instance", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return nil, false
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "not_found", "instance not found")
		return nil, false
	}

	return inst, true
}

// writeClientError maps the client failure taxonomy to HTTP statuses:
// authentication rejections are the caller's problem (422), unreachable or
// misbehaving deployments are upstream problems (502).
func (h *Handler) writeClientError(w http.ResponseWriter, instanceName string, err error) {
	var statusErr *driven.StatusError

	switch {
	case errors.Is(err, driven.ErrAuthentication):
		writeError(w, http.StatusUnprocessableEntity, "authentication_failed", "the access token was rejected")
	case errors.Is(err, driven.ErrConnection):
		writeError(w, http.StatusBadGateway, "cannot_connect", "the ghostfolio deployment is unreachable")
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, "unexpected_status", err.Error())
	default:
		h.logger.Error("instance operation failed", "instance", instanceName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// normalizeBaseURL validates and canonicalizes the deployment URL: scheme
// must be http or https, and trailing slashes are stripped so path joining
// stays predictable.
func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("base_url is required")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", errors.New("base_url must be an absolute http or https URL")
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// cleanRanges trims and drops empty entries, leaving deduplication and
// defaulting to the domain model.
func cleanRanges(ranges []string) []string {
	out := make([]string, 0, len(ranges))
	for _, rng := range ranges {
		rng = strings.TrimSpace(rng)
		if rng != "" {
			out = append(out, rng)
		}
	}
	return out
}

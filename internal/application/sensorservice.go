package application

import (
	"errors"
	"sync"
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// InstanceStatus is the poll health of one instance.
type InstanceStatus struct {
	LastAttempt         time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
	LastError           string
	// ReauthRequired is set when the most recent failure was an
	// authentication rejection; the access token must be reconfigured.
	ReauthRequired bool
}

// Healthy reports whether the most recent poll cycle succeeded.
func (s InstanceStatus) Healthy() bool {
	return !s.LastAttempt.IsZero() && s.LastError == ""
}

// SensorService holds the latest snapshot per instance and range and
// projects them into sensor readings. Readings are unavailable until the
// first successful fetch and whenever the most recent poll cycle failed.
type SensorService struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]*model.Snapshot // instance ID -> range -> latest snapshot
	status    map[string]InstanceStatus
}

// NewSensorService creates an empty SensorService.
func NewSensorService() *SensorService {
	return &SensorService{
		snapshots: make(map[string]map[string]*model.Snapshot),
		status:    make(map[string]InstanceStatus),
	}
}

// RecordSnapshot stores the latest snapshot for an instance and range.
func (s *SensorService) RecordSnapshot(instanceID string, snap *model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byRange, ok := s.snapshots[instanceID]
	if !ok {
		byRange = make(map[string]*model.Snapshot)
		s.snapshots[instanceID] = byRange
	}
	byRange[snap.Range] = snap
}

// RecordCycle records the outcome of one poll cycle. A failed cycle marks
// all of the instance's sensors unavailable until the next success; the
// last snapshots are kept so history and diagnostics survive an outage.
func (s *SensorService) RecordCycle(instanceID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[instanceID]
	st.LastAttempt = time.Now().UTC()

	if err != nil {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		st.ReauthRequired = errors.Is(err, driven.ErrAuthentication)
	} else {
		st.LastSuccess = st.LastAttempt
		st.ConsecutiveFailures = 0
		st.LastError = ""
		st.ReauthRequired = false
	}

	s.status[instanceID] = st
}

// Readings returns the sensor readings for an instance, keyed by range.
// Every configured range yields six readings; they are unavailable when no
// snapshot exists for the range or the most recent poll cycle failed.
func (s *SensorService) Readings(instanceID string, ranges []string) map[string][]model.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	available := s.status[instanceID].Healthy()
	byRange := s.snapshots[instanceID]

	out := make(map[string][]model.Reading, len(ranges))
	for _, rng := range ranges {
		out[rng] = model.Project(byRange[rng], available)
	}

	return out
}

// Status returns the poll status of one instance. ok is false before the
// first poll attempt.
func (s *SensorService) Status(instanceID string) (InstanceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.status[instanceID]
	return st, ok
}

// Forget drops all state for a removed instance.
func (s *SensorService) Forget(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, instanceID)
	delete(s.status, instanceID)
}

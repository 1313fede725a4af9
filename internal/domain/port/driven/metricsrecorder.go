package driven

import (
	"time"

	"github.com/foliowatch/foliowatch/internal/domain/model"
)

// MetricsRecorder defines the driven port for exporting poll outcomes.
// Instances are identified by display name, which becomes a label value.
type MetricsRecorder interface {
	// RecordSnapshot publishes the sensor values of a fresh snapshot.
	RecordSnapshot(instanceName, rng string, snap model.Snapshot)

	// ObservePoll records the duration and outcome of one poll cycle.
	ObservePoll(instanceName string, duration time.Duration, err error)

	// SetUp flags whether the most recent poll cycle for an instance succeeded.
	SetUp(instanceName string, up bool)

	// Forget drops all series for a removed instance.
	Forget(instanceName string)
}

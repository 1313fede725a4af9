package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/foliowatch/foliowatch/internal/application"
	"github.com/foliowatch/foliowatch/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code, stable
// error code, and human-readable message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// errorResponse is the standard error response body. Error is a stable
// machine-readable code; Message is for humans.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// InstanceResponse is the JSON representation of a configured instance.
// The access token is deliberately absent: it never leaves the server.
type InstanceResponse struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name"`
	BaseURL         string                  `json:"base_url"`
	VerifySSL       bool                    `json:"verify_ssl"`
	IntervalSeconds int                     `json:"update_interval_seconds"`
	Ranges          []string                `json:"ranges"`
	CreatedAt       string                  `json:"created_at"`
	UpdatedAt       string                  `json:"updated_at"`
	Status          *InstanceStatusResponse `json:"status,omitempty"`
}

// InstanceStatusResponse is the poll health of one instance. Absent until
// the first poll attempt.
type InstanceStatusResponse struct {
	Healthy             bool   `json:"healthy"`
	LastAttempt         string `json:"last_attempt"`
	LastSuccess         string `json:"last_success,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	ReauthRequired      bool   `json:"reauth_required"`
}

// ReadingResponse is the JSON representation of a single sensor reading.
// Value is null while the sensor is unavailable.
type ReadingResponse struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit,omitempty"`
	Precision int      `json:"precision"`
	Available bool     `json:"available"`
}

// SensorsResponse groups an instance's sensor readings by range.
type SensorsResponse struct {
	InstanceID string                       `json:"instance_id"`
	Ranges     map[string][]ReadingResponse `json:"ranges"`
}

// SnapshotResponse is the JSON representation of one stored snapshot.
// Percentage fields are raw fractions as returned by the API.
type SnapshotResponse struct {
	Range                                   string   `json:"range"`
	CurrentValue                            *float64 `json:"current_value"`
	NetPerformance                          *float64 `json:"net_performance"`
	NetPerformancePercent                   *float64 `json:"net_performance_percent"`
	TotalInvestment                         *float64 `json:"total_investment"`
	NetPerformanceWithCurrencyEffect        *float64 `json:"net_performance_with_currency_effect"`
	NetPerformancePercentWithCurrencyEffect *float64 `json:"net_performance_percent_with_currency_effect"`
	CurrentNetWorth                         *float64 `json:"current_net_worth,omitempty"`
	FirstOrderDate                          string   `json:"first_order_date,omitempty"`
	BaseCurrency                            string   `json:"base_currency,omitempty"`
	FetchedAt                               string   `json:"fetched_at"`
}

// HealthResponse is the JSON representation of the health check endpoint.
// Polling maps instance display names to their poll status; instances that
// have not been polled yet are absent.
type HealthResponse struct {
	Status    string                             `json:"status"`
	Instances int                                `json:"instances"`
	Polling   map[string]*InstanceStatusResponse `json:"polling,omitempty"`
	Time      string                             `json:"time"`
}

// CreateInstanceRequest is the JSON body for creating an instance.
type CreateInstanceRequest struct {
	Name            string   `json:"name"`
	BaseURL         string   `json:"base_url"`
	AccessToken     string   `json:"access_token"`
	VerifySSL       *bool    `json:"verify_ssl"`
	IntervalSeconds int      `json:"update_interval_seconds"`
	Ranges          []string `json:"ranges"`
}

// UpdateInstanceRequest is the JSON body for reconfiguring an instance.
// Omitted fields keep their current values; an empty access_token keeps
// the stored one.
type UpdateInstanceRequest struct {
	Name            *string  `json:"name"`
	BaseURL         *string  `json:"base_url"`
	AccessToken     string   `json:"access_token"`
	VerifySSL       *bool    `json:"verify_ssl"`
	IntervalSeconds *int     `json:"update_interval_seconds"`
	Ranges          []string `json:"ranges"`
}

// RefreshResponse is returned after a successful manual refresh.
type RefreshResponse struct {
	Status string `json:"status"`
}

// toInstanceResponse converts a domain Instance to its JSON representation,
// attaching poll status when at least one cycle has run.
func toInstanceResponse(inst model.Instance, status *application.InstanceStatus) InstanceResponse {
	resp := InstanceResponse{
		ID:              inst.ID,
		Name:            inst.Name,
		BaseURL:         inst.BaseURL,
		VerifySSL:       inst.VerifySSL,
		IntervalSeconds: int(inst.IntervalOrDefault().Seconds()),
		Ranges:          inst.RangesOrDefault(),
		CreatedAt:       inst.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       inst.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if status != nil {
		resp.Status = toInstanceStatusResponse(*status)
	}

	return resp
}

// toInstanceStatusResponse converts poll status to its JSON representation.
func toInstanceStatusResponse(status application.InstanceStatus) *InstanceStatusResponse {
	st := &InstanceStatusResponse{
		Healthy:             status.Healthy(),
		LastAttempt:         status.LastAttempt.UTC().Format(time.RFC3339),
		ConsecutiveFailures: status.ConsecutiveFailures,
		LastError:           status.LastError,
		ReauthRequired:      status.ReauthRequired,
	}
	if !status.LastSuccess.IsZero() {
		st.LastSuccess = status.LastSuccess.UTC().Format(time.RFC3339)
	}
	return st
}

// toReadingResponse converts a sensor reading to its JSON representation.
func toReadingResponse(r model.Reading) ReadingResponse {
	return ReadingResponse{
		Kind:      string(r.Kind),
		Name:      r.Name,
		Value:     r.Value,
		Unit:      r.Unit,
		Precision: r.Precision,
		Available: r.Available,
	}
}

// toSnapshotResponse converts a stored snapshot to its JSON representation.
func toSnapshotResponse(snap model.Snapshot) SnapshotResponse {
	return SnapshotResponse{
		Range:                                   snap.Range,
		CurrentValue:                            snap.CurrentValue,
		NetPerformance:                          snap.NetPerformance,
		NetPerformancePercent:                   snap.NetPerformancePercent,
		TotalInvestment:                         snap.TotalInvestment,
		NetPerformanceWithCurrencyEffect:        snap.NetPerformanceWithCurrencyEffect,
		NetPerformancePercentWithCurrencyEffect: snap.NetPerformancePercentWithCurrencyEffect,
		CurrentNetWorth:                         snap.CurrentNetWorth,
		FirstOrderDate:                          snap.FirstOrderDate,
		BaseCurrency:                            snap.BaseCurrency,
		FetchedAt:                               snap.FetchedAt.UTC().Format(time.RFC3339),
	}
}

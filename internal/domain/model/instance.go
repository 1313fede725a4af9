// Package model contains the domain types shared across ports and adapters.
package model

import (
	"strings"
	"time"
)

// Default settings for a newly configured instance.
const (
	DefaultInstanceName   = "Ghostfolio"
	DefaultRange          = "max"
	DefaultUpdateInterval = 15 * time.Minute
)

// Instance is one configured connection to a Ghostfolio deployment.
// Instances are immutable between reconfigurations; the poll runner and
// API client for an instance are rebuilt whenever it changes.
type Instance struct {
	ID             string // UUID assigned at creation.
	Name           string
	BaseURL        string
	AccessToken    string
	VerifySSL      bool
	UpdateInterval time.Duration
	Ranges         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UniqueKey derives the duplicate-detection key for an instance from its
// base URL and display name, lowercased with spaces collapsed to underscores.
func (i Instance) UniqueKey() string {
	key := i.BaseURL + "_" + i.Name
	return strings.ToLower(strings.ReplaceAll(key, " ", "_"))
}

// RangesOrDefault returns the configured performance ranges, deduplicated
// in order, or the default range when none are configured.
func (i Instance) RangesOrDefault() []string {
	if len(i.Ranges) == 0 {
		return []string{DefaultRange}
	}

	seen := make(map[string]bool, len(i.Ranges))
	ranges := make([]string, 0, len(i.Ranges))
	for _, r := range i.Ranges {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		return []string{DefaultRange}
	}
	return ranges
}

// IntervalOrDefault returns the configured update interval, falling back to
// the default when unset.
func (i Instance) IntervalOrDefault() time.Duration {
	if i.UpdateInterval <= 0 {
		return DefaultUpdateInterval
	}
	return i.UpdateInterval
}

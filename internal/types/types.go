package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a scan run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is a final state.
// A run in a terminal state never changes status again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusTimeout:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusTimeout:
		return true
	}
	return false
}

// ScanRun is one entry in the scan-run ledger: a single collection pass
// over the configured profiles.
type ScanRun struct {
	ID               string     `json:"id"`
	Status           RunStatus  `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	TargetsTotal     int        `json:"targets_total"`
	TargetsSucceeded int        `json:"targets_succeeded"`
	TargetsFailed    int        `json:"targets_failed"`
	ServicesSeen     int        `json:"services_seen"`
}

// ScanRunUpdate carries a partial update to a scan run. Nil fields are
// left untouched.
type ScanRunUpdate struct {
	Status           *RunStatus
	TargetsSucceeded *int
	TargetsFailed    *int
	ServicesSeen     *int
}

// Target is a distinct observed network endpoint (one row per address).
type Target struct {
	ID            int64     `json:"id"`
	Address       string    `json:"address"`
	ASN           *string   `json:"asn,omitempty"`
	Organization  *string   `json:"organization,omitempty"`
	CountryCode   *string   `json:"country_code,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LastScanRunID string    `json:"last_scan_run_id,omitempty"`
}

// Service is an exposed service observed on a target, identified by
// (target, port, transport).
type Service struct {
	ID          int64     `json:"id"`
	TargetID    int64     `json:"target_id"`
	Port        int       `json:"port"`
	Transport   string    `json:"transport"`
	Product     *string   `json:"product,omitempty"`
	Version     *string   `json:"version,omitempty"`
	CPE         *string   `json:"cpe,omitempty"`
	Vulns       []string  `json:"vulns,omitempty"`
	RiskScore   int       `json:"risk_score"`
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
	ScanRunID   string    `json:"scan_run_id,omitempty"`
}

// Record is one observation parsed from the intelligence API: a service
// banner seen on an address at a point in time. Document holds the
// provider's verbatim JSON for raw archival.
type Record struct {
	Address      string          `json:"address"`
	Port         int             `json:"port"`
	Transport    string          `json:"transport"`
	Product      *string         `json:"product,omitempty"`
	Version      *string         `json:"version,omitempty"`
	CPE          *string         `json:"cpe,omitempty"`
	Vulns        []string        `json:"vulns,omitempty"`
	ASN          *string         `json:"asn,omitempty"`
	Organization *string         `json:"organization,omitempty"`
	CountryCode  *string         `json:"country_code,omitempty"`
	ObservedAt   time.Time       `json:"observed_at"`
	Document     json.RawMessage `json:"-"`
}

// RawRecord is the envelope persisted in the raw record store. Digest is
// the deterministic identity derived from address, port, and observation
// time; resubmitting the same observation overwrites rather than
// duplicates.
type RawRecord struct {
	Digest      string          `json:"digest"`
	Profile     string          `json:"profile"`
	Address     string          `json:"address"`
	Port        int             `json:"port"`
	ObservedAt  time.Time       `json:"observed_at"`
	CollectedAt time.Time       `json:"collected_at"`
	Processed   bool            `json:"processed"`
	Document    json.RawMessage `json:"document"`
}

// Profile is a named search the collector runs each cycle.
type Profile struct {
	Name  string `yaml:"name" json:"name"`
	Query string `yaml:"query" json:"query"`
}

// ProfileStats is the per-profile aggregate row. LastCollectedAt doubles
// as the incremental-collection checkpoint: the newest observation time
// successfully persisted for this profile.
type ProfileStats struct {
	ProfileName     string           `json:"profile_name"`
	TotalCount      int64            `json:"total_count"`
	CountryDist     map[string]int64 `json:"country_dist,omitempty"`
	LastUpdated     time.Time        `json:"last_updated"`
	LastCollectedAt time.Time        `json:"last_collected_at"`
}

// ProfileHistoryEntry is one append-only observation of a profile's
// result count over time.
type ProfileHistoryEntry struct {
	ID          int64     `json:"id"`
	ProfileName string    `json:"profile_name"`
	RecordCount int64     `json:"record_count"`
	ObservedAt  time.Time `json:"observed_at"`
}

// QuotaSnapshot reports remaining API credits, logged once per cycle.
type QuotaSnapshot struct {
	Plan         string `json:"plan"`
	QueryCredits int    `json:"query_credits"`
	ScanCredits  int    `json:"scan_credits"`
}

// DatabaseStats is the aggregate view served by the ops surface and the
// stats subcommand.
type DatabaseStats struct {
	TargetCount      int64               `json:"target_count"`
	ServiceCount     int64               `json:"service_count"`
	HighRiskServices int64               `json:"high_risk_services"`
	RunCounts        map[RunStatus]int64 `json:"run_counts"`
	RecentRuns       []ScanRun           `json:"recent_runs,omitempty"`
	Profiles         []ProfileStats      `json:"profiles,omitempty"`
}

// HealthResponse is served by the ops health endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	TargetCount  int64  `json:"target_count"`
	ServiceCount int64  `json:"service_count"`
	RawRecords   int    `json:"raw_records"`
}

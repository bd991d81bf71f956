package api

import "github.com/Mindburn-Labs/helm-timelock/pkg/contracts"

// Request and response bodies of the timelock HTTP API. The caller principal
// is never part of a body; it comes from the bearer token.

// ConfigResponse is returned by the config routes.
type ConfigResponse struct {
	Executor   contracts.Principal `json:"executor"`
	Announcer  contracts.Principal `json:"announcer"`
	Config     contracts.Config    `json:"config"`
	Configured bool                `json:"configured"`
}

// AnnounceRequest schedules Action for Executor.
type AnnounceRequest struct {
	Executor contracts.Principal `json:"executor"`
	Action   contracts.Action    `json:"action"`
	// ValidityDurationMinutes of 0 takes the configured value.
	ValidityDurationMinutes uint16 `json:"validity_duration_minutes,omitempty"`
}

// AnnounceResponse describes an accepted announcement.
type AnnounceResponse struct {
	Fingerprint             contracts.Fingerprint `json:"fingerprint"`
	ExecTime                uint64                `json:"exec_time"`
	ValidityDurationMinutes uint16                `json:"validity_duration_minutes"`
	Pending                 bool                  `json:"pending"`
}

// FingerprintResponse is returned by the approval, revocation and
// fingerprint routes.
type FingerprintResponse struct {
	Fingerprint contracts.Fingerprint `json:"fingerprint"`
	Version     string                `json:"version,omitempty"`
}

// ActionRequest names an action, and for routes that need it, its executor.
type ActionRequest struct {
	Executor contracts.Principal `json:"executor,omitempty"`
	Action   contracts.Action    `json:"action"`
}

// ExecuteResponse describes a completed execution.
type ExecuteResponse struct {
	Fingerprint   contracts.Fingerprint `json:"fingerprint"`
	Announcer     contracts.Principal   `json:"announcer"`
	DispatchError string                `json:"dispatch_error,omitempty"`
}

// StatusResponse is the derived view of one fingerprint.
type StatusResponse struct {
	Fingerprint  contracts.Fingerprint  `json:"fingerprint"`
	Phase        contracts.Phase        `json:"phase"`
	Now          uint64                 `json:"now"`
	Announcement contracts.Announcement `json:"announcement"`
	ExpiresAt    uint64                 `json:"expires_at,omitempty"`
}

// PruneResponse reports how many dead announcements were removed.
type PruneResponse struct {
	Pruned int `json:"pruned"`
}

// JournalEntry is one hash-chained event.
type JournalEntry struct {
	Sequence     uint64          `json:"sequence"`
	Event        contracts.Event `json:"event"`
	EventHash    string          `json:"event_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// EventsResponse is a page of the event journal.
type EventsResponse struct {
	Head    string         `json:"head"`
	Entries []JournalEntry `json:"entries"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status             string              `json:"status"`
	Module             contracts.Principal `json:"module"`
	FingerprintVersion string              `json:"fingerprint_version"`
}

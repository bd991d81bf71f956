package contracts

import "time"

// EventType names a state change published by the timelock.
type EventType string

const (
	EventConfigSet           EventType = "config.set"
	EventAnnouncementCreated EventType = "announcement.created"
	EventAnnouncementRevoked EventType = "announcement.revoked"
	EventActionExecuted      EventType = "action.executed"
	EventAnnouncementPruned  EventType = "announcement.pruned"
)

// Event is a committed state change. Events are only published after the
// operation that produced them has committed.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Event struct {
	ID          string      `json:"id"`
	Type        EventType   `json:"type"`
	Actor       Principal   `json:"actor"`
	Executor    Principal   `json:"executor,omitempty"`
	Announcer   Principal   `json:"announcer,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Timestamp   time.Time   `json:"timestamp"`

	// Config is set for config.set.
	Config *Config `json:"config,omitempty"`
	// Announcement is set for announcement.created.
	Announcement *Announcement `json:"announcement,omitempty"`
	// Action is set for announcement.created and action.executed when known.
	Action *Action `json:"action,omitempty"`
	// DispatchError is set for action.executed when the dispatch failed but
	// the execution was kept.
	DispatchError string `json:"dispatch_error,omitempty"`
}

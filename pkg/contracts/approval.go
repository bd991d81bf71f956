package contracts

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Config is the policy an executor grants one announcer.
// A zero DelaySeconds means no relationship is configured.
type Config struct {
	DelaySeconds uint64 `json:"delay_seconds"`
	// ValidityDurationMinutes bounds how long an announcement stays executable; 0 is unbounded.
	ValidityDurationMinutes     uint16 `json:"validity_duration_minutes"`
	RequireAnnouncerAtExecution bool   `json:"require_announcer_at_execution"`
	NotifyExecutorOnAnnounce    bool   `json:"notify_executor_on_announce"`
}

// Configured reports whether the config establishes a relationship.
func (c Config) Configured() bool {
	return c.DelaySeconds > 0
}

// Announcement is the scheduled record kept per fingerprint.
type Announcement struct {
	Executor  Principal `json:"executor,omitempty"`
	Announcer Principal `json:"announcer"`
	// ExecTime is the unix second from which the action may run; 0 means absent.
	ExecTime                    uint64 `json:"exec_time"`
	ValidityDurationMinutes     uint16 `json:"validity_duration_minutes"`
	RequireAnnouncerAtExecution bool   `json:"require_announcer_at_execution"`
	Executed                    bool   `json:"executed"`
}

// Exists reports whether the record is present.
func (a Announcement) Exists() bool {
	return a.ExecTime != 0
}

// Live reports whether the record is present and not yet executed.
func (a Announcement) Live() bool {
	return a.Exists() && !a.Executed
}

// Expiry returns the first unix second at which the record can no longer execute.
// ok is false when the validity window is unbounded.
func (a Announcement) Expiry() (uint64, bool) {
	if a.ValidityDurationMinutes == 0 {
		return 0, false
	}
	window := uint64(a.ValidityDurationMinutes) * 60
	if a.ExecTime > math.MaxUint64-window {
		return math.MaxUint64, true
	}
	return a.ExecTime + window, true
}

// Phase is the derived lifecycle position of a fingerprint at a point in time.
type Phase string

const (
	PhaseUnset      Phase = "unset"
	PhaseWaiting    Phase = "waiting"
	PhaseExecutable Phase = "executable"
	PhaseExpired    Phase = "expired"
	PhaseExecuted   Phase = "executed"
)

// PhaseAt derives the phase of a at unix second now.
func (a Announcement) PhaseAt(now uint64) Phase {
	switch {
	case !a.Exists():
		return PhaseUnset
	case a.Executed:
		return PhaseExecuted
	case now < a.ExecTime:
		return PhaseWaiting
	}
	if expiry, ok := a.Expiry(); ok && now >= expiry {
		return PhaseExpired
	}
	return PhaseExecutable
}

// ApprovalRequest carries an announcement awaiting the executor's consent.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ApprovalRequest struct {
	Announcer                   Principal `json:"announcer"`
	Action                      Action    `json:"action"`
	ExecTime                    uint64    `json:"exec_time"`
	ValidityDurationMinutes     uint16    `json:"validity_duration_minutes"`
	RequireAnnouncerAtExecution bool      `json:"require_announcer_at_execution"`
}

// Announcement returns the record the request commits for executor.
func (r ApprovalRequest) Announcement(executor Principal) Announcement {
	return Announcement{
		Executor:                    executor,
		Announcer:                   r.Announcer,
		ExecTime:                    r.ExecTime,
		ValidityDurationMinutes:     r.ValidityDurationMinutes,
		RequireAnnouncerAtExecution: r.RequireAnnouncerAtExecution,
	}
}

// Fingerprint identifies one (executor, action, domain) tuple.
type Fingerprint [32]byte

// ParseFingerprint decodes a 0x-prefixed or bare 64-char hex string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fp, fmt.Errorf("invalid fingerprint: %w", err)
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("invalid fingerprint length %d", len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// Hex returns the 0x-prefixed hex form.
func (f Fingerprint) Hex() string {
	return "0x" + hex.EncodeToString(f[:])
}

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return f.Hex() }

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	v, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

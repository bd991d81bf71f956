package engine

import (
	"context"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// Fingerprint computes the key an action is announced under for executor.
func (e *Engine) Fingerprint(executor contracts.Principal, action contracts.Action) (contracts.Fingerprint, error) {
	return e.fingerprintOf(executor, action)
}

// Announcement returns the stored record for fp, or the zero record.
func (e *Engine) Announcement(ctx context.Context, fp contracts.Fingerprint) (contracts.Announcement, error) {
	var rec contracts.Announcement
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		rec, err = u.tx.GetAnnouncement(ctx, fp)
		return err
	})
	return rec, err
}

// Status is the derived view of a fingerprint at a point in time.
type Status struct {
	Fingerprint  contracts.Fingerprint  `json:"fingerprint"`
	Phase        contracts.Phase        `json:"phase"`
	Now          uint64                 `json:"now"`
	Announcement contracts.Announcement `json:"announcement"`
	// ExpiresAt is 0 for unset records and unbounded windows.
	ExpiresAt uint64 `json:"expires_at,omitempty"`
}

// Status returns the phase of fp at the engine's current time.
func (e *Engine) Status(ctx context.Context, fp contracts.Fingerprint) (Status, error) {
	rec, err := e.Announcement(ctx, fp)
	if err != nil {
		return Status{}, err
	}
	now := e.now()
	st := Status{
		Fingerprint:  fp,
		Phase:        rec.PhaseAt(now),
		Now:          now,
		Announcement: rec,
	}
	if expiry, bounded := rec.Expiry(); bounded && rec.Exists() {
		st.ExpiresAt = expiry
	}
	return st, nil
}

// Prune deletes announcements that can never execute: not executed and past
// their validity window. Executed records are kept so that the same
// fingerprint cannot be announced and run again. It returns the number of
// deleted records.
func (e *Engine) Prune(ctx context.Context) (n int, err error) {
	ctx, finish := e.track(ctx, "prune", e.module, "")
	defer func() { finish(err) }()

	err = e.run(ctx, func(ctx context.Context, u *unit) error {
		now := e.now()
		type dead struct {
			fp  contracts.Fingerprint
			rec contracts.Announcement
		}
		var expired []dead
		err := u.tx.ScanAnnouncements(ctx, func(fp contracts.Fingerprint, rec contracts.Announcement) error {
			if rec.PhaseAt(now) == contracts.PhaseExpired {
				expired = append(expired, dead{fp: fp, rec: rec})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, d := range expired {
			if err := u.tx.DeleteAnnouncement(ctx, d.fp); err != nil {
				return err
			}
			ev := e.newEvent(contracts.EventAnnouncementPruned, e.module)
			ev.Executor = d.rec.Executor
			ev.Announcer = d.rec.Announcer
			ev.Fingerprint = d.fp
			u.emit(ev)
		}
		n = len(expired)
		if n > 0 {
			e.logger.InfoContext(ctx, "pruned expired announcements", "count", n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

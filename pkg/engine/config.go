package engine

import (
	"context"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// SetConfig records the policy the calling executor grants announcer. It
// overwrites any previous config; a zero DelaySeconds removes the
// relationship. Existing announcements keep the values they were created
// with.
func (e *Engine) SetConfig(ctx context.Context, caller, announcer contracts.Principal, cfg contracts.Config) (err error) {
	ctx, finish := e.track(ctx, "set_config", caller, caller)
	defer func() { finish(err) }()

	if caller.IsZero() || announcer.IsZero() {
		return invalid("executor and announcer are required")
	}

	return e.run(ctx, func(ctx context.Context, u *unit) error {
		if err := u.tx.PutConfig(ctx, caller, announcer, cfg); err != nil {
			return err
		}

		ev := e.newEvent(contracts.EventConfigSet, caller)
		ev.Executor = caller
		ev.Announcer = announcer
		c := cfg
		ev.Config = &c
		u.emit(ev)

		e.logger.InfoContext(ctx, "config set",
			"executor", caller, "announcer", announcer,
			"delay_seconds", cfg.DelaySeconds, "validity_minutes", cfg.ValidityDurationMinutes)
		return nil
	})
}

// GetConfig returns the config executor granted announcer, or the zero
// Config when none is set.
func (e *Engine) GetConfig(ctx context.Context, executor, announcer contracts.Principal) (contracts.Config, error) {
	var cfg contracts.Config
	err := e.run(ctx, func(ctx context.Context, u *unit) error {
		var err error
		cfg, err = u.tx.GetConfig(ctx, executor, announcer)
		return err
	})
	return cfg, err
}

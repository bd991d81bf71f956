package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/fingerprint"
)

// Executor collaborator modes.
const (
	ModeLoopback = "loopback"
	ModeWebhook  = "webhook"
)

// Deployment describes one timelock instance: its fingerprint domain, the
// executors it can reach, and the policies they grant at startup.
type Deployment struct {
	// Requires is a semver constraint the binary version must satisfy.
	Requires  string             `yaml:"requires,omitempty"`
	Domain    fingerprint.Domain `yaml:"domain"`
	Executors []ExecutorSpec     `yaml:"executors"`
}

// ExecutorSpec wires one executor principal.
type ExecutorSpec struct {
	ID   contracts.Principal `yaml:"id"`
	Mode string              `yaml:"mode"`

	WebhookURL     string        `yaml:"webhook_url,omitempty"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout,omitempty"`
	// WebhookSecret is sent as X-Executor-Secret. Values of the form
	// ${VAR} are read from the environment.
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
	// BreakerThreshold consecutive webhook failures open the circuit for
	// BreakerCooldown. Zero values take the executor defaults.
	BreakerThreshold int           `yaml:"breaker_threshold,omitempty"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown,omitempty"`

	// AllowAnnouncers restricts which announcers a loopback executor
	// approves. Empty approves every configured announcer.
	AllowAnnouncers []contracts.Principal `yaml:"allow_announcers,omitempty"`
	// ApprovalPolicy is a CEL expression a loopback executor evaluates
	// before approving an announcement.
	ApprovalPolicy string `yaml:"approval_policy,omitempty"`

	Configs []BootstrapConfig `yaml:"configs,omitempty"`
}

// BootstrapConfig is a policy the executor grants announcer at startup.
type BootstrapConfig struct {
	Announcer                   contracts.Principal `yaml:"announcer"`
	DelaySeconds                uint64              `yaml:"delay_seconds"`
	ValidityDurationMinutes     uint16              `yaml:"validity_duration_minutes"`
	RequireAnnouncerAtExecution bool                `yaml:"require_announcer_at_execution"`
	NotifyExecutorOnAnnounce    bool                `yaml:"notify_executor_on_announce"`
}

// Config returns the contract form of b.
func (b BootstrapConfig) Config() contracts.Config {
	return contracts.Config{
		DelaySeconds:                b.DelaySeconds,
		ValidityDurationMinutes:     b.ValidityDurationMinutes,
		RequireAnnouncerAtExecution: b.RequireAnnouncerAtExecution,
		NotifyExecutorOnAnnounce:    b.NotifyExecutorOnAnnounce,
	}
}

// LoadDeployment reads a deployment file.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	return ParseDeployment(data)
}

// ParseDeployment checks a deployment document against its schema, then
// decodes and validates it.
func ParseDeployment(data []byte) (*Deployment, error) {
	if err := validateDeploymentDocument(data); err != nil {
		return nil, err
	}
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment: %w", err)
	}
	for i := range d.Executors {
		d.Executors[i].WebhookSecret = os.ExpandEnv(d.Executors[i].WebhookSecret)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks executor wiring.
func (d *Deployment) Validate() error {
	seen := make(map[contracts.Principal]bool, len(d.Executors))
	for _, ex := range d.Executors {
		if ex.ID.IsZero() {
			return fmt.Errorf("deployment: executor id is required")
		}
		if seen[ex.ID] {
			return fmt.Errorf("deployment: executor %s declared twice", ex.ID)
		}
		seen[ex.ID] = true

		switch ex.Mode {
		case "", ModeLoopback:
		case ModeWebhook:
			if ex.WebhookURL == "" {
				return fmt.Errorf("deployment: executor %s needs a webhook_url", ex.ID)
			}
		default:
			return fmt.Errorf("deployment: executor %s has unknown mode %q", ex.ID, ex.Mode)
		}

		for _, c := range ex.Configs {
			if c.Announcer.IsZero() {
				return fmt.Errorf("deployment: executor %s has a config without announcer", ex.ID)
			}
		}
	}
	return nil
}

// defaultWebhookTimeout matches the webhook executor's default.
const defaultWebhookTimeout = 10 * time.Second

// CheckDispatchBound fails when a webhook may outlive lease, the longest a
// store unit can hold a shared lock while the dispatch runs.
func (d *Deployment) CheckDispatchBound(lease time.Duration) error {
	for _, ex := range d.Executors {
		if ex.Mode != ModeWebhook {
			continue
		}
		timeout := ex.WebhookTimeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		if timeout >= lease {
			return fmt.Errorf("deployment: executor %s webhook_timeout %s must be shorter than the store lease %s", ex.ID, timeout, lease)
		}
	}
	return nil
}

// ResolveDomain fills empty domain fields from the environment config.
func (d *Deployment) ResolveDomain(cfg *Config) fingerprint.Domain {
	dom := d.Domain
	if dom.ChainContext == "" {
		dom.ChainContext = cfg.ChainContext
	}
	if dom.Module.IsZero() {
		dom.Module = contracts.Principal(cfg.ModuleID)
	}
	return dom
}

// Package config loads and validates the layered policy configuration:
// market defaults, tenant overrides, hook rules and temporal rules.
// Loaded configuration is immutable; live updates go through SnapshotStore.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Step-up levels, ordered by strength.
const (
	StepUpNone   = "none"
	StepUpBasic  = "basic"
	StepUpStrong = "strong"
)

// StepUpRank maps a step-up level to its strength for max-of-layers
// merging. Unknown levels rank as strong so a typo never weakens policy.
func StepUpRank(level string) int {
	switch level {
	case StepUpNone, "":
		return 0
	case StepUpBasic:
		return 1
	case StepUpStrong:
		return 2
	default:
		return 2
	}
}

// Duration wraps time.Duration so YAML documents can use "30m" style
// values. Plain integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full policy configuration document.
type Config struct {
	Version    string               `yaml:"version"`
	Markets    map[string]MarketDoc `yaml:"markets"`
	Tenants    map[string]Overlay   `yaml:"tenants,omitempty"`
	Hooks      map[string]HookDoc   `yaml:"hooks,omitempty"`
	Temporal   []TemporalRule       `yaml:"temporal,omitempty"`
	Compliance map[string][]string  `yaml:"compliance,omitempty"`
}

// MarketDoc is the mandatory baseline layer for one market. Every field
// is concrete; lower layers may only tighten what it mandates.
type MarketDoc struct {
	StepUpLevel      string   `yaml:"step_up_level"`
	ApprovalRequired bool     `yaml:"approval_required"`
	DualApproval     bool     `yaml:"dual_approval"`
	MaxDuration      Duration `yaml:"max_duration"`
	DefaultDuration  Duration `yaml:"default_duration"`
	ApproverRoles    []string `yaml:"approver_roles,omitempty"`
	EmergencyAllowed bool     `yaml:"emergency_allowed"`
	EmergencyRoles   []string `yaml:"emergency_roles,omitempty"`
	AuditRetention   Duration `yaml:"audit_retention"`
	StepUpTimeout    Duration `yaml:"step_up_timeout,omitempty"`
	DecisionWindow   Duration `yaml:"decision_window,omitempty"`
}

// Overlay is a partial policy layer. Nil fields inherit from the layer
// below; set fields participate in the strictness merge.
type Overlay struct {
	StepUpLevel      *string   `yaml:"step_up_level,omitempty"`
	ApprovalRequired *bool     `yaml:"approval_required,omitempty"`
	DualApproval     *bool     `yaml:"dual_approval,omitempty"`
	MaxDuration      *Duration `yaml:"max_duration,omitempty"`
	DefaultDuration  *Duration `yaml:"default_duration,omitempty"`
	ApproverRoles    []string  `yaml:"approver_roles,omitempty"`
	EmergencyAllowed *bool     `yaml:"emergency_allowed,omitempty"`
	DecisionWindow   *Duration `yaml:"decision_window,omitempty"`
	StepUpTimeout    *Duration `yaml:"step_up_timeout,omitempty"`
}

// HookDoc is the hook-specific layer: an overlay for the hook as a
// whole plus optional per-command overlays.
type HookDoc struct {
	Overlay  `yaml:",inline"`
	Commands map[string]Overlay `yaml:"commands,omitempty"`
}

// TemporalRule applies an overlay only while its window is active.
type TemporalRule struct {
	Name    string   `yaml:"name"`
	Markets []string `yaml:"markets,omitempty"` // empty means all markets
	Window  Window   `yaml:"window"`
	Overlay Overlay  `yaml:"overlay"`
}

// AppliesTo reports whether the rule covers the given market.
func (t TemporalRule) AppliesTo(market string) bool {
	if len(t.Markets) == 0 {
		return true
	}
	for _, m := range t.Markets {
		if m == market {
			return true
		}
	}
	return false
}

// Window describes when a temporal rule is active. Weekday/hour ranges
// cover business hours and maintenance windows; Dates cover holidays.
type Window struct {
	Weekdays  []string `yaml:"weekdays,omitempty"` // "monday".."sunday"
	StartHour int      `yaml:"start_hour,omitempty"`
	EndHour   int      `yaml:"end_hour,omitempty"` // exclusive; 0 means 24
	Dates     []string `yaml:"dates,omitempty"`    // "2006-01-02"
}

// Active reports whether the window covers the given instant.
func (w Window) Active(now time.Time) bool {
	for _, d := range w.Dates {
		if now.Format("2006-01-02") == d {
			return true
		}
	}
	if len(w.Weekdays) == 0 && w.StartHour == 0 && w.EndHour == 0 {
		// A window with no weekday or hour bounds is date-only.
		return false
	}
	if len(w.Weekdays) > 0 && !w.matchesWeekday(now.Weekday()) {
		return false
	}
	end := w.EndHour
	if end == 0 {
		end = 24
	}
	hour := now.Hour()
	return hour >= w.StartHour && hour < end
}

func (w Window) matchesWeekday(day time.Weekday) bool {
	for _, name := range w.Weekdays {
		if wd, ok := weekdays[name]; ok && wd == day {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Load reads and validates a policy configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional operator input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates policy configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	for code, m := range c.Markets {
		if err := m.validate(); err != nil {
			return fmt.Errorf("market %s: %w", code, err)
		}
	}
	for i, rule := range c.Temporal {
		if rule.Name == "" {
			return fmt.Errorf("temporal rule %d: name is required", i)
		}
		if rule.Window.StartHour < 0 || rule.Window.StartHour > 23 {
			return fmt.Errorf("temporal rule %s: start_hour out of range", rule.Name)
		}
		if rule.Window.EndHour < 0 || rule.Window.EndHour > 24 {
			return fmt.Errorf("temporal rule %s: end_hour out of range", rule.Name)
		}
	}
	return nil
}

func (m MarketDoc) validate() error {
	switch m.StepUpLevel {
	case StepUpNone, StepUpBasic, StepUpStrong:
	default:
		return fmt.Errorf("unknown step_up_level %q", m.StepUpLevel)
	}
	if m.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive")
	}
	if m.DefaultDuration < 0 || m.DefaultDuration > m.MaxDuration {
		return fmt.Errorf("default_duration must be within [0, max_duration]")
	}
	if m.DualApproval && !m.ApprovalRequired {
		return fmt.Errorf("dual_approval requires approval_required")
	}
	if m.ApprovalRequired && len(m.ApproverRoles) == 0 {
		return fmt.Errorf("approval_required needs approver_roles")
	}
	if m.EmergencyAllowed && len(m.EmergencyRoles) == 0 {
		return fmt.Errorf("emergency_allowed needs emergency_roles")
	}
	if m.AuditRetention <= 0 {
		return fmt.Errorf("audit_retention must be positive")
	}
	return nil
}

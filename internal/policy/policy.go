// Package policy loads the operational policy: SLA windows, checklist
// templates, approval rules, role routing, escalation chain and the static
// notification directory.
package policy

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

// IncidentTypes are the incident types every role map must cover.
var IncidentTypes = []string{"safety", "driver", "vehicle", "financial", "system"}

// Approval decides which incidents need sign-off before closure.
type Approval struct {
	Severities []sla.Severity `yaml:"severities"`
	Types      []string       `yaml:"types"`
}

// Required reports whether an incident of typ and sev needs approval.
func (a Approval) Required(typ string, sev sla.Severity) bool {
	return slices.Contains(a.Severities, sev) || slices.Contains(a.Types, typ)
}

// Roles maps records to the role that owns them.
type Roles struct {
	Incident      map[string]string `yaml:"incident"`
	AlertOperator string            `yaml:"alert_operator"`
}

// Escalation configures the role chain walked after repeated unacknowledged re-alerts.
type Escalation struct {
	Chain            []string `yaml:"chain"`
	ReAlertThreshold int      `yaml:"realert_threshold"`
}

// Channels selects delivery channels per audience.
type Channels struct {
	Contacts []string `yaml:"contacts"`
	Roles    []string `yaml:"roles"`
	External []string `yaml:"external"`
}

// Alerts holds SOS-specific rules.
type Alerts struct {
	ExternalServiceMinSeverity int `yaml:"external_service_min_severity"`
}

// Policy is the full operational policy.
type Policy struct {
	SLA        sla.Policy             `yaml:"sla"`
	Checklists checklist.Set          `yaml:"checklists"`
	Approval   Approval               `yaml:"approval"`
	Roles      Roles                  `yaml:"roles"`
	Escalation Escalation             `yaml:"escalation"`
	Channels   Channels               `yaml:"channels"`
	Alerts     Alerts                 `yaml:"alerts"`
	Directory  notify.StaticDirectory `yaml:"directory"`
}

// Default returns the built-in policy.
func Default() *Policy {
	return &Policy{
		SLA:        sla.DefaultPolicy(),
		Checklists: checklist.DefaultSet(),
		Approval: Approval{
			Severities: []sla.Severity{sla.SeverityCritical},
			Types:      []string{"financial"},
		},
		Roles: Roles{
			Incident: map[string]string{
				"safety":    "safety",
				"driver":    "driver-ops",
				"vehicle":   "fleet-ops",
				"financial": "finance",
				"system":    "engineering",
			},
			AlertOperator: "safety",
		},
		Escalation: Escalation{
			Chain:            []string{"supervisor"},
			ReAlertThreshold: 1,
		},
		Channels: Channels{
			Contacts: []string{notify.ChannelSMS, notify.ChannelVoice},
			Roles:    []string{notify.ChannelPush, notify.ChannelAPNs, notify.ChannelSMS, notify.ChannelSlack},
			External: []string{notify.ChannelSNS, notify.ChannelVoice},
		},
		Alerts: Alerts{ExternalServiceMinSeverity: 10},
		Directory: notify.StaticDirectory{
			Roles:    map[string][]notify.Recipient{},
			Contacts: map[string][]notify.Recipient{},
			External: map[string][]notify.Recipient{},
		},
	}
}

// Load reads a YAML policy file and overlays it on the defaults. An empty
// path returns the defaults.
func Load(path string) (*Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if err := p.Overlay(raw); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Overlay decodes YAML and replaces every section the document sets.
// Map sections merge per key; lists and scalars replace.
func (p *Policy) Overlay(raw []byte) error {
	var f Policy
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}

	for sev, w := range f.SLA {
		p.SLA[sev] = w
	}
	for key, t := range f.Checklists {
		if t.Key == "" {
			t.Key = key
		}
		p.Checklists[key] = t
	}
	if f.Approval.Severities != nil {
		p.Approval.Severities = f.Approval.Severities
	}
	if f.Approval.Types != nil {
		p.Approval.Types = f.Approval.Types
	}
	for typ, role := range f.Roles.Incident {
		p.Roles.Incident[typ] = role
	}
	if f.Roles.AlertOperator != "" {
		p.Roles.AlertOperator = f.Roles.AlertOperator
	}
	if len(f.Escalation.Chain) > 0 {
		p.Escalation.Chain = f.Escalation.Chain
	}
	if f.Escalation.ReAlertThreshold != 0 {
		p.Escalation.ReAlertThreshold = f.Escalation.ReAlertThreshold
	}
	if f.Channels.Contacts != nil {
		p.Channels.Contacts = f.Channels.Contacts
	}
	if f.Channels.Roles != nil {
		p.Channels.Roles = f.Channels.Roles
	}
	if f.Channels.External != nil {
		p.Channels.External = f.Channels.External
	}
	if f.Alerts.ExternalServiceMinSeverity != 0 {
		p.Alerts.ExternalServiceMinSeverity = f.Alerts.ExternalServiceMinSeverity
	}
	for k, v := range f.Directory.Roles {
		p.Directory.Roles[k] = v
	}
	for k, v := range f.Directory.Contacts {
		p.Directory.Contacts[k] = v
	}
	for k, v := range f.Directory.External {
		p.Directory.External[k] = v
	}
	return nil
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	var errs []error

	if err := p.SLA.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Checklists.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, sev := range p.Approval.Severities {
		if !sev.Valid() {
			errs = append(errs, fmt.Errorf("approval: unknown severity %q", sev))
		}
	}
	for _, typ := range IncidentTypes {
		if p.Roles.Incident[typ] == "" {
			errs = append(errs, fmt.Errorf("roles: no role for incident type %q", typ))
		}
	}
	if p.Roles.AlertOperator == "" {
		errs = append(errs, errors.New("roles: alert_operator is required"))
	}
	if len(p.Escalation.Chain) == 0 {
		errs = append(errs, errors.New("escalation: chain must name at least one role"))
	}
	if p.Escalation.ReAlertThreshold < 1 {
		errs = append(errs, fmt.Errorf("escalation: realert_threshold %d must be >= 1", p.Escalation.ReAlertThreshold))
	}
	for audience, chans := range map[string][]string{
		"contacts": p.Channels.Contacts,
		"roles":    p.Channels.Roles,
		"external": p.Channels.External,
	} {
		for _, ch := range chans {
			if !slices.Contains(notify.KnownChannels, ch) {
				errs = append(errs, fmt.Errorf("channels.%s: unknown channel %q", audience, ch))
			}
		}
	}
	if n := p.Alerts.ExternalServiceMinSeverity; n < 1 || n > 10 {
		errs = append(errs, fmt.Errorf("alerts: external_service_min_severity %d must be 1..10", n))
	}

	return errors.Join(errs...)
}

// IncidentRole returns the owning role for an incident type.
func (p *Policy) IncidentRole(typ string) string {
	return p.Roles.Incident[typ]
}

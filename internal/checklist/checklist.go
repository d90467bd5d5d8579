// Package checklist holds the closure checklist templates and the pure
// gating rules applied before an incident may be closed.
package checklist

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MinNotesLength is the minimum closure notes length in characters.
const MinNotesLength = 20

var (
	ErrItemNotFound         = errors.New("checklist item not found")
	ErrCompletionIncomplete = errors.New("required checklist items are incomplete")
	ErrMissingReason        = errors.New("closure reason is required")
	ErrNotesTooShort        = fmt.Errorf("closure notes must be at least %d characters", MinNotesLength)
)

// Template keys.
const (
	KeySafetyCritical = "safety-critical"
	KeySafetyHigh     = "safety-high"
	KeyDriver         = "driver"
	KeyVehicle        = "vehicle"
	KeyFinancial      = "financial"
	KeySystem         = "system"
)

// ItemSpec is one line of a template.
type ItemSpec struct {
	ID       string `yaml:"id" json:"id"`
	Label    string `yaml:"label" json:"label"`
	Required bool   `yaml:"required" json:"required"`
}

// Template is the ordered item list realized for a class of incident.
type Template struct {
	Key   string     `yaml:"key" json:"key"`
	Items []ItemSpec `yaml:"items" json:"items"`
}

// Item is a realized checklist entry attached to an incident.
type Item struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Required    bool       `json:"required"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
}

// Validate checks template shape: 13..19 unique items, a majority required.
func (t Template) Validate() error {
	n := len(t.Items)
	if n < 13 || n > 19 {
		return fmt.Errorf("template %q: %d items (must be 13..19)", t.Key, n)
	}
	seen := make(map[string]struct{}, n)
	required := 0
	for _, it := range t.Items {
		if it.ID == "" || it.Label == "" {
			return fmt.Errorf("template %q: item id and label are required", t.Key)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("template %q: duplicate item %q", t.Key, it.ID)
		}
		seen[it.ID] = struct{}{}
		if it.Required {
			required++
		}
	}
	if required*2 <= n {
		return fmt.Errorf("template %q: %d of %d items required (must be a majority)", t.Key, required, n)
	}
	return nil
}

// Instantiate realizes a fresh, uncompleted item list from the template.
func (t Template) Instantiate() []Item {
	items := make([]Item, len(t.Items))
	for i, tpl := range t.Items {
		items[i] = Item{ID: tpl.ID, Label: tpl.Label, Required: tpl.Required}
	}
	return items
}

// Set resolves templates by key.
type Set map[string]Template

// KeyFor returns the template key for an incident type and severity.
// Critical safety incidents get the extended safety list; every other safety
// severity uses the high list.
func KeyFor(incidentType, severity string) string {
	if incidentType == "safety" {
		if severity == "critical" {
			return KeySafetyCritical
		}
		return KeySafetyHigh
	}
	return incidentType
}

// For returns the template for the incident type and severity.
func (s Set) For(incidentType, severity string) (Template, bool) {
	t, ok := s[KeyFor(incidentType, severity)]
	return t, ok
}

// Validate checks every template and that all standard keys are present.
func (s Set) Validate() error {
	var errs []error
	for _, key := range []string{KeySafetyCritical, KeySafetyHigh, KeyDriver, KeyVehicle, KeyFinancial, KeySystem} {
		if _, ok := s[key]; !ok {
			errs = append(errs, fmt.Errorf("missing checklist template %q", key))
		}
	}
	for key, t := range s {
		if t.Key != key {
			errs = append(errs, fmt.Errorf("template registered as %q has key %q", key, t.Key))
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Toggle flips the completion flag of the item with the given id.
func Toggle(items []Item, itemID, actor string, now time.Time) (Item, error) {
	for i := range items {
		if items[i].ID != itemID {
			continue
		}
		it := &items[i]
		it.Completed = !it.Completed
		if it.Completed {
			at := now
			it.CompletedAt = &at
			it.CompletedBy = actor
		} else {
			it.CompletedAt = nil
			it.CompletedBy = ""
		}
		return *it, nil
	}
	return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

// Progress counts completed items overall and among required items.
type Progress struct {
	Total             int `json:"total"`
	Completed         int `json:"completed"`
	Required          int `json:"required"`
	RequiredCompleted int `json:"requiredCompleted"`
}

// Summarize returns the completion progress for items.
func Summarize(items []Item) Progress {
	var p Progress
	for _, it := range items {
		p.Total++
		if it.Completed {
			p.Completed++
		}
		if it.Required {
			p.Required++
			if it.Completed {
				p.RequiredCompleted++
			}
		}
	}
	return p
}

// Validate reports every unmet closure condition. The returned error matches
// each of ErrCompletionIncomplete, ErrMissingReason and ErrNotesTooShort that
// applies. A nil or empty item list never satisfies completion.
func Validate(items []Item, reason, notes string) error {
	var errs []error

	p := Summarize(items)
	if p.Total == 0 || p.RequiredCompleted < p.Required {
		errs = append(errs, fmt.Errorf("%w (%d of %d)", ErrCompletionIncomplete, p.RequiredCompleted, p.Required))
	}
	if strings.TrimSpace(reason) == "" {
		errs = append(errs, ErrMissingReason)
	}
	if utf8.RuneCountInString(strings.TrimSpace(notes)) < MinNotesLength {
		errs = append(errs, ErrNotesTooShort)
	}
	return errors.Join(errs...)
}

// CanClose reports whether Validate would succeed.
func CanClose(items []Item, reason, notes string) bool {
	return Validate(items, reason, notes) == nil
}

// Clone returns a deep copy of items.
func Clone(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it
		if it.CompletedAt != nil {
			at := *it.CompletedAt
			out[i].CompletedAt = &at
		}
	}
	return out
}

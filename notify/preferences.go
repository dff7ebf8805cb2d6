// Package notify decides who gets notified, persists notifications and
// delivers the outbound side channels (email and webhooks).
package notify

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Email digest modes.
const (
	DigestOff     = "off"
	DigestInstant = "instant"
	DigestDaily   = "daily"
)

// Preferences are stored per user. Every notification type is enabled unless
// a category flag turns it off.
type Preferences struct {
	SelfNotifications bool
	DesktopEnabled    bool
	MutedProjects     []string
	EmailEnabled      bool
	EmailDigest       string
	// Categories holds per-type switches, e.g. "task_moved": false.
	Categories map[string]bool
}

// Defaults returns the preferences of a user that never changed them.
func Defaults() Preferences {
	return Preferences{DesktopEnabled: true, EmailDigest: DigestOff, Categories: map[string]bool{}}
}

// Allows reports whether notifications of typ are enabled.
func (p Preferences) Allows(typ string) bool {
	on, ok := p.Categories[typ]
	return !ok || on
}

// Muted reports whether projectID is muted.
func (p Preferences) Muted(projectID string) bool {
	if projectID == "" {
		return false
	}
	for _, id := range p.MutedProjects {
		if id == projectID {
			return true
		}
	}
	return false
}

// InstantEmail reports whether every notification is also emailed.
func (p Preferences) InstantEmail() bool {
	return p.EmailEnabled && p.EmailDigest == DigestInstant
}

type prefsJSON struct {
	SelfNotifications *bool    `json:"self_notifications,omitempty"`
	DesktopEnabled    *bool    `json:"desktop_enabled,omitempty"`
	MutedProjects     []string `json:"muted_projects,omitempty"`
	EmailEnabled      *bool    `json:"email_enabled,omitempty"`
	EmailDigest       string   `json:"email_digest,omitempty"`
}

var knownKeys = map[string]bool{
	"self_notifications": true,
	"desktop_enabled":    true,
	"muted_projects":     true,
	"email_enabled":      true,
	"email_digest":       true,
}

// ParsePreferences decodes the flat JSON document stored with a user.
// Missing keys keep their defaults.
func ParsePreferences(data []byte) (Preferences, error) {
	p := Defaults()
	if len(data) == 0 {
		return p, nil
	}
	if err := sonic.Unmarshal(data, &p); err != nil {
		return Defaults(), err
	}
	return p, nil
}

func (p *Preferences) UnmarshalJSON(data []byte) error {
	var known prefsJSON
	if err := sonic.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &all); err != nil {
		return err
	}
	if p.Categories == nil {
		p.Categories = map[string]bool{}
	}
	if known.SelfNotifications != nil {
		p.SelfNotifications = *known.SelfNotifications
	}
	if known.DesktopEnabled != nil {
		p.DesktopEnabled = *known.DesktopEnabled
	}
	if known.MutedProjects != nil {
		p.MutedProjects = known.MutedProjects
	}
	if known.EmailEnabled != nil {
		p.EmailEnabled = *known.EmailEnabled
	}
	if known.EmailDigest != "" {
		p.EmailDigest = known.EmailDigest
	}
	for k, v := range all {
		if knownKeys[k] {
			continue
		}
		var on bool
		if err := sonic.Unmarshal(v, &on); err == nil {
			p.Categories[k] = on
		}
	}
	return nil
}

func (p Preferences) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Categories)+5)
	for k, v := range p.Categories {
		out[k] = v
	}
	out["self_notifications"] = p.SelfNotifications
	out["desktop_enabled"] = p.DesktopEnabled
	out["muted_projects"] = p.MutedProjects
	out["email_enabled"] = p.EmailEnabled
	out["email_digest"] = p.EmailDigest
	return sonic.Marshal(out)
}

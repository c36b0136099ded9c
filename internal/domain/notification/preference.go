package notification

import (
	"time"
)

// Frequency is a per-channel delivery cadence declared by the user.
// Anything other than FrequencyImmediate removes the channel from immediate
// dispatch; digest assembly is owned by an external collaborator.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyDisabled  Frequency = "disabled"
)

// ChannelPreference is one user's opt-in state for a single channel.
type ChannelPreference struct {
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`
}

// QuietHours is a daily window during which no channel may be used.
// Start and End are wall-clock times in "15:04" form, interpreted in
// Timezone. A window may wrap midnight (e.g. 22:00 to 07:00).
type QuietHours struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Contains reports whether t falls inside the quiet window.
func (q *QuietHours) Contains(t time.Time) bool {
	if q == nil || q.Start == "" || q.End == "" {
		return false
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	start, err := time.Parse("15:04", q.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", q.End)
	if err != nil {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Window wraps midnight.
	return minutes >= startMin || minutes < endMin
}

// Preference is the per-user channel policy record.
type Preference struct {
	UserID     string                        `json:"userId"`
	TenantID   string                        `json:"organizationId"`
	Channels   map[Channel]ChannelPreference `json:"channels"`
	QuietHours *QuietHours                   `json:"quietHours,omitempty"`
}

// Allows reports whether the user accepts immediate delivery over c at time t.
func (p *Preference) Allows(c Channel, t time.Time) bool {
	if p == nil {
		return true
	}
	if pref, ok := p.Channels[c]; ok {
		if !pref.Enabled || pref.Frequency == FrequencyDisabled {
			return false
		}
		if pref.Frequency != "" && pref.Frequency != FrequencyImmediate {
			return false
		}
	}
	if p.QuietHours.Contains(t) {
		return false
	}
	return true
}

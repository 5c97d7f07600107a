package tflib

import (
	"encoding/json"
	"fmt"
	"time"
)

// Window restricts downloading to a time-of-day range. The zero value (both
// bounds at midnight) means unrestricted. A start after the end wraps past
// midnight, e.g. 22:00-06:00 covers the night hours.
type Window struct {
	StartTime string `json:"startTime"` // "HH:MM"
	EndTime   string `json:"endTime"`
}

// ParseWindow decodes the serialized window setting. An empty string yields an
// unrestricted window.
func ParseWindow(raw string) (Window, error) {
	var w Window
	if raw == "" {
		return w, nil
	}
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Window{}, fmt.Errorf("decode download window: %w", err)
	}
	if _, err := parseClock(w.StartTime); err != nil {
		return Window{}, err
	}
	if _, err := parseClock(w.EndTime); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Open reports whether now falls inside the window.
func (w Window) Open(now time.Time) bool {
	start, err := parseClock(w.StartTime)
	if err != nil {
		return true
	}
	end, err := parseClock(w.EndTime)
	if err != nil {
		return true
	}
	if start == 0 && end == 0 {
		return true
	}
	minute := now.Hour()*60 + now.Minute()
	if start > end {
		return minute > start || minute < end
	}
	return minute > start && minute < end
}

// parseClock converts "HH:MM" to minutes since midnight. Empty means midnight.
func parseClock(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Package schedule gates automation to weekly UTC operating windows.
// Outside a window the loop keeps monitoring but the executor stays idle.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Window is one daily operating period.
type Window struct {
	StartUTC string `json:"startUTC"`
	EndUTC   string `json:"endUTC"`
}

type scheduleFile struct {
	Weekly map[string][]Window `json:"liquidityScheduleUTC"`
}

// Schedule holds parsed weekly windows keyed by weekday name. A nil
// Schedule means no gating: automation is always allowed.
type Schedule struct {
	weekly map[string][]Window
}

// Load reads a weekly schedule file. An empty path returns nil.
func Load(path string) (*Schedule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule: %w", err)
	}
	var file scheduleFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule %s: %w", path, err)
	}
	for day, windows := range file.Weekly {
		for _, w := range windows {
			if _, err := parseMinutes(w.StartUTC); err != nil {
				return nil, fmt.Errorf("schedule %s start: %w", day, err)
			}
			if _, err := parseMinutes(w.EndUTC); err != nil {
				return nil, fmt.Errorf("schedule %s end: %w", day, err)
			}
		}
	}
	return &Schedule{weekly: file.Weekly}, nil
}

// IsWorkTime reports whether automation may act at the given instant.
// A window ending at 23:59 joins a next-day window starting at 00:00.
func (s *Schedule) IsWorkTime(at time.Time) bool {
	if s == nil {
		return true
	}
	at = at.UTC()
	minutes := at.Hour()*60 + at.Minute()

	for _, w := range s.weekly[at.Weekday().String()] {
		start, _ := parseMinutes(w.StartUTC)
		end, _ := parseMinutes(w.EndUTC)
		if minutes >= start && minutes <= end {
			return true
		}
	}
	return false
}

// NextWorkStart returns the next window start at or after the given
// instant, scanning up to a week ahead.
func (s *Schedule) NextWorkStart(at time.Time) (time.Time, bool) {
	if s == nil {
		return at, true
	}
	at = at.UTC()

	for dayOffset := 0; dayOffset < 8; dayOffset++ {
		day := at.AddDate(0, 0, dayOffset)
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		for _, w := range s.weekly[day.Weekday().String()] {
			start, _ := parseMinutes(w.StartUTC)
			startAt := midnight.Add(time.Duration(start) * time.Minute)
			if !startAt.Before(at) {
				return startAt, true
			}
		}
	}
	return time.Time{}, false
}

func parseMinutes(value string) (int, error) {
	var hours, mins int
	if _, err := fmt.Sscanf(value, "%d:%d", &hours, &mins); err != nil {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	if hours < 0 || hours > 23 || mins < 0 || mins > 59 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	return hours*60 + mins, nil
}

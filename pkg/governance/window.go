package governance

import (
	"fmt"
	"strings"
	"time"
)

// ChangeWindow is a recurring period during which change-window playbooks
// may run without special justification.
type ChangeWindow struct {
	Location *time.Location
	// Weekdays the window opens on; empty means every day.
	Weekdays []time.Weekday
	// Start and End are minutes after local midnight. End < Start spans
	// midnight; End == Start covers the whole day.
	Start int
	End   int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseChangeWindow builds a window from its configured form, e.g.
// ("Europe/Berlin", ["mon".."fri"], "09:00", "18:00").
func ParseChangeWindow(timezone string, days []string, start, end string) (*ChangeWindow, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("change window timezone: %w", err)
	}
	w := &ChangeWindow{Location: loc}
	for _, d := range days {
		name := strings.ToLower(strings.TrimSpace(d))
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("change window: unknown weekday %q", d)
		}
		w.Weekdays = append(w.Weekdays, wd)
	}
	if w.Start, err = parseClock(start); err != nil {
		return nil, fmt.Errorf("change window start: %w", err)
	}
	if w.End, err = parseClock(end); err != nil {
		return nil, fmt.Errorf("change window end: %w", err)
	}
	return w, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window. For windows that
// span midnight the weekday is that of the opening evening.
func (w *ChangeWindow) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()

	switch {
	case w.Start == w.End:
		return w.dayAllowed(local.Weekday())
	case w.Start < w.End:
		return m >= w.Start && m < w.End && w.dayAllowed(local.Weekday())
	default:
		if m >= w.Start {
			return w.dayAllowed(local.Weekday())
		}
		if m < w.End {
			return w.dayAllowed(local.AddDate(0, 0, -1).Weekday())
		}
		return false
	}
}

func (w *ChangeWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, wd := range w.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

func (w *ChangeWindow) String() string {
	days := "daily"
	if len(w.Weekdays) > 0 {
		names := make([]string, len(w.Weekdays))
		for i, d := range w.Weekdays {
			names[i] = d.String()[:3]
		}
		days = strings.Join(names, ",")
	}
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d %s", days, w.Start/60, w.Start%60, w.End/60, w.End%60, w.Location)
}

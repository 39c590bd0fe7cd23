package timeops

import (
	"fmt"
	"time"
)

// Compliance window for SMS and voice: [08:00, 21:00) local time. This gate
// is regulatory and cannot be disabled per tenant.
const (
	ComplianceOpenHour  = 8
	ComplianceCloseHour = 21
)

// BusinessHours describes a tenant's outreach windows. Times are "HH:MM" in
// the tenant's local timezone. Always247 bypasses the business-hours gate
// entirely (the compliance gate still applies).
type BusinessHours struct {
	WeekdayStart string `json:"weekday_start"`
	WeekdayEnd   string `json:"weekday_end"`
	WeekendStart string `json:"weekend_start"`
	WeekendEnd   string `json:"weekend_end"`
	Always247    bool   `json:"always_247"`
}

// DefaultBusinessHours is used when a tenant has no profile row.
var DefaultBusinessHours = BusinessHours{
	WeekdayStart: "09:00",
	WeekdayEnd:   "18:00",
	WeekendStart: "10:00",
	WeekendEnd:   "16:00",
}

// LoadLocation resolves an IANA timezone name, falling back to UTC for
// unknown or empty names.
func LoadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LocalNow returns the current instant in the given timezone.
func LocalNow(clock Clock, tz string) time.Time {
	return clock.Now().In(LoadLocation(tz))
}

// parseHHMM parses "HH:MM" into hour and minute components.
func parseHHMM(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("parsing window time %q: %w", s, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("window time %q out of range", s)
	}
	return hour, minute, nil
}

// windowFor returns the open/close times of the business window that applies
// on the given local day.
func (h BusinessHours) windowFor(day time.Time) (open, close time.Time, ok bool) {
	start, end := h.WeekdayStart, h.WeekdayEnd
	if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
		start, end = h.WeekendStart, h.WeekendEnd
	}
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, false
	}

	sh, sm, err := parseHHMM(start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	y, m, d := day.Date()
	open = time.Date(y, m, d, sh, sm, 0, 0, day.Location())
	close = time.Date(y, m, d, eh, em, 0, 0, day.Location())
	return open, close, close.After(open)
}

// InBusinessWindow reports whether the local instant falls inside the
// applicable business window. A 24/7 tenant is always inside.
func (h BusinessHours) InBusinessWindow(local time.Time) bool {
	if h.Always247 {
		return true
	}
	open, close, ok := h.windowFor(local)
	if !ok {
		// Day without a usable window (e.g. weekends disabled): closed.
		return false
	}
	return !local.Before(open) && local.Before(close)
}

// NextBusinessWindow returns the next instant (UTC) at which the business
// window is open, starting from the given instant. If the window is already
// open, the instant itself is returned.
func (h BusinessHours) NextBusinessWindow(from time.Time, tz string) time.Time {
	loc := LoadLocation(tz)
	local := from.In(loc)

	if h.InBusinessWindow(local) {
		return from.UTC()
	}

	// Scan forward day by day. Seven days always contains at least one
	// weekday window; a tenant with no valid windows at all falls back to
	// the compliance open.
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		open, close, ok := h.windowFor(day)
		if !ok {
			continue
		}
		if i == 0 {
			if local.Before(open) {
				return open.UTC()
			}
			if local.Before(close) {
				return from.UTC()
			}
			continue
		}
		return open.UTC()
	}
	return NextComplianceWindow(from, tz)
}

// InComplianceWindow reports whether the local instant falls inside the
// regulatory outreach window.
func InComplianceWindow(local time.Time) bool {
	return local.Hour() >= ComplianceOpenHour && local.Hour() < ComplianceCloseHour
}

// NextComplianceWindow returns the next instant (UTC) at which the regulatory
// window opens, starting from the given instant. If the window is open the
// instant itself is returned.
func NextComplianceWindow(from time.Time, tz string) time.Time {
	loc := LoadLocation(tz)
	local := from.In(loc)

	if InComplianceWindow(local) {
		return from.UTC()
	}

	y, m, d := local.Date()
	open := time.Date(y, m, d, ComplianceOpenHour, 0, 0, 0, loc)
	if !local.Before(open) {
		// Past 21:00 local — next day's 08:00.
		open = open.AddDate(0, 0, 1)
	}
	return open.UTC()
}

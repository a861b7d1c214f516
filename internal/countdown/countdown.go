// Package countdown turns stored dates into the day counts and warranty states shown to users.
// Every function is pure: the caller supplies "today".
package countdown

import "time"

const secondsPerDay = 24 * 60 * 60

// ExpiringSoonDays is the largest number of remaining days still reported as Expiring Soon
const ExpiringSoonDays = 30

// Status is the warranty state shown to users
type Status string

const (
	Active       Status = "Active"
	ExpiringSoon Status = "Expiring Soon"
	Expired      Status = "Expired"
)

// CalendarDays returns the number of calendar days from today until target.
// Each instant is reduced to its calendar date in its own location, so the time of day never matters.
// Stored dates are date-only values; today carries the caller's location.
// The result is negative when target lies in the past.
func CalendarDays(target, today time.Time) int {
	ty, tm, td := target.Date()
	ny, nm, nd := today.Date()

	// Compare as UTC midnights; UTC has no DST so every day is exactly 86400s.
	// Unix seconds, not a Duration: Duration saturates at ~292 years.
	t := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC).Unix()
	n := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC).Unix()
	return int((t - n) / secondsPerDay)
}

// DaysLeft is CalendarDays clamped at zero for display ("already due")
func DaysLeft(target, today time.Time) int {
	return max(0, CalendarDays(target, today))
}

// WarrantyStatus classifies a warranty by its end date
func WarrantyStatus(end, today time.Time) Status {
	days := CalendarDays(end, today)
	switch {
	case days < 0:
		return Expired
	case days <= ExpiringSoonDays:
		return ExpiringSoon
	default:
		return Active
	}
}

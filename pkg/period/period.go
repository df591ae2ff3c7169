package period

import (
	"fmt"
	"time"
)

// Frequency is how often a membership is billed.
type Frequency string

const (
	Monthly  Frequency = "monthly"
	Biannual Frequency = "biannual"
	Annual   Frequency = "annual"
)

// MonthsFor returns the number of months one billing cycle covers.
// Unrecognized frequencies bill monthly.
func MonthsFor(f Frequency) int {
	switch f {
	case Biannual:
		return 6
	case Annual:
		return 12
	default:
		return 1
	}
}

// NextBillingDate returns the date the next cycle starts, one frequency
// interval after current. Month-end days clamp to the last day of the
// target month (Jan 31 monthly bills Feb 28, or Feb 29 in leap years).
func NextBillingDate(current time.Time, f Frequency) time.Time {
	return AddMonthsClamped(current, MonthsFor(f))
}

// AddMonthsClamped adds the given number of months without the day
// overflow of time.AddDate: when the target month is shorter than the
// source day-of-month, the result clamps to the target month's last day.
func AddMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()

	idx := int(month) - 1 + months
	year += idx / 12
	idx %= 12
	if idx < 0 {
		idx += 12
		year--
	}
	target := time.Month(idx + 1)

	if last := daysIn(year, target); day > last {
		day = last
	}
	return time.Date(year, target, day, 0, 0, 0, 0, t.Location())
}

// PeriodEnd returns the last day covered by the period starting at start.
// It always equals NextBillingDate(start, f) minus one day.
func PeriodEnd(start time.Time, f Frequency) time.Time {
	return NextBillingDate(start, f).AddDate(0, 0, -1)
}

// PeriodLabel renders a human-readable label for the billing period
// starting at start: "January 2025" for monthly, "Oct 2025 - Apr 2026"
// for biannual, "2025-2026" for annual. Unknown frequencies render as
// monthly.
func PeriodLabel(start time.Time, f Frequency) string {
	switch f {
	case Biannual:
		return SpanLabel(start, 6)
	case Annual:
		return fmt.Sprintf("%d-%d", start.Year(), start.Year()+1)
	default:
		return start.Format("January 2006")
	}
}

// SpanLabel renders an arbitrary multi-month span as
// "{MonShort} {Year} - {MonShort} {Year}", with the year printed on both
// sides regardless of whether the span crosses a year boundary. A span of
// one month renders like a monthly label, and exactly twelve months like
// an annual one.
func SpanLabel(start time.Time, months int) string {
	switch months {
	case 1:
		return start.Format("January 2006")
	case 12:
		return fmt.Sprintf("%d-%d", start.Year(), start.Year()+1)
	}
	end := AddMonthsClamped(start, months)
	return fmt.Sprintf("%s - %s", start.Format("Jan 2006"), end.Format("Jan 2006"))
}

// TodayIn returns the current calendar date in loc as YYYY-MM-DD.
func TodayIn(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc).Format("2006-01-02")
}

// ParseDateIn parses a YYYY-MM-DD string as midnight in loc. The returned
// date's year, month, and day always equal the input's components, no
// matter what the host's default timezone is.
func ParseDateIn(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateUTC rebuilds t's calendar date as midnight UTC. Dates normalized
// this way compare and subtract as exact 24-hour days regardless of the
// zone they were observed in.
func DateUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthsBetween returns how many whole calendar months separate from and
// to, flooring partial months. Returns 0 when to precedes from.
func MonthsBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	// Allow for clamped anniversaries: Feb 28 still completes a month
	// started on Jan 31.
	if to.Day() < from.Day() && to.Day() != daysIn(to.Year(), to.Month()) {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func daysIn(year int, m time.Month) int {
	// Day 0 of the following month is the last day of m.
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

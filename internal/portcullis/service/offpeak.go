package service

import "time"

// MonthDay is a calendar day without a year.
type MonthDay struct {
	Month time.Month
	Day   int
}

func (md MonthDay) onOrBefore(t time.Time) bool {
	return t.Month() > md.Month || (t.Month() == md.Month && t.Day() >= md.Day)
}

func (md MonthDay) onOrAfter(t time.Time) bool {
	return t.Month() < md.Month || (t.Month() == md.Month && t.Day() <= md.Day)
}

// OffpeakPolicy limits off-peak members on weekdays from CutoffHour
// onwards, except inside the exemption window.
// Weekends are always allowed.
type OffpeakPolicy struct {
	CutoffHour int
	ExemptFrom MonthDay // inclusive
	ExemptTo   MonthDay // inclusive
}

// DefaultOffpeakPolicy denies weekday entry at or after 15:00 outside
// 1 July to 10 August.
func DefaultOffpeakPolicy() OffpeakPolicy {
	return OffpeakPolicy{
		CutoffHour: 15,
		ExemptFrom: MonthDay{time.July, 1},
		ExemptTo:   MonthDay{time.August, 10},
	}
}

// Allows reports whether an off-peak token may enter at local time t.
func (p OffpeakPolicy) Allows(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	if t.Hour() < p.CutoffHour {
		return true
	}
	return p.exempt(t)
}

func (p OffpeakPolicy) exempt(t time.Time) bool {
	return p.ExemptFrom.onOrBefore(t) && p.ExemptTo.onOrAfter(t)
}

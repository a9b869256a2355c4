package domain

import "time"

// WeekStart returns Monday 00:00 of the week containing t in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	y, m, d := local.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
}

// WeekEnd returns Sunday 23:59:59 of the week starting at weekStart.
func WeekEnd(weekStart time.Time) time.Time {
	return NextWeek(weekStart).Add(-time.Second)
}

func NextWeek(weekStart time.Time) time.Time {
	return weekStart.AddDate(0, 0, 7)
}

func IsWeekStart(t time.Time, loc *time.Location) bool {
	return WeekStart(t, loc).Equal(t)
}

func MonthStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, _ := local.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, loc)
}

func NextMonth(monthStart time.Time) time.Time {
	return monthStart.AddDate(0, 1, 0)
}

func IsMonthStart(t time.Time, loc *time.Location) bool {
	return MonthStart(t, loc).Equal(t)
}

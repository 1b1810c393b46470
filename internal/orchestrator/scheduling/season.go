package scheduling

import (
	"time"

	"github.com/pkg/errors"
)

const seasonLayout = "01-02"

// Season returns the season window containing date. start and end are "MM-DD" days and are inclusive; a season
// whose end comes before its start spans the turn of the year. Empty bounds mean the calendar year. February 29 is
// rejected as a bound, since it does not exist in most years.
func Season(date time.Time, start string, end string) (time.Time, time.Time, error) {
	if start == "" {
		start = "01-01"
	}
	if end == "" {
		end = "12-31"
	}
	startDay, err := parseSeasonDay(start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.WithMessage(err, "invalid season start")
	}
	endDay, err := parseSeasonDay(end)
	if err != nil {
		return time.Time{}, time.Time{}, errors.WithMessage(err, "invalid season end")
	}

	date = date.UTC()
	year := date.Year()
	seasonStart := time.Date(year, startDay.Month(), startDay.Day(), 0, 0, 0, 0, time.UTC)
	seasonEnd := time.Date(year, endDay.Month(), endDay.Day(), 0, 0, 0, 0, time.UTC)
	if seasonEnd.Before(seasonStart) {
		if date.Before(seasonStart) {
			seasonStart = seasonStart.AddDate(-1, 0, 0)
		} else {
			seasonEnd = seasonEnd.AddDate(1, 0, 0)
		}
	}
	// End of the last day.
	seasonEnd = seasonEnd.AddDate(0, 0, 1).Add(-time.Nanosecond)
	return seasonStart, seasonEnd, nil
}

func parseSeasonDay(value string) (time.Time, error) {
	day, err := time.Parse(seasonLayout, value)
	if err != nil {
		return time.Time{}, errors.WithStack(err)
	}
	if day.Month() == time.February && day.Day() == 29 {
		return time.Time{}, errors.Errorf("%q is not a day of every year", value)
	}
	return day, nil
}

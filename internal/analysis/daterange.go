package analysis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultRangeMonths is the span between the start month and the derived
// end month.
const DefaultRangeMonths = 6

const dateLayout = "2006-01-02"

// DateInput is the month/year selection made by the user. Zero fields are
// unset.
type DateInput struct {
	StartYear  int `json:"startYear"`
	StartMonth int `json:"startMonth"`
	EndYear    int `json:"endYear"`
	EndMonth   int `json:"endMonth"`
}

// Complete reports whether every field is set.
func (d DateInput) Complete() bool {
	return d.StartYear > 0 && d.StartMonth > 0 && d.EndYear > 0 && d.EndMonth > 0
}

// ParseDateInput builds a DateInput from "YYYY-MM" strings. Empty strings
// leave the corresponding fields unset.
func ParseDateInput(start, end string) (DateInput, error) {
	var in DateInput
	var err error
	if start != "" {
		if in.StartYear, in.StartMonth, err = parseYearMonth(start); err != nil {
			return DateInput{}, err
		}
	}
	if end != "" {
		if in.EndYear, in.EndMonth, err = parseYearMonth(end); err != nil {
			return DateInput{}, err
		}
	}
	return in, nil
}

func parseYearMonth(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 3)
	if len(parts) < 2 {
		return 0, 0, eris.Errorf("analysis: invalid month %q, want YYYY-MM", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, eris.Wrapf(err, "analysis: invalid year in %q", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil || month < 1 || month > 12 {
		return 0, 0, eris.Errorf("analysis: invalid month in %q", s)
	}
	return year, month, nil
}

// DateRange is the inclusive range sent with an analysis request.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// StartDate formats the start as YYYY-MM-DD.
func (r DateRange) StartDate() string { return r.Start.Format(dateLayout) }

// EndDate formats the end as YYYY-MM-DD.
func (r DateRange) EndDate() string { return r.End.Format(dateLayout) }

// Label returns the human-readable range.
func (r DateRange) Label() string {
	return fmt.Sprintf("%s to %s", r.StartDate(), r.EndDate())
}

// DeriveRange returns the range from the first day of the start month to
// the last day of the month `months` later.
func DeriveRange(year int, month time.Month, months int) DateRange {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, month+time.Month(months)+1, 0, 0, 0, 0, 0, time.UTC)
	return DateRange{Start: start, End: end}
}

// Resolve derives the range to send from the user's selection. When the
// selected end month differs from the derived one, warning is non-empty but
// the derived range is still returned.
func Resolve(in DateInput, months int) (DateRange, string, error) {
	if !in.Complete() {
		return DateRange{}, "", ErrNoDateRange
	}
	if in.StartMonth > 12 || in.EndMonth > 12 {
		return DateRange{}, "", ErrNoDateRange
	}
	if months <= 0 {
		months = DefaultRangeMonths
	}

	r := DeriveRange(in.StartYear, time.Month(in.StartMonth), months)

	var warning string
	if r.End.Year() != in.EndYear || int(r.End.Month()) != in.EndMonth {
		warning = fmt.Sprintf("The selected date range is invalid. Please select a range of %d Months", months)
	}
	return r, warning, nil
}

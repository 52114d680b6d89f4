package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveRange(t *testing.T) {
	tests := []struct {
		year   int
		month  time.Month
		months int
		start  string
		end    string
	}{
		{2023, time.January, 6, "2023-01-01", "2023-07-31"},
		{2023, time.August, 6, "2023-08-01", "2024-02-29"},
		{2022, time.September, 6, "2022-09-01", "2023-03-31"},
		{2023, time.March, 3, "2023-03-01", "2023-06-30"},
	}
	for _, tt := range tests {
		r := DeriveRange(tt.year, tt.month, tt.months)
		assert.Equal(t, tt.start, r.StartDate())
		assert.Equal(t, tt.end, r.EndDate())
	}
}

func TestResolveMatchingRange(t *testing.T) {
	r, warning, err := Resolve(DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 7}, 6)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, "2023-01-01 to 2023-07-31", r.Label())
}

func TestResolveMismatchWarnsButDerives(t *testing.T) {
	r, warning, err := Resolve(DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 6}, 6)
	require.NoError(t, err)
	assert.Equal(t, "The selected date range is invalid. Please select a range of 6 Months", warning)
	assert.Equal(t, "2023-07-31", r.EndDate())
}

func TestResolveIncomplete(t *testing.T) {
	for _, in := range []DateInput{
		{},
		{StartYear: 2023, StartMonth: 1},
		{StartYear: 2023, StartMonth: 1, EndYear: 2023},
		{StartYear: 2023, StartMonth: 13, EndYear: 2023, EndMonth: 7},
	} {
		_, _, err := Resolve(in, 6)
		assert.ErrorIs(t, err, ErrNoDateRange, "%+v", in)
	}
}

func TestResolveDefaultsMonths(t *testing.T) {
	r, _, err := Resolve(DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 7}, 0)
	require.NoError(t, err)
	assert.Equal(t, "2023-07-31", r.EndDate())
}

func TestParseDateInput(t *testing.T) {
	in, err := ParseDateInput("2023-01", "2023-06")
	require.NoError(t, err)
	assert.Equal(t, DateInput{StartYear: 2023, StartMonth: 1, EndYear: 2023, EndMonth: 6}, in)
	assert.True(t, in.Complete())

	_, err = ParseDateInput("2023/01", "2023-06")
	assert.Error(t, err)

	_, err = ParseDateInput("2023-00", "2023-06")
	assert.Error(t, err)
}

package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/utility-billing/billing"
)

func TestOverlap_PartialBillAtEndOfPeriod(t *testing.T) {
	// GIVEN: June period, bill Jun 16 - Jul 15
	// WHEN: Resolving the overlap
	// THEN: 15 of 30 bill days fall in June

	res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
		date(2025, time.June, 16), date(2025, time.July, 15))

	require.True(t, ok)
	assert.Equal(t, date(2025, time.June, 16), res.OverlapStart)
	assert.Equal(t, date(2025, time.June, 30), res.OverlapEnd)
	assert.Equal(t, 15, res.OverlapDays)
	assert.Equal(t, 30, res.BillTotalDays)
	assertDecimal(t, "0.5", res.OverlapPercentage)
}

func TestOverlap_BillContainedInPeriod(t *testing.T) {
	res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
		date(2025, time.June, 1), date(2025, time.June, 15))

	require.True(t, ok)
	assert.Equal(t, 15, res.OverlapDays)
	assertDecimal(t, "1", res.OverlapPercentage)
}

func TestOverlap_BillCoversPeriod(t *testing.T) {
	// GIVEN: A 61-day bill spanning the whole of June
	res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
		date(2025, time.May, 16), date(2025, time.July, 15))

	require.True(t, ok)
	assert.Equal(t, 30, res.OverlapDays)
	assert.Equal(t, 61, res.BillTotalDays)
	assert.True(t, res.OverlapPercentage.LessThan(d("1")))
}

func TestOverlap_SingleDayBoundaries(t *testing.T) {
	// GIVEN: Bills touching the period on exactly one day
	// THEN: One overlap day, never zero

	t.Run("bill ends on period start", func(t *testing.T) {
		res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
			date(2025, time.May, 23), date(2025, time.June, 1))
		require.True(t, ok)
		assert.Equal(t, 1, res.OverlapDays)
		assert.Equal(t, 10, res.BillTotalDays)
		assertDecimal(t, "0.1", res.OverlapPercentage)
	})

	t.Run("bill starts on period end", func(t *testing.T) {
		res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
			date(2025, time.June, 30), date(2025, time.July, 29))
		require.True(t, ok)
		assert.Equal(t, 1, res.OverlapDays)
	})

	t.Run("single day bill", func(t *testing.T) {
		res, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30),
			date(2025, time.June, 10), date(2025, time.June, 10))
		require.True(t, ok)
		assert.Equal(t, 1, res.BillTotalDays)
		assertDecimal(t, "1", res.OverlapPercentage)
	})
}

func TestOverlap_Disjoint(t *testing.T) {
	cases := []struct {
		name       string
		start, end billing.Date
	}{
		{"ends day before period", date(2025, time.May, 1), date(2025, time.May, 31)},
		{"starts day after period", date(2025, time.July, 1), date(2025, time.July, 31)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := billing.Overlap(date(2025, time.June, 1), date(2025, time.June, 30), tc.start, tc.end)
			assert.False(t, ok)
		})
	}
}

func TestOverlap_IffAndBounds(t *testing.T) {
	// GIVEN: Every bill window within a 90-day span against June
	// THEN: An overlap exists iff billEnd >= periodStart && billStart <= periodEnd,
	//       and 1 <= overlapDays <= min(periodDays, billDays)

	period := june2025()
	origin := date(2025, time.May, 1)
	for i := 0; i < 90; i += 3 {
		for length := 0; length < 45; length += 4 {
			bs := origin.AddDays(i)
			be := bs.AddDays(length)

			res, ok := billing.Overlap(period.Start, period.End, bs, be)
			want := !be.Before(period.Start) && !bs.After(period.End)
			require.Equal(t, want, ok, "bill %s..%s", bs, be)
			if !ok {
				continue
			}
			assert.GreaterOrEqual(t, res.OverlapDays, 1)
			assert.LessOrEqual(t, res.OverlapDays, period.Days())
			assert.LessOrEqual(t, res.OverlapDays, billing.InclusiveDays(bs, be))
			assert.True(t, res.OverlapPercentage.IsPositive())
			assert.True(t, res.OverlapPercentage.LessThanOrEqual(d("1")))
		}
	}
}

func TestPeriod_Days(t *testing.T) {
	assert.Equal(t, 30, june2025().Days())
	assert.Equal(t, 1, billing.Period{Start: date(2025, time.June, 1), End: date(2025, time.June, 1)}.Days())
	assert.True(t, june2025().Contains(date(2025, time.June, 30)))
	assert.False(t, june2025().Contains(date(2025, time.July, 1)))
}

func TestParseDate(t *testing.T) {
	got, err := billing.ParseDate("2025-06-16")
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 16), got)

	got, err = billing.ParseDate("2025-06-16T23:10:00Z")
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 16), got)

	_, err = billing.ParseDate("16/06/2025")
	assert.Error(t, err)
}

func TestParseDate_KeepsCalendarDayOfOffset(t *testing.T) {
	// GIVEN: A late-evening timestamp west of UTC, already July in UTC
	// THEN: The bill date is the local calendar day

	got, err := billing.ParseDate("2025-06-30T23:00:00-05:00")
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 30), got)

	got, err = billing.ParseDate("2025-07-01T01:30:00+09:00")
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.July, 1), got)
}

func TestDaysBetween_FarApartDates(t *testing.T) {
	// GIVEN: A garbage extraction date at year one
	// THEN: Day counts stay exact instead of saturating

	first := date(1, time.January, 1)
	june := date(2025, time.June, 1)

	assert.Equal(t, 739402, billing.DaysBetween(first, june))
	assert.Equal(t, -739402, billing.DaysBetween(june, first))
	assert.Equal(t, 739403, billing.InclusiveDays(first, june))
	assert.Equal(t, 29, billing.DaysBetween(june, date(2025, time.June, 30)))
}

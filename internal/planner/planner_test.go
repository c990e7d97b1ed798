package planner

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestSplitSixtyFiveDayWindow(t *testing.T) {
	t.Parallel()

	start := date(t, "2025-01-01")
	w := Window{Start: start, End: start.AddDate(0, 0, 64)}

	batches := Split(w, DefaultBatchDays)
	require.Len(t, batches, 3)
	require.Equal(t, []int{31, 31, 3}, []int{batches[0].Days(), batches[1].Days(), batches[2].Days()})
	require.Equal(t, w.Start, batches[0].Start)
	require.Equal(t, w.End, batches[2].End)

	for i := 1; i < len(batches); i++ {
		require.Equal(t, batches[i-1].End.AddDate(0, 0, 1), batches[i].Start, "gap or overlap before batch %d", i)
	}
	for _, b := range batches {
		require.LessOrEqual(t, b.Days(), DefaultBatchDays)
	}
}

func TestSplitEdgeCases(t *testing.T) {
	t.Parallel()

	day := date(t, "2025-03-10")

	require.Empty(t, Split(Window{Start: day.AddDate(0, 0, 1), End: day}, DefaultBatchDays))

	single := Split(Window{Start: day, End: day}, DefaultBatchDays)
	require.Len(t, single, 1)
	require.Equal(t, 1, single[0].Days())

	exact := Split(Window{Start: day, End: day.AddDate(0, 0, 30)}, DefaultBatchDays)
	require.Len(t, exact, 1)
	require.Equal(t, 31, exact[0].Days())

	// One day past a full batch must not be dropped.
	spill := Split(Window{Start: day, End: day.AddDate(0, 0, 31)}, DefaultBatchDays)
	require.Len(t, spill, 2)
	require.Equal(t, spill[1].Start, spill[1].End)

	require.Len(t, Split(Window{Start: day, End: day.AddDate(0, 0, 9)}, 0), 1)
}

func TestResolveWindow(t *testing.T) {
	t.Parallel()

	today := time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)
	yesterday := date(t, "2025-06-14")
	latest := date(t, "2025-05-20")
	explicit := date(t, "2024-01-01")

	testCases := []struct {
		name      string
		explicit  *time.Time
		latest    *time.Time
		wantStart time.Time
	}{
		{"explicit wins", &explicit, &latest, explicit},
		{"resume from watermark", nil, &latest, latest},
		{"empty store falls back to lookback", nil, nil, date(t, "2025-03-17")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := ResolveWindow(tc.explicit, tc.latest, today, DefaultLookbackDays)
			require.Equal(t, tc.wantStart, w.Start)
			require.Equal(t, yesterday, w.End)
		})
	}
}

func TestResolveWindowStartAfterEndYieldsNoBatches(t *testing.T) {
	t.Parallel()

	today := date(t, "2025-06-15")
	future := date(t, "2025-07-01")
	w := ResolveWindow(&future, nil, today, DefaultLookbackDays)
	require.Empty(t, Split(w, DefaultBatchDays))
}

func TestDayUsesLocation(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)

	// 23:30 UTC on the 14th is already the 15th in Stockholm (CEST).
	instant := time.Date(2025, 6, 14, 23, 30, 0, 0, time.UTC)
	require.Equal(t, date(t, "2025-06-15"), Day(instant, loc))
	require.Equal(t, date(t, "2025-06-14"), Day(instant, nil))
}

func TestBatchStrings(t *testing.T) {
	t.Parallel()

	b := Batch{Start: date(t, "2025-01-01"), End: date(t, "2025-01-31")}
	require.Equal(t, "2025-01-01", b.StartString())
	require.Equal(t, "2025-01-31", b.EndString())

	_, err := ParseDate("2025/01/01")
	require.Error(t, err)
}

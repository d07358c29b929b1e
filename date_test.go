package jsbridge_test

import (
	"testing"
	"time"

	"github.com/buke/jsbridge"
	"github.com/stretchr/testify/require"
)

// TestDateRoundTrip tests that date values keep microsecond precision and
// their Go type across the bridge
func TestDateRoundTrip(t *testing.T) {
	rt := jsbridge.NewRuntime()
	defer rt.Close()

	t.Run("DateTime", func(t *testing.T) {
		ts := time.Date(2023, 6, 1, 12, 0, 0, 123456000, time.UTC)
		out := roundTrip(t, rt, ts)
		require.Equal(t, ts, out)

		iso, err := rt.Eval(`v.toISOString()`)
		require.NoError(t, err)
		require.Equal(t, "2023-06-01T12:00:00.123Z", iso)
	})

	t.Run("Location", func(t *testing.T) {
		loc := time.FixedZone("UTC+8", 8*60*60)
		ts := time.Date(2023, 6, 1, 20, 0, 0, 0, loc)
		out := roundTrip(t, rt, ts)
		require.True(t, ts.Equal(out.(time.Time)))
		require.Equal(t, time.UTC, out.(time.Time).Location())
	})

	t.Run("BeforeEpoch", func(t *testing.T) {
		ts := time.Date(1969, 12, 31, 23, 59, 59, 999999000, time.UTC)
		require.Equal(t, ts, roundTrip(t, rt, ts))
	})

	t.Run("Date", func(t *testing.T) {
		d := jsbridge.Date{Year: 2024, Month: time.February, Day: 29}
		require.Equal(t, d, roundTrip(t, rt, d))

		iso, err := rt.Eval(`v.toISOString()`)
		require.NoError(t, err)
		require.Equal(t, "2024-02-29T00:00:00.000Z", iso)
	})

	t.Run("TimeOfDay", func(t *testing.T) {
		tod := jsbridge.TimeOfDay{Hour: 13, Minute: 45, Second: 30, Microsecond: 250}
		require.Equal(t, tod, roundTrip(t, rt, tod))

		ms, err := rt.Eval(`v.getTime()`)
		require.NoError(t, err)
		require.EqualValues(t, int64((13*3600+45*60+30)*1000), ms)
	})

	t.Run("Mutated", func(t *testing.T) {
		ts := time.Date(2023, 6, 1, 12, 0, 0, 123456000, time.UTC)
		require.NoError(t, rt.Set("v", ts))
		out, err := rt.Eval(`v.setUTCFullYear(2000); v`)
		require.NoError(t, err)
		require.Equal(t, time.Date(2000, 6, 1, 12, 0, 0, 123000000, time.UTC), out)
	})

	t.Run("ScriptDate", func(t *testing.T) {
		out, err := rt.Eval(`new Date(Date.UTC(2020, 0, 2, 3, 4, 5, 6))`)
		require.NoError(t, err)
		require.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 6000000, time.UTC), out)
	})
}

func TestDateHelpers(t *testing.T) {
	ts := time.Date(2023, 6, 1, 12, 30, 15, 987654321, time.UTC)

	d := jsbridge.DateOf(ts)
	require.Equal(t, jsbridge.Date{Year: 2023, Month: time.June, Day: 1}, d)
	require.Equal(t, "2023-06-01", d.String())
	require.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), d.Time())

	tod := jsbridge.TimeOfDayOf(ts)
	require.Equal(t, jsbridge.TimeOfDay{Hour: 12, Minute: 30, Second: 15, Microsecond: 987654}, tod)
	require.Equal(t, "12:30:15.987654", tod.String())

	var back time.Time
	require.NoError(t, jsbridge.Unmarshal(d, &back))
	require.Equal(t, d.Time(), back)
	require.NoError(t, jsbridge.Unmarshal(tod, &back))
	require.Equal(t, time.Date(1970, 1, 1, 12, 30, 15, 987654000, time.UTC), back)
}

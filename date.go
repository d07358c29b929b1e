package jsbridge

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Kind tags stored on encoded dates so they decode to the Go type they came
// from.
const (
	dateKindDateTime = "datetime"
	dateKindDate     = "date"
	dateKindTime     = "time"
)

// Date is a calendar date without a time of day. It crosses into script as a
// Date at midnight UTC.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(time.DateOnly)
}

// TimeOfDay is a wall-clock time without a date, with microsecond
// precision. It crosses into script as a Date on 1970-01-01 UTC.
type TimeOfDay struct {
	Hour        int
	Minute      int
	Second      int
	Microsecond int
}

// TimeOfDayOf returns the wall-clock time of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{
		Hour:        t.Hour(),
		Minute:      t.Minute(),
		Second:      t.Second(),
		Microsecond: t.Nanosecond() / int(time.Microsecond),
	}
}

func (tod TimeOfDay) micros() int64 {
	return ((int64(tod.Hour)*60+int64(tod.Minute))*60+int64(tod.Second))*1e6 + int64(tod.Microsecond)
}

func (tod TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%06d", tod.Hour, tod.Minute, tod.Second, tod.Microsecond)
}

// dateMicros returns the microseconds since the Unix epoch (UTC) of a
// date-like Go value and its kind tag.
func dateMicros(v any) (int64, string, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UnixMicro(), dateKindDateTime, true
	case Date:
		return x.Time().UnixMicro(), dateKindDate, true
	case TimeOfDay:
		return x.micros(), dateKindTime, true
	}
	return 0, "", false
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// pushDate pushes a script Date for micros, keeping the exact value and the
// kind under hidden properties.
func (t *thread) pushDate(micros int64, kind string) error {
	base := t.top()
	t.push(t.realm.dateCtor)
	t.pushNumber(float64(floorDiv(micros, 1000)))
	if err := t.construct(1); err != nil {
		return t.raise(err)
	}

	syms := t.rt.syms
	t.pushInt(micros)
	if err := t.defineHidden(-2, syms.micros); err != nil {
		t.setTop(base)
		return err
	}
	t.pushString([]byte(kind))
	if err := t.defineHidden(-2, syms.dateKind); err != nil {
		t.setTop(base)
		return err
	}
	return nil
}

// getDate decodes the Date object at idx. ok is false for an invalid Date.
func (t *thread) getDate(idx int, o *goja.Object) (v any, ok bool, err error) {
	exported, valid := o.Export().(time.Time)
	if !valid {
		return nil, false, nil
	}

	base := t.top()
	defer t.setTop(base)

	syms := t.rt.syms
	found, err := t.getPropSymbol(idx, syms.micros)
	if err != nil {
		return nil, false, err
	}
	// a Date mutated by script no longer matches its hidden value
	if !found || t.typeOf(-1) != TypeNumber || floorDiv(t.at(-1).ToInteger(), 1000) != exported.UnixMilli() {
		return exported.UTC(), true, nil
	}
	micros := t.at(-1).ToInteger()

	kind := dateKindDateTime
	if found, _ := t.getPropSymbol(idx, syms.dateKind); found && t.typeOf(-1) == TypeString {
		kind = t.at(-1).String()
	}

	ts := time.UnixMicro(micros).UTC()
	switch kind {
	case dateKindDate:
		return DateOf(ts), true, nil
	case dateKindTime:
		return TimeOfDayOf(ts), true, nil
	}
	return ts, true, nil
}

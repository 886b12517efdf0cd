// Package seed derives weekday facts for the calendar dates a problem mentions.
//
// Weekdays are computed with Sakamoto's method on the proleptic Gregorian
// calendar so the derived axioms do not depend on any host date library.
package seed

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Names are indexed Monday first.
var Names = [7]string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var (
	dateRE      = regexp.MustCompile(`weekday\s*\(\s*ymd\s*\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\)\s*,`)
	yearMonthRE = regexp.MustCompile(`nth_weekday_date\s*\(\s*\d+\s*,\s*\w+\s*,\s*(\d+)\s*,\s*(\d+)\s*,`)
)

// Date is a calendar date. Fields are not range checked until Valid.
type Date struct {
	Year, Month, Day int
}

// Valid reports whether d names a real Gregorian date with year >= 1.
func (d Date) Valid() bool {
	if d.Year < 1 || d.Month < 1 || d.Month > 12 || d.Day < 1 {
		return false
	}
	return d.Day <= DaysInMonth(d.Year, d.Month)
}

func IsLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func DaysInMonth(year, month int) int {
	switch month {
	case 2:
		if IsLeap(year) {
			return 29
		}
		return 28
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}

var sakamotoOffsets = [12]int{0, 3, 2, 5, 0, 3, 5, 1, 4, 6, 2, 4}

// Weekday returns 0 for Monday through 6 for Sunday. d must be Valid.
func Weekday(d Date) int {
	y := d.Year
	if d.Month < 3 {
		y--
	}
	// Sakamoto yields 0 = Sunday.
	sun0 := (y + y/4 - y/100 + y/400 + sakamotoOffsets[d.Month-1] + d.Day) % 7
	return (sun0 + 6) % 7
}

// WeekdayName returns the lower-case weekday name of d.
func WeekdayName(d Date) string {
	return Names[Weekday(d)]
}

// Fact renders the seed axiom for d. The name embeds the literal day so that
// month-level seeds read seed_wk_Y_M_01.
func Fact(d Date, dayLiteral string) string {
	return fmt.Sprintf("tff(seed_wk_%d_%d_%s, axiom, weekday(ymd(%d, %d, %d), %s)).",
		d.Year, d.Month, dayLiteral, d.Year, d.Month, d.Day, WeekdayName(d))
}

// Derive scans payload for explicit weekday(ymd(Y, M, D), ...) atoms and for
// nth_weekday_date(N, name, M, Y, ...) year/month pairs and returns one seed
// axiom per distinct valid date, newline separated and newline terminated.
// Month seeds come first, each group in order of first appearance. An empty
// string means there was nothing to seed.
func Derive(payload string) string {
	var b strings.Builder
	seen := map[string]bool{}
	emit := func(fact string) {
		if seen[fact] {
			return
		}
		seen[fact] = true
		b.WriteString(fact)
		b.WriteByte('\n')
	}
	for _, m := range yearMonthRE.FindAllStringSubmatch(payload, -1) {
		d, ok := parseDate(m[2], m[1], "1")
		if !ok {
			continue
		}
		emit(Fact(d, "01"))
	}
	for _, m := range dateRE.FindAllStringSubmatch(payload, -1) {
		d, ok := parseDate(m[1], m[2], m[3])
		if !ok {
			continue
		}
		emit(Fact(d, strconv.Itoa(d.Day)))
	}
	return b.String()
}

func parseDate(y, m, d string) (Date, bool) {
	year, err := strconv.Atoi(y)
	if err != nil {
		return Date{}, false
	}
	month, err := strconv.Atoi(m)
	if err != nil {
		return Date{}, false
	}
	day, err := strconv.Atoi(d)
	if err != nil {
		return Date{}, false
	}
	out := Date{Year: year, Month: month, Day: day}
	return out, out.Valid()
}

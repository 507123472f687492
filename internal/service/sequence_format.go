package service

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/devrev/cqrsengine/internal/model"
)

// placeholder: %%name%% or %%name#:<fill><align><width>%%
var placeholderPattern = regexp.MustCompile(`%%([A-Za-z_][A-Za-z0-9_]*)(?:#:([^%]*))?%%`)

// FormatSequence substitutes every placeholder of format with values.
// Unknown names render as an empty string before padding.
func FormatSequence(format string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(format, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		return pad(values[groups[1]], groups[2])
	})
}

// pad applies a ":0>3" style layout: optional fill rune, optional alignment
// ('>' right, '<' left, '^' center) and a width
func pad(value, layout string) string {
	if layout == "" {
		return value
	}
	layout = strings.TrimPrefix(layout, ":")

	fill, align := ' ', '>'
	runes := []rune(layout)
	switch {
	case len(runes) >= 2 && isAlign(runes[1]):
		fill, align = runes[0], runes[1]
		runes = runes[2:]
	case len(runes) >= 1 && isAlign(runes[0]):
		align = runes[0]
		runes = runes[1:]
	}

	width, err := strconv.Atoi(string(runes))
	if err != nil {
		return value
	}
	missing := width - utf8.RuneCountInString(value)
	if missing <= 0 {
		return value
	}

	switch align {
	case '<':
		return value + strings.Repeat(string(fill), missing)
	case '^':
		left := missing / 2
		return strings.Repeat(string(fill), left) + value + strings.Repeat(string(fill), missing-left)
	default:
		return strings.Repeat(string(fill), missing) + value
	}
}

func isAlign(r rune) bool {
	return r == '<' || r == '>' || r == '^'
}

// FiscalYear returns the fiscal year of t. With a register date it is the
// 1-based number of fiscal years since registration, each starting on the
// registration month. Otherwise it is the calendar year in which the fiscal
// year, starting at startMonth, began.
func FiscalYear(t time.Time, startMonth int, registerDate time.Time) int {
	if !registerDate.IsZero() {
		months := (t.Year()-registerDate.Year())*12 + int(t.Month()) - int(registerDate.Month())
		if months < 0 {
			return 1
		}
		return months/12 + 1
	}

	if startMonth < 1 || startMonth > 12 {
		startMonth = model.DefaultFiscalStartMonth
	}
	if int(t.Month()) >= startMonth {
		return t.Year()
	}
	return t.Year() - 1
}

// PeriodFor returns the counter bucket of t under the rotation policy
func PeriodFor(t time.Time, settings *model.SequenceSettings) string {
	switch settings.RotateBy {
	case model.RotateDaily:
		return t.Format("20060102")
	case model.RotateMonthly:
		return t.Format("200601")
	case model.RotateYearly:
		return t.Format("2006")
	case model.RotateFiscalYearly:
		return "FY" + strconv.Itoa(FiscalYear(t, settings.StartMonth, settings.RegisterDate))
	default:
		return ""
	}
}

// derivedValues are the placeholders every format can use
func derivedValues(no int64, t time.Time, startMonth int, registerDate time.Time) map[string]string {
	return map[string]string{
		"no":          strconv.FormatInt(no, 10),
		"year":        strconv.Itoa(t.Year()),
		"month":       strconv.Itoa(int(t.Month())),
		"day":         strconv.Itoa(t.Day()),
		"fiscal_year": strconv.Itoa(FiscalYear(t, startMonth, registerDate)),
	}
}
